// Package flags declares the CLI flags shared by the service's binaries and
// the helpers that turn them into component configuration.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/beerpub/agent-provisioning-backend/api"
	"github.com/beerpub/agent-provisioning-backend/common"
)

// SetupLogger builds the process logger from the log-* flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server configuration from the server
// flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var AuthModeFlag = &cli.StringFlag{
	Name:  "auth-mode",
	Value: "key_and_secret",
	Usage: "authorization mode: 'key_only', 'secret_only', or 'key_and_secret'",
}

var RegistrySourceFlag = &cli.StringFlag{
	Name:  "registry-source",
	Usage: "authorized-keys dataset location: file://, https://, s3://, or ipfs:// URI (required unless auth-mode is secret_only)",
}

var RegistryReloadSecondsFlag = &cli.Int64Flag{
	Name:  "registry-reload-seconds",
	Value: 30,
	Usage: "interval between key registry reloads",
}

var NonceStoreFlag = &cli.StringFlag{
	Name:  "nonce-store",
	Value: "memory",
	Usage: "challenge store: 'memory' or a path to an SQLite database file",
}

var NonceTTLSecondsFlag = &cli.Int64Flag{
	Name:  "nonce-ttl-seconds",
	Value: 300,
	Usage: "lifetime of an unconsumed challenge nonce",
}

var DerivationSecretFlag = &cli.StringFlag{
	Name:     "derivation-secret",
	Required: true,
	Usage:    "tenant derivation secret: hex:<value>, file:<path>, env:<var>, vault://<host>/<mount>/<path>#<field>, or shamir:<share>,<share>,...",
}

var GroupSecretFlag = &cli.StringFlag{
	Name:  "group-secret",
	Usage: "shared group secret for membership proofs, same spec formats as derivation-secret (required unless auth-mode is key_only)",
}

var BackendURLFlag = &cli.StringFlag{
	Name:     "backend-url",
	Required: true,
	Usage:    "base URL of the observability backend",
}

var BackendEmailFlag = &cli.StringFlag{
	Name:    "backend-email",
	EnvVars: []string{"BACKEND_EMAIL"},
	Usage:   "backend admin account email",
}

var BackendPasswordFlag = &cli.StringFlag{
	Name:    "backend-password",
	EnvVars: []string{"BACKEND_PASSWORD"},
	Usage:   "backend admin account password",
}

var UIBaseFlag = &cli.StringFlag{
	Name:  "ui-base",
	Usage: "externally reachable backend UI root handed to agents (defaults to backend-url)",
}

var IngestBaseFlag = &cli.StringFlag{
	Name:     "ingest-base",
	Required: true,
	Usage:    "telemetry ingestion root handed to agents",
}

var IngestSRVFlag = &cli.StringFlag{
	Name:  "ingest-srv",
	Usage: "DNS SRV record refining the ingest host, e.g. _otlp._tcp.ingest.example.org",
}

var DNSResolverFlag = &cli.StringFlag{
	Name:  "dns-resolver",
	Value: "127.0.0.53:53",
	Usage: "DNS server queried for SRV records",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

// CommonFlags apply to every server binary.
var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
