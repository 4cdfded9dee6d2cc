// The provisioning server verifies agent key-possession proofs and
// provisions observability tenants for authorized agents.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/beerpub/agent-provisioning-backend/api/provisioner"
	"github.com/beerpub/agent-provisioning-backend/authz"
	"github.com/beerpub/agent-provisioning-backend/cmd/flags"
	"github.com/beerpub/agent-provisioning-backend/common"
	"github.com/beerpub/agent-provisioning-backend/coroot"
	"github.com/beerpub/agent-provisioning-backend/httpserver"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
	"github.com/beerpub/agent-provisioning-backend/kms"
	"github.com/beerpub/agent-provisioning-backend/metrics"
	"github.com/beerpub/agent-provisioning-backend/noncestore"
	"github.com/beerpub/agent-provisioning-backend/registry"
	"github.com/beerpub/agent-provisioning-backend/tenant"
)

func main() {
	app := &cli.App{
		Name:  "provisioning-server",
		Usage: "Provision observability tenants for agents proving Ed25519 key possession",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.AuthModeFlag,
			flags.RegistrySourceFlag,
			flags.RegistryReloadSecondsFlag,
			flags.NonceStoreFlag,
			flags.NonceTTLSecondsFlag,
			flags.DerivationSecretFlag,
			flags.GroupSecretFlag,
			flags.BackendURLFlag,
			flags.BackendEmailFlag,
			flags.BackendPasswordFlag,
			flags.UIBaseFlag,
			flags.IngestBaseFlag,
			flags.IngestSRVFlag,
			flags.DNSResolverFlag,
		}, flags.CommonFlags...),
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg := flags.ConfigureServer(cCtx, logger)
	ctx := context.Background()

	mode, err := interfaces.ParseAuthorizationMode(cCtx.String(flags.AuthModeFlag.Name))
	if err != nil {
		logger.Error("Invalid authorization mode", "err", err)
		return err
	}
	logger.Info("Authorization mode configured", "mode", string(mode))

	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}

	deriver, err := setupDeriver(ctx, cCtx)
	if err != nil {
		logger.Error("Failed to set up tenant deriver", "err", err)
		return err
	}

	groupSecret, err := setupGroupSecret(ctx, cCtx, mode)
	if err != nil {
		logger.Error("Failed to resolve group secret", "err", err)
		return err
	}

	nonces, err := setupNonceStore(cCtx, logger)
	if err != nil {
		logger.Error("Failed to set up nonce store", "err", err)
		return err
	}
	defer nonces.Close()

	keys, err := setupRegistry(ctx, cCtx, mode, metricsSrv, logger)
	if err != nil {
		logger.Error("Failed to set up key registry", "err", err)
		return err
	}
	if keys != nil {
		defer keys.Close()
	}

	backend, err := setupBackend(cCtx, logger)
	if err != nil {
		logger.Error("Failed to set up tenant backend", "err", err)
		return err
	}

	var membership authz.MembershipSet
	if keys != nil {
		membership = keys
	}
	handler := provisioner.NewHandler(provisioner.HandlerConfig{
		Nonces:     nonces,
		Keys:       keys,
		Authorizer: authz.New(mode, membership, groupSecret),
		Deriver:    deriver,
		Backend:    backend,
		Metrics:    metricsSrv,
		Log:        logger,
	})

	srv, err := httpserver.New(cfg, handler, metricsSrv)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}

func setupDeriver(ctx context.Context, cCtx *cli.Context) (*tenant.Deriver, error) {
	source, err := kms.NewSecretSource(cCtx.String(flags.DerivationSecretFlag.Name))
	if err != nil {
		return nil, err
	}
	secret, err := source.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return tenant.NewDeriver(secret)
}

func setupGroupSecret(ctx context.Context, cCtx *cli.Context, mode interfaces.AuthorizationMode) ([]byte, error) {
	spec := cCtx.String(flags.GroupSecretFlag.Name)
	if spec == "" {
		if mode.RequiresMembershipProof() {
			return nil, errors.New("group-secret is required for modes checking membership proofs")
		}
		return nil, nil
	}
	source, err := kms.NewSecretSource(spec)
	if err != nil {
		return nil, err
	}
	return source.Resolve(ctx)
}

func setupNonceStore(cCtx *cli.Context, logger *slog.Logger) (interfaces.NonceStore, error) {
	ttl := time.Duration(cCtx.Int64(flags.NonceTTLSecondsFlag.Name)) * time.Second
	spec := cCtx.String(flags.NonceStoreFlag.Name)
	if spec == "memory" {
		logger.Info("Using in-memory nonce store", "ttl", ttl)
		return noncestore.NewMemoryStore(ttl), nil
	}
	logger.Info("Using SQLite nonce store", "path", spec, "ttl", ttl)
	return noncestore.NewSQLiteStore(spec, ttl, logger)
}

func setupRegistry(ctx context.Context, cCtx *cli.Context, mode interfaces.AuthorizationMode, metricsSrv *metrics.MetricsServer, logger *slog.Logger) (*registry.KeyRegistry, error) {
	uri := cCtx.String(flags.RegistrySourceFlag.Name)
	if uri == "" {
		if mode.RequiresRegistry() {
			return nil, errors.New("registry-source is required for modes consulting the key registry")
		}
		return nil, nil
	}

	source, err := registry.NewSource(uri, logger)
	if err != nil {
		return nil, err
	}
	source = registry.InstrumentSource(source, metricsSrv.RegistryReloads)

	interval := time.Duration(cCtx.Int64(flags.RegistryReloadSecondsFlag.Name)) * time.Second
	keys := registry.New(source, interval, logger)
	if err := keys.Reload(ctx); err != nil {
		// Serve the empty set until the source recovers rather than refuse
		// to start.
		logger.Warn("Initial registry load failed", "source", source.Location(), "err", err)
	}
	keys.Start(ctx)
	return keys, nil
}

func setupBackend(cCtx *cli.Context, logger *slog.Logger) (interfaces.TenantBackend, error) {
	backendURL := cCtx.String(flags.BackendURLFlag.Name)
	uiBase := cCtx.String(flags.UIBaseFlag.Name)
	if uiBase == "" {
		uiBase = backendURL
	}

	endpoints := coroot.NewEndpointSet(coroot.EndpointConfig{
		UIBase:     uiBase,
		IngestBase: cCtx.String(flags.IngestBaseFlag.Name),
		IngestSRV:  cCtx.String(flags.IngestSRVFlag.Name),
		Resolver:   cCtx.String(flags.DNSResolverFlag.Name),
	}, logger)

	return coroot.NewClient(coroot.Config{
		BaseURL:  backendURL,
		Email:    cCtx.String(flags.BackendEmailFlag.Name),
		Password: cCtx.String(flags.BackendPasswordFlag.Name),
	}, endpoints, logger)
}
