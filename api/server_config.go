package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig carries the listener and lifecycle settings for the
// provisioning server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the API listens on.
	ListenAddr string

	// MetricsAddr is the address for the Prometheus metrics listener.
	// Empty disables the metrics listener.
	MetricsAddr string

	// EnablePprof mounts the pprof debug API under /debug.
	EnablePprof bool

	// Log is the structured logger shared by the server and its handlers.
	Log *slog.Logger

	// DrainDuration is how long the server stays up after being marked
	// not ready, giving load balancers time to notice.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests
	// during shutdown.
	GracefulShutdownDuration time.Duration

	// ReadTimeout bounds reading a whole request including its body.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing a response.
	WriteTimeout time.Duration
}
