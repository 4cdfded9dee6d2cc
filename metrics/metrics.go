// Package metrics exposes the service's Prometheus metrics on a dedicated
// listener, kept off the public API address.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics and owns the metric instruments the rest of
// the service records into.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry

	// NoncesIssued counts challenge nonces handed out.
	NoncesIssued prometheus.Counter

	// ProvisioningOutcomes counts finished provisioning attempts by
	// outcome: "created", "existing", or a protocol error code.
	ProvisioningOutcomes *prometheus.CounterVec

	// RegistryReloads counts key registry reload attempts by status.
	RegistryReloads *prometheus.CounterVec
}

// New creates a metrics server bound to addr. The namespace groups all
// instruments under the service name.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &MetricsServer{
		registry: registry,
		NoncesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: sanitize(namespace),
			Name:      "nonces_issued_total",
			Help:      "Challenge nonces issued to agents.",
		}),
		ProvisioningOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: sanitize(namespace),
			Name:      "provisioning_attempts_total",
			Help:      "Finished provisioning attempts by outcome.",
		}, []string{"outcome"}),
		RegistryReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: sanitize(namespace),
			Name:      "registry_reloads_total",
			Help:      "Key registry reload attempts by status.",
		}, []string{"status"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: addr, Handler: mux}
	return m, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// sanitize maps the package name onto a legal Prometheus namespace.
func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
