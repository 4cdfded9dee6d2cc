package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// NewSource creates a registry source from a location URI.
//
// Supported schemes:
//   - file:///path/to/authorized_keys
//   - http:// and https:// — dataset served over HTTP (e.g. a raw git URL)
//   - s3://bucket/key?region=eu-central-1[&endpoint=host] — S3 object
//   - ipfs://host:port/path — dataset on an IPFS node
func NewSource(locationURI string, log *slog.Logger) (interfaces.RegistrySource, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid registry source URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return newFileSource(u, log)
	case "http", "https":
		return newHTTPSource(locationURI, log), nil
	case "s3":
		return newS3Source(u, log)
	case "ipfs":
		return newIPFSSource(u, log)
	default:
		return nil, fmt.Errorf("unsupported registry source scheme: %s", u.Scheme)
	}
}

// InstrumentSource wraps a source so every load attempt increments reloads
// with an ok/error status label.
func InstrumentSource(source interfaces.RegistrySource, reloads *prometheus.CounterVec) interfaces.RegistrySource {
	return &instrumentedSource{source: source, reloads: reloads}
}

type instrumentedSource struct {
	source  interfaces.RegistrySource
	reloads *prometheus.CounterVec
}

func (s *instrumentedSource) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	entries, err := s.source.Load(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.reloads.WithLabelValues(status).Inc()
	return entries, err
}

func (s *instrumentedSource) Location() string {
	return s.source.Location()
}
