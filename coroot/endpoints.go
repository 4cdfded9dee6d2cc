package coroot

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// srvCacheTTL bounds how long a resolved ingest address is reused before the
// SRV record is queried again.
const srvCacheTTL = time.Minute

// EndpointConfig describes how per-tenant endpoints are assembled.
type EndpointConfig struct {
	// UIBase is the externally reachable UI root; the tenant's project page
	// is UIBase/p/{project_id}.
	UIBase string

	// IngestBase is the telemetry ingestion root handed to agents.
	IngestBase string

	// IngestSRV optionally names a DNS SRV record (e.g.
	// _otlp._tcp.ingest.beerpub.dev) whose first target replaces the host of
	// IngestBase. Empty disables SRV resolution.
	IngestSRV string

	// Resolver is the DNS server queried for SRV records. Defaults to the
	// local systemd-resolved stub.
	Resolver string
}

// EndpointSet resolves the endpoint map included in provisioning responses.
// SRV lookups are cached briefly so a burst of provisioning requests does not
// hammer the resolver.
type EndpointSet struct {
	cfg EndpointConfig
	log *slog.Logger

	exchange func(m *dns.Msg, addr string) (*dns.Msg, error)

	mu         sync.Mutex
	cachedHost string
	cachedAt   time.Time
}

// NewEndpointSet returns an EndpointSet for the given configuration.
func NewEndpointSet(cfg EndpointConfig, log *slog.Logger) *EndpointSet {
	if cfg.Resolver == "" {
		cfg.Resolver = "127.0.0.53:53"
	}
	cfg.UIBase = strings.TrimRight(cfg.UIBase, "/")
	cfg.IngestBase = strings.TrimRight(cfg.IngestBase, "/")

	s := &EndpointSet{cfg: cfg, log: log}
	s.exchange = func(m *dns.Msg, addr string) (*dns.Msg, error) {
		c := new(dns.Client)
		in, _, err := c.Exchange(m, addr)
		return in, err
	}
	return s
}

// For returns the endpoint map for one project. The map is freshly allocated
// per call so responses never share state.
func (s *EndpointSet) For(projectID string) map[string]string {
	endpoints := map[string]string{
		"ui":     s.cfg.UIBase + "/p/" + projectID,
		"ingest": s.ingestBase(),
	}
	return endpoints
}

// ingestBase returns IngestBase with its host swapped for the SRV target when
// SRV resolution is configured and succeeds. Lookup failures fall back to the
// static base so provisioning keeps working through resolver outages.
func (s *EndpointSet) ingestBase() string {
	if s.cfg.IngestSRV == "" {
		return s.cfg.IngestBase
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedHost != "" && time.Since(s.cachedAt) < srvCacheTTL {
		return replaceHost(s.cfg.IngestBase, s.cachedHost)
	}

	host, err := s.resolveSRV(s.cfg.IngestSRV)
	if err != nil {
		s.log.Warn("SRV resolution for ingest endpoint failed, using static base",
			"srv", s.cfg.IngestSRV, "err", err)
		return s.cfg.IngestBase
	}
	s.cachedHost = host
	s.cachedAt = time.Now()
	return replaceHost(s.cfg.IngestBase, host)
}

// resolveSRV queries the configured resolver and returns "target:port" of the
// first SRV answer.
func (s *EndpointSet) resolveSRV(service string) (string, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(service),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	in, err := s.exchange(m, s.cfg.Resolver)
	if err != nil {
		return "", err
	}

	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			return srvAddr(srv.Target, srv.Port), nil
		}
	}
	return "", fmt.Errorf("no SRV records for %s", service)
}

// srvAddr joins an SRV target and port into a host:port address, trimming the
// trailing dot of the FQDN target.
func srvAddr(target string, port uint16) string {
	return net.JoinHostPort(strings.TrimSuffix(target, "."), strconv.Itoa(int(port)))
}

// replaceHost swaps the authority of a scheme://host[:port] base for addr,
// keeping the scheme and any path.
func replaceHost(base, addr string) string {
	scheme, rest, found := strings.Cut(base, "://")
	if !found {
		return base
	}
	_, path, _ := strings.Cut(rest, "/")
	if path != "" {
		return scheme + "://" + addr + "/" + path
	}
	return scheme + "://" + addr
}
