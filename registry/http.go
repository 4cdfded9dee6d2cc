package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// maxDatasetSize bounds how much of a remote dataset is read (1MB).
const maxDatasetSize = 1024 * 1024

// httpSource loads the registry dataset from an HTTP(S) URL, typically a
// raw file URL on a git forge.
type httpSource struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

func newHTTPSource(rawURL string, log *slog.Logger) *httpSource {
	return &httpSource{
		url:    rawURL,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

func (s *httpSource) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching registry dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry dataset fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDatasetSize))
	if err != nil {
		return nil, fmt.Errorf("reading registry dataset: %w", err)
	}
	return ParseDataset(data, s.log), nil
}

func (s *httpSource) Location() string {
	return s.url
}
