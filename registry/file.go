package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// fileSource loads the registry dataset from a local file.
type fileSource struct {
	path string
	log  *slog.Logger
}

func newFileSource(u *url.URL, log *slog.Logger) (*fileSource, error) {
	path := u.Path
	if u.Host != "" {
		// file://relative/path parses the first segment as a host.
		path = u.Host + u.Path
	}
	if path == "" {
		return nil, fmt.Errorf("file registry source has empty path")
	}
	return &fileSource{path: path, log: log}, nil
}

func (s *fileSource) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	return ParseDataset(data, s.log), nil
}

func (s *fileSource) Location() string {
	return "file://" + s.path
}
