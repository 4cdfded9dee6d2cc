package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// ipfsSource loads the registry dataset from an IPFS node. The URI names
// the node's API address and the content path:
// ipfs://127.0.0.1:5001/QmHash or ipfs://127.0.0.1:5001/ipns/name/keys.
type ipfsSource struct {
	shell *shell.Shell
	path  string
	log   *slog.Logger
	uri   string
}

func newIPFSSource(u *url.URL, log *slog.Logger) (*ipfsSource, error) {
	path := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || path == "" {
		return nil, fmt.Errorf("ipfs registry source needs ipfs://host:port/path, got %q", u.String())
	}

	return &ipfsSource{
		shell: shell.NewShell(u.Host),
		path:  path,
		log:   log,
		uri:   u.String(),
	}, nil
}

func (s *ipfsSource) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	if !s.shell.IsUp() {
		return nil, fmt.Errorf("ipfs node %s unavailable", s.uri)
	}

	reader, err := s.shell.Cat(s.path)
	if err != nil {
		return nil, fmt.Errorf("fetching registry dataset from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxDatasetSize))
	if err != nil {
		return nil, fmt.Errorf("reading registry dataset: %w", err)
	}
	return ParseDataset(data, s.log), nil
}

func (s *ipfsSource) Location() string {
	return s.uri
}
