package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKeyLine(t *testing.T, label string) (string, interfaces.Fingerprint) {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	line := string(ssh.MarshalAuthorizedKey(sshPub))
	line = line[:len(line)-1]
	if label != "" {
		line += " " + label
	}
	return line, cryptoutils.ComputeFingerprint(sshPub)
}

// stubSource serves a fixed dataset or a fixed error.
type stubSource struct {
	mu      sync.Mutex
	entries []interfaces.RegistryEntry
	err     error
	loads   int
}

func (s *stubSource) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func (s *stubSource) Location() string { return "stub://" }

func (s *stubSource) set(entries []interfaces.RegistryEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries, s.err = entries, err
}

func entriesFromLines(t *testing.T, lines ...string) []interfaces.RegistryEntry {
	t.Helper()
	dataset := ""
	for _, line := range lines {
		dataset += line + "\n"
	}
	return ParseDataset([]byte(dataset), testLogger())
}

func TestParseDataset(t *testing.T) {
	line1, fp1 := newKeyLine(t, "agent-one")
	line2, fp2 := newKeyLine(t, "")

	dataset := fmt.Sprintf("# authorized agents\n\n%s\n   \n%s\nnot a key line\n", line1, line2)
	entries := ParseDataset([]byte(dataset), testLogger())

	require.Len(t, entries, 2)
	assert.Equal(t, fp1, entries[0].Fingerprint)
	assert.Equal(t, "agent-one", entries[0].Label)
	assert.Equal(t, fp2, entries[1].Fingerprint)
}

func TestKeyRegistry_LookupAndContains(t *testing.T) {
	line, fp := newKeyLine(t, "")
	source := &stubSource{entries: entriesFromLines(t, line)}

	reg := New(source, 0, testLogger())
	defer reg.Close()
	require.NoError(t, reg.Reload(context.Background()))

	assert.True(t, reg.Contains(fp))
	assert.Equal(t, 1, reg.Size())

	pubkey, ok := reg.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, fp, cryptoutils.ComputeFingerprint(pubkey))

	_, ok = reg.Lookup("0000000000000000000000000000000000000000000000000000000000000000")
	assert.False(t, ok)
}

func TestKeyRegistry_ReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	line, fp := newKeyLine(t, "")
	source := &stubSource{entries: entriesFromLines(t, line)}

	reg := New(source, 0, testLogger())
	defer reg.Close()
	require.NoError(t, reg.Reload(context.Background()))
	loadedAt := reg.LoadedAt()

	source.set(nil, errors.New("source down"))
	require.Error(t, reg.Reload(context.Background()))

	// Stale but present, never empty.
	assert.True(t, reg.Contains(fp))
	assert.Equal(t, loadedAt, reg.LoadedAt())
}

func TestKeyRegistry_EmptyBeforeFirstLoad(t *testing.T) {
	reg := New(&stubSource{}, 0, testLogger())
	defer reg.Close()

	assert.False(t, reg.Contains("aa"))
	assert.Equal(t, 0, reg.Size())
	assert.True(t, reg.LoadedAt().IsZero())
}

func TestKeyRegistry_ConcurrentLookupDuringReload(t *testing.T) {
	line, fp := newKeyLine(t, "")
	source := &stubSource{entries: entriesFromLines(t, line)}

	reg := New(source, 0, testLogger())
	defer reg.Close()
	require.NoError(t, reg.Reload(context.Background()))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					// A lookup must always see a complete snapshot.
					assert.True(t, reg.Contains(fp))
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, reg.Reload(context.Background()))
	}
	close(done)
	wg.Wait()
}

func TestKeyRegistry_StartReloadsPeriodically(t *testing.T) {
	source := &stubSource{}
	reg := New(source, 5*time.Millisecond, testLogger())
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.loads >= 2
	}, time.Second, time.Millisecond)
}

func TestFileSource(t *testing.T) {
	line, fp := newKeyLine(t, "ci-agent")
	path := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0644))

	source, err := NewSource("file://"+path, testLogger())
	require.NoError(t, err)

	entries, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fp, entries[0].Fingerprint)
	assert.Equal(t, "ci-agent", entries[0].Label)
}

func TestHTTPSource(t *testing.T) {
	line, fp := newKeyLine(t, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "# over http")
		fmt.Fprintln(w, line)
	}))
	defer srv.Close()

	source, err := NewSource(srv.URL+"/keys", testLogger())
	require.NoError(t, err)

	entries, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fp, entries[0].Fingerprint)
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	source, err := NewSource(srv.URL, testLogger())
	require.NoError(t, err)

	_, err = source.Load(context.Background())
	assert.Error(t, err)
}

func TestNewSource_UnsupportedScheme(t *testing.T) {
	_, err := NewSource("gopher://example.com/keys", testLogger())
	assert.ErrorContains(t, err, "unsupported registry source scheme")
}
