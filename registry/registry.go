package registry

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// DefaultReloadInterval keeps registry staleness well under the one-minute
// bound the protocol tolerates.
const DefaultReloadInterval = 30 * time.Second

// snapshot is one fully parsed registry dataset. Snapshots are immutable
// after construction; readers share them freely.
type snapshot struct {
	entries  map[interfaces.Fingerprint]interfaces.RegistryEntry
	loadedAt time.Time
}

// KeyRegistry serves fingerprint lookups from the latest good snapshot and
// reloads the backing dataset periodically.
type KeyRegistry struct {
	source   interfaces.RegistrySource
	interval time.Duration
	log      *slog.Logger

	current   atomic.Pointer[snapshot]
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a registry over the given source. Call Reload once for the
// initial load, then Start to begin the background loop.
func New(source interfaces.RegistrySource, interval time.Duration, log *slog.Logger) *KeyRegistry {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	r := &KeyRegistry{
		source:   source,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
	r.current.Store(&snapshot{entries: map[interfaces.Fingerprint]interfaces.RegistryEntry{}})
	return r
}

// Reload loads the dataset once and, on success, publishes it as the new
// snapshot. On failure the previous snapshot keeps serving.
func (r *KeyRegistry) Reload(ctx context.Context) error {
	entries, err := r.source.Load(ctx)
	if err != nil {
		r.log.Warn("Registry reload failed, keeping previous snapshot",
			"err", err, slog.String("source", r.source.Location()))
		return err
	}

	byFingerprint := make(map[interfaces.Fingerprint]interfaces.RegistryEntry, len(entries))
	for _, entry := range entries {
		byFingerprint[entry.Fingerprint] = entry
	}

	r.current.Store(&snapshot{entries: byFingerprint, loadedAt: time.Now()})
	r.log.Debug("Registry reloaded",
		slog.Int("keys", len(byFingerprint)),
		slog.String("source", r.source.Location()))
	return nil
}

// Start runs the periodic reload loop until Close is called or ctx ends.
func (r *KeyRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = r.Reload(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the reload loop.
func (r *KeyRegistry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Contains reports whether the fingerprint is in the current snapshot.
func (r *KeyRegistry) Contains(fingerprint interfaces.Fingerprint) bool {
	_, ok := r.current.Load().entries[fingerprint]
	return ok
}

// Lookup resolves a fingerprint to its public key from the current
// snapshot. The second return is false when the fingerprint is unknown.
func (r *KeyRegistry) Lookup(fingerprint interfaces.Fingerprint) (ssh.PublicKey, bool) {
	entry, ok := r.current.Load().entries[fingerprint]
	if !ok {
		return nil, false
	}
	pubkey, err := cryptoutils.PublicKeyFromWire(entry.PublicKey)
	if err != nil {
		// Entries are validated at parse time; a bad wire encoding here
		// means snapshot corruption, which we treat as absence.
		r.log.Error("Registry entry has invalid key encoding", "err", err,
			slog.String("fingerprint", fingerprint.String()))
		return nil, false
	}
	return pubkey, true
}

// Size returns the number of keys in the current snapshot.
func (r *KeyRegistry) Size() int {
	return len(r.current.Load().entries)
}

// LoadedAt returns when the current snapshot was published. The zero time
// means no load has succeeded yet.
func (r *KeyRegistry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// ParseDataset parses a line-oriented authorized-keys dataset. Blank lines
// and lines starting with '#' are skipped; malformed lines are skipped with
// a warning so one bad entry cannot poison a reload.
func ParseDataset(data []byte, log *slog.Logger) []interfaces.RegistryEntry {
	var entries []interfaces.RegistryEntry

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pubkey, label, err := cryptoutils.ParseAuthorizedKey(line)
		if err != nil {
			log.Warn("Skipping malformed registry line",
				"err", err, slog.Int("line", lineNo))
			continue
		}

		entries = append(entries, interfaces.RegistryEntry{
			Fingerprint: cryptoutils.ComputeFingerprint(pubkey),
			PublicKey:   pubkey.Marshal(),
			Label:       label,
		})
	}
	return entries
}
