package noncestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// DefaultTTL is how long an issued nonce stays consumable.
const DefaultTTL = 5 * time.Minute

// MemoryStore is an in-process nonce store. Live nonces are kept in a
// mutex-guarded map; consumed nonces leave a tombstone for one TTL so a
// replayed nonce can be reported as already used rather than unknown.
type MemoryStore struct {
	mu       sync.Mutex
	live     map[interfaces.Nonce]time.Time
	consumed map[interfaces.Nonce]time.Time
	ttl      time.Duration
	now      func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a memory store with the given TTL (DefaultTTL if
// zero) and starts its background sweeper.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		live:     make(map[interfaces.Nonce]time.Time),
		consumed: make(map[interfaces.Nonce]time.Time),
		ttl:      ttl,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Issue generates and records a fresh nonce with 128 bits of entropy.
func (s *MemoryStore) Issue(ctx context.Context) (interfaces.Nonce, error) {
	for {
		var buf [interfaces.NonceLength / 2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("nonce generation failed: %w", err)
		}
		nonce := interfaces.Nonce(hex.EncodeToString(buf[:]))

		s.mu.Lock()
		_, exists := s.live[nonce]
		if !exists {
			s.live[nonce] = s.now()
		}
		s.mu.Unlock()

		if !exists {
			return nonce, nil
		}
		// 128-bit collision with a live nonce: draw again.
	}
}

// Consume atomically removes the nonce from the live set and classifies
// what it found. The removal and the classification happen under one lock
// acquisition, so two racing consumers see exactly one NonceValid.
func (s *MemoryStore) Consume(ctx context.Context, nonce interfaces.Nonce) (interfaces.ConsumeResult, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if issuedAt, ok := s.live[nonce]; ok {
		delete(s.live, nonce)
		s.consumed[nonce] = now
		if now.Sub(issuedAt) > s.ttl {
			return interfaces.NonceExpired, nil
		}
		return interfaces.NonceValid, nil
	}

	if consumedAt, ok := s.consumed[nonce]; ok && now.Sub(consumedAt) <= s.ttl {
		return interfaces.NonceAlreadyUsed, nil
	}

	return interfaces.NonceUnknown, nil
}

// Close stops the background sweeper. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) runSweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for nonce, issuedAt := range s.live {
		if now.Sub(issuedAt) > s.ttl {
			delete(s.live, nonce)
		}
	}
	for nonce, consumedAt := range s.consumed {
		if now.Sub(consumedAt) > s.ttl {
			delete(s.consumed, nonce)
		}
	}
}
