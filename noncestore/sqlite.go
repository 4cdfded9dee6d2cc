package noncestore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// SQLiteStore is a nonce store backed by SQLite, for deployments running
// several server instances against a shared database file. The atomic
// check-and-delete is pushed into the database engine: Consume is a single
// DELETE ... RETURNING statement.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	log *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens (and if needed creates) the nonce database at path
// and starts the background sweeper. TTL defaults to DefaultTTL if zero.
func NewSQLiteStore(path string, ttl time.Duration, log *slog.Logger) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening nonce database: %w", err)
	}
	// Writes to one SQLite file cannot proceed in parallel anyway; a single
	// pooled connection makes racing Consume calls queue instead of failing
	// with SQLITE_BUSY, so exactly one of them wins the DELETE.
	db.SetMaxOpenConns(1)

	// WAL keeps concurrent Issue/Consume from serializing on the file lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	// Other server replicas sharing the file wait for the lock instead of
	// surfacing busy errors to the protocol layer.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS nonces (
		value      TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating nonce schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		ttl:  ttl,
		log:  log,
		done: make(chan struct{}),
	}
	go s.sweep()
	return s, nil
}

// Issue generates and persists a fresh nonce.
func (s *SQLiteStore) Issue(ctx context.Context) (interfaces.Nonce, error) {
	for {
		var buf [interfaces.NonceLength / 2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("nonce generation failed: %w", err)
		}
		nonce := interfaces.Nonce(hex.EncodeToString(buf[:]))

		_, err := s.db.ExecContext(ctx,
			"INSERT INTO nonces (value, created_at) VALUES (?, ?)",
			nonce.String(), time.Now().Unix())
		if err == nil {
			return nonce, nil
		}
		// A primary-key conflict means a 128-bit collision with a live
		// nonce; draw again. Anything else is the store failing.
		if !isConstraintViolation(err) {
			return "", fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
		}
	}
}

// Consume deletes the nonce and classifies what was found. A store error
// fails the request; it never reports the nonce as valid.
//
// Unlike the memory store, SQLite keeps no tombstones: a nonce consumed by
// an earlier request is indistinguishable from one never issued, and both
// report NonceUnknown. The wire protocol folds both into nonce_invalid.
func (s *SQLiteStore) Consume(ctx context.Context, nonce interfaces.Nonce) (interfaces.ConsumeResult, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"DELETE FROM nonces WHERE value = ? RETURNING created_at",
		nonce.String()).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.NonceUnknown, nil
	}
	if err != nil {
		return interfaces.NonceUnknown, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if time.Since(time.Unix(createdAt, 0)) > s.ttl {
		return interfaces.NonceExpired, nil
	}
	return interfaces.NonceValid, nil
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.db.Close()
}

func (s *SQLiteStore) sweep() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl).Unix()
			if _, err := s.db.Exec("DELETE FROM nonces WHERE created_at < ?", cutoff); err != nil {
				s.log.Warn("Nonce sweep failed", "err", err)
			}
		case <-s.done:
			return
		}
	}
}

// isConstraintViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY
// violation. modernc.org/sqlite wraps sqlite error codes in its own error
// type; matching on the message avoids importing driver internals.
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
