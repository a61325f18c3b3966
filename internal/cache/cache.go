// Package cache memoizes provider calls under deterministic fingerprints.
// The store is process-wide shared state with explicit initialization
// (load persisted entries) and teardown (flush); it is injected as a
// handle into every component that needs it.
package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS responses (
	fingerprint TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
`

// Entry is one memoized provider response.
type Entry struct {
	Fingerprint string
	Value       string
	CreatedAt   time.Time
}

// Store holds entries in memory and persists them to SQLite. Concurrent
// reads are safe; concurrent writes to the same fingerprint are
// last-write-wins by design.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   map[string]struct{}

	db  *sql.DB
	ttl time.Duration
}

// Open opens (or creates) the cache database, applies the schema, and
// loads unexpired persisted entries into memory. ttl <= 0 disables
// expiry.
func Open(dsn string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &apperr.CacheError{Op: "open", Err: err}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &apperr.CacheError{Op: "schema", Err: err}
	}

	s := &Store{
		entries: make(map[string]Entry),
		dirty:   make(map[string]struct{}),
		db:      db,
		ttl:     ttl,
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT fingerprint, value, created_at FROM responses`)
	if err != nil {
		return &apperr.CacheError{Op: "load", Err: err}
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.Fingerprint, &e.Value, &created); err != nil {
			return &apperr.CacheError{Op: "load", Err: err}
		}
		e.CreatedAt = time.Unix(created, 0)
		if s.ttl > 0 && now.Sub(e.CreatedAt) > s.ttl {
			continue
		}
		s.entries[e.Fingerprint] = e
	}
	if err := rows.Err(); err != nil {
		return &apperr.CacheError{Op: "load", Err: err}
	}
	return nil
}

// Get returns the memoized value for a fingerprint.
func (s *Store) Get(fingerprint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fingerprint]
	if !ok {
		return "", false
	}
	if s.ttl > 0 && time.Since(e.CreatedAt) > s.ttl {
		return "", false
	}
	return e.Value, true
}

// Put stores a value. Persistence happens at the next Flush.
func (s *Store) Put(fingerprint, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = Entry{Fingerprint: fingerprint, Value: value, CreatedAt: time.Now()}
	s.dirty[fingerprint] = struct{}{}
}

// Purge removes specific fingerprints from memory and disk. Used when a
// knowledge tree rebuild invalidates entries keyed on stale node text.
func (s *Store) Purge(fingerprints []string) error {
	s.mu.Lock()
	for _, fp := range fingerprints {
		delete(s.entries, fp)
		delete(s.dirty, fp)
	}
	s.mu.Unlock()

	for _, fp := range fingerprints {
		if _, err := s.db.Exec(`DELETE FROM responses WHERE fingerprint = ?`, fp); err != nil {
			return &apperr.CacheError{Op: "purge", Err: err}
		}
	}
	return nil
}

// Len returns the number of in-memory entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Flush persists dirty entries.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := make([]Entry, 0, len(s.dirty))
	for fp := range s.dirty {
		pending = append(pending, s.entries[fp])
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	for _, e := range pending {
		_, err := s.db.Exec(`
			INSERT INTO responses (fingerprint, value, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				value      = excluded.value,
				created_at = excluded.created_at
		`, e.Fingerprint, e.Value, e.CreatedAt.Unix())
		if err != nil {
			return &apperr.CacheError{Op: "flush", Err: err}
		}
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Fingerprint derives the deterministic cache key for a provider call:
// sha256 over the canonical JSON of provider id, model, messages, and
// sampling parameters.
func Fingerprint(provider, model string, messages any, temperature float32, maxTokens int) (string, error) {
	fp, err := checksum.SumJSON(map[string]any{
		"provider":    provider,
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}
	return fp, nil
}
