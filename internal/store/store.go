// Package store provides storage backends for the delivery attempt archive.
//
// The archive is append-only operator history. It is never read back into
// engine state, so losing it loses history, not correctness.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/wadispatch/internal/fingerprint"
	"github.com/BTreeMap/wadispatch/internal/models"
)

const (
	// DefaultListLimit is used when a filter does not set Limit.
	DefaultListLimit = 100
	// MaxListLimit caps a single listing.
	MaxListLimit = 1000
	// DefaultMemoryCapacity bounds the in-memory store.
	DefaultMemoryCapacity = 10000
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store is closed")

// AttemptFilter selects archived attempts. Empty fields match everything.
type AttemptFilter struct {
	Recipient string
	JobID     string
	Limit     int
}

func (f AttemptFilter) normalized() AttemptFilter {
	f.Recipient = fingerprint.NormalizeRecipient(f.Recipient)
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// AttemptRepo persists delivery attempt records.
type AttemptRepo interface {
	// SaveAttempts appends records in one batch.
	SaveAttempts(ctx context.Context, recs []models.AttemptRecord) error
	// ListAttempts returns matching records, newest first.
	ListAttempts(ctx context.Context, f AttemptFilter) ([]models.AttemptRecord, error)
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value
// connection strings, and "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the AttemptRepo selected by opts: Postgres, SQLite, or the
// in-memory store when no DSN is configured.
func Open(opts ...Option) (AttemptRepo, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(DefaultMemoryCapacity), nil
	}
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// InMemoryStore keeps the most recent attempts in memory.
type InMemoryStore struct {
	mu       sync.Mutex
	attempts []models.AttemptRecord
	capacity int
	closed   bool
}

// NewInMemoryStore creates an InMemoryStore holding at most capacity records.
func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &InMemoryStore{capacity: capacity}
}

func (s *InMemoryStore) SaveAttempts(_ context.Context, recs []models.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.attempts = append(s.attempts, recs...)
	if over := len(s.attempts) - s.capacity; over > 0 {
		s.attempts = append([]models.AttemptRecord(nil), s.attempts[over:]...)
	}
	return nil
}

func (s *InMemoryStore) ListAttempts(_ context.Context, f AttemptFilter) ([]models.AttemptRecord, error) {
	f = f.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []models.AttemptRecord
	for i := len(s.attempts) - 1; i >= 0 && len(out) < f.Limit; i-- {
		r := s.attempts[i]
		if f.Recipient != "" && r.Recipient != f.Recipient {
			continue
		}
		if f.JobID != "" && r.JobID != f.JobID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
