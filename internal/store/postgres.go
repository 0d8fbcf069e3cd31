// Package store provides storage backends for the delivery attempt archive.
//
// This file implements a PostgreSQL-backed attempt archive.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/wadispatch/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const postgresInsertAttempt = `INSERT INTO delivery_attempts (` + attemptColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// Compile-time check that PostgresStore implements AttemptRepo.
var _ AttemptRepo = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveAttempts appends recs in a single transaction.
func (s *PostgresStore) SaveAttempts(ctx context.Context, recs []models.AttemptRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := insertAttempts(ctx, tx, postgresInsertAttempt, recs); err != nil {
		_ = tx.Rollback()
		slog.Error("PostgresStore SaveAttempts failed", "error", err, "count", len(recs))
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempts: %w", err)
	}
	slog.Debug("PostgresStore SaveAttempts succeeded", "count", len(recs))
	return nil
}

// ListAttempts returns matching attempts, newest first.
func (s *PostgresStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]models.AttemptRecord, error) {
	q, args := listQuery(f.normalized(), postgresPlaceholder)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		slog.Error("PostgresStore ListAttempts query failed", "error", err)
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	out, err := scanAttempts(rows)
	if err != nil {
		slog.Error("PostgresStore ListAttempts scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore ListAttempts succeeded", "count", len(out))
	return out, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }
