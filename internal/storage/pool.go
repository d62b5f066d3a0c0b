// Package storage provides the PostgreSQL durable tier for Reflex.
//
// It is the source of truth for Units, Runs, RunSteps and Connections —
// everything that must survive restarts or be queried historically. The
// ephemeral tier (event bodies, dedupe markers, the waiting-index) lives
// in internal/cache; SaveRun keeps the waiting-index in lockstep with the
// authoritative run status through the WaitingIndex hook.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WaitingIndex is the time-ordered index of suspended runs, maintained by
// SaveRun on every transition into or out of waiting.
type WaitingIndex interface {
	Add(ctx context.Context, runID uuid.UUID, resumeAt time.Time) error
	Remove(ctx context.Context, runID uuid.UUID) error
}

// DB wraps a pgxpool.Pool and the waiting-index hook.
type DB struct {
	pool    *pgxpool.Pool
	waiting WaitingIndex
	logger  *slog.Logger
}

// New creates a DB with a connection pool. waiting may be nil in tests
// that never move runs through the waiting state.
func New(ctx context.Context, dsn string, waiting WaitingIndex, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, waiting: waiting, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
