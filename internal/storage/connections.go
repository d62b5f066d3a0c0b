package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/intentive/reflex/internal/model"
)

// UpsertConnection registers or refreshes a provider connection. The signing
// secret is replaced on conflict so rotated secrets take effect immediately.
func (db *DB) UpsertConnection(ctx context.Context, conn *model.Connection) error {
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO connections (id, provider, user_id, secret, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   provider = EXCLUDED.provider,
		   user_id = EXCLUDED.user_id,
		   secret = EXCLUDED.secret,
		   updated_at = EXCLUDED.updated_at`,
		conn.ID, conn.Provider, conn.UserID, conn.Secret, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a connection by id.
func (db *DB) GetConnection(ctx context.Context, id string) (model.Connection, error) {
	var c model.Connection
	err := db.pool.QueryRow(ctx,
		`SELECT id, provider, user_id, secret, created_at, updated_at
		 FROM connections WHERE id = $1`, id,
	).Scan(&c.ID, &c.Provider, &c.UserID, &c.Secret, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Connection{}, ErrNotFound
		}
		return model.Connection{}, fmt.Errorf("storage: get connection: %w", err)
	}
	return c, nil
}

// ListConnectionsByUser returns a user's provider connections.
func (db *DB) ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]model.Connection, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, provider, user_id, secret, created_at, updated_at
		 FROM connections WHERE user_id = $1
		 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list connections: %w", err)
	}
	defer rows.Close()

	var conns []model.Connection
	for rows.Next() {
		var c model.Connection
		if err := rows.Scan(&c.ID, &c.Provider, &c.UserID, &c.Secret, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}
