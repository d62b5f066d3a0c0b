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

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Name, string(user.Role), user.APIKeyHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	u.Role = model.UserRole(role)
	return u, nil
}

// ListUsers returns all users ordered by creation time.
func (db *DB) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, role, api_key_hash, created_at, updated_at
		 FROM users ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var (
			u    model.User
			role string
		)
		if err := rows.Scan(&u.ID, &u.Name, &role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		u.Role = model.UserRole(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

// EnsureAdminUser creates the bootstrap admin on first start. Idempotent:
// if any admin already exists, nothing is written and the existing admin
// is returned.
func (db *DB) EnsureAdminUser(ctx context.Context, apiKeyHash string) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, created_at, updated_at
		 FROM users WHERE role = 'admin' ORDER BY created_at ASC LIMIT 1`,
	).Scan(&u.ID, &u.Name, &role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err == nil {
		u.Role = model.UserRole(role)
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("storage: find admin: %w", err)
	}

	admin := model.User{
		Name:       "admin",
		Role:       model.RoleAdmin,
		APIKeyHash: apiKeyHash,
	}
	if err := db.CreateUser(ctx, &admin); err != nil {
		return model.User{}, err
	}
	db.logger.Info("bootstrap admin user created", "user_id", admin.ID)
	return admin, nil
}
