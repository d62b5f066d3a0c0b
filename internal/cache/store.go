// Package cache implements the ephemeral tier on Redis.
//
// Three concerns live here, each with a bounded lifetime:
//
//   - event bodies and their long-window dedupe keys (TTLEvent);
//   - short-window delivery idempotency markers (TTLDelivery);
//   - the waiting-index, a sorted set of run ids scored by resume time,
//     polled by the resumption scheduler.
//
// Everything in this package is reconstructible or expirable. Durable
// state lives in internal/storage.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes and channel names. Keys embed their identifying suffix,
// e.g. reflex:event:dedupe:<source>:<key>.
const (
	KeyEvent         = "reflex:event:"
	KeyEventDedupe   = "reflex:event:dedupe:"
	KeyDelivery      = "reflex:delivery:"
	KeyOwner         = "reflex:owner:"
	KeyWaitingRuns   = "reflex:runs:waiting"
	ChannelEvents    = "reflex:events"
	ChannelRunUpdate = "reflex:runs:updates"
)

// Default lifetimes for ephemeral records.
const (
	TTLEvent    = 30 * 24 * time.Hour
	TTLDedupe   = 30 * 24 * time.Hour
	TTLDelivery = 24 * time.Hour
	TTLOwner    = 5 * time.Minute
)

// Store wraps the Redis client used for the ephemeral tier.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	logger.Info("connected to redis", "addr", opts.Addr)
	return &Store{client: client, logger: logger}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
