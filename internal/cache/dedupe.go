package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClaimDelivery marks a webhook delivery as seen for the short idempotency
// window. Returns false if the same (provider, activity) pair was already
// claimed, in which case the whole delivery is dropped.
func (s *Store) ClaimDelivery(ctx context.Context, provider, activityID string) (bool, error) {
	key := KeyDelivery + provider + ":" + activityID
	claimed, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), TTLDelivery).Result()
	if err != nil {
		return false, fmt.Errorf("cache: claim delivery: %w", err)
	}
	return claimed, nil
}

// CacheOwner stores a connection-to-user resolution for TTLOwner.
func (s *Store) CacheOwner(ctx context.Context, connectionID string, userID uuid.UUID) error {
	if err := s.client.Set(ctx, KeyOwner+connectionID, userID.String(), TTLOwner).Err(); err != nil {
		return fmt.Errorf("cache: cache owner: %w", err)
	}
	return nil
}

// GetOwner returns the cached owner of a connection, or ErrNotFound when the
// entry is absent or expired and the resolver must be consulted.
func (s *Store) GetOwner(ctx context.Context, connectionID string) (uuid.UUID, error) {
	raw, err := s.client.Get(ctx, KeyOwner+connectionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("cache: get owner: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("cache: parse cached owner: %w", err)
	}
	return id, nil
}
