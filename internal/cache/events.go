package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/intentive/reflex/internal/model"
)

// ErrNotFound is returned when a requested key does not exist or has expired.
var ErrNotFound = errors.New("cache: not found")

// WriteEvent stores an event with the retention TTL and, when the event
// carries a dedupe key, first claims that key atomically. It returns false
// without writing if another event already holds the key: long-window
// dedupe is insert-if-absent, never read-then-write.
func (s *Store) WriteEvent(ctx context.Context, evt *model.Event) (bool, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return false, fmt.Errorf("cache: marshal event: %w", err)
	}

	if evt.DedupeKey != "" {
		key := KeyEventDedupe + evt.Source + ":" + evt.DedupeKey
		claimed, err := s.client.SetNX(ctx, key, evt.ID.String(), TTLDedupe).Result()
		if err != nil {
			return false, fmt.Errorf("cache: claim dedupe key: %w", err)
		}
		if !claimed {
			return false, nil
		}
	}

	if err := s.client.Set(ctx, KeyEvent+evt.ID.String(), body, TTLEvent).Err(); err != nil {
		return false, fmt.Errorf("cache: write event: %w", err)
	}
	return true, nil
}

// GetEvent retrieves an event by id. Returns ErrNotFound after expiry.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error) {
	body, err := s.client.Get(ctx, KeyEvent+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("cache: get event: %w", err)
	}
	var evt model.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return model.Event{}, fmt.Errorf("cache: unmarshal event: %w", err)
	}
	return evt, nil
}

// PublishEvent announces a newly shaped event on the events channel.
// Matching is driven by this channel; a lost message only delays the
// unit until the next event, so publish errors are reported but the
// event itself is already durable in the sense that WriteEvent ran.
func (s *Store) PublishEvent(ctx context.Context, evt *model.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("cache: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, ChannelEvents, body).Err(); err != nil {
		return fmt.Errorf("cache: publish event: %w", err)
	}
	return nil
}

// SubscribeEvents subscribes to the events channel. The caller owns the
// returned PubSub and must Close it.
func (s *Store) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, ChannelEvents)
}

// PublishRunUpdate announces a run state change for live subscribers.
func (s *Store) PublishRunUpdate(ctx context.Context, run *model.Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("cache: marshal run update: %w", err)
	}
	if err := s.client.Publish(ctx, ChannelRunUpdate, body).Err(); err != nil {
		return fmt.Errorf("cache: publish run update: %w", err)
	}
	return nil
}

// SubscribeRunUpdates subscribes to run state changes.
func (s *Store) SubscribeRunUpdates(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, ChannelRunUpdate)
}
