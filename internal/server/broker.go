package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/intentive/reflex/internal/model"
)

// RunUpdateStream is the subscription surface the broker consumes,
// satisfied by *cache.Store.
type RunUpdateStream interface {
	SubscribeRunUpdates(ctx context.Context) *redis.PubSub
}

type subscriber struct {
	userID uuid.UUID
	all    bool // admin subscribers see every user's runs
}

// Broker fans out run status updates from the Redis pub/sub channel to SSE
// subscribers. It runs a background goroutine that reads the subscription
// and sends each update to every subscriber allowed to see it.
type Broker struct {
	stream RunUpdateStream
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[chan []byte]subscriber
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(stream RunUpdateStream, logger *slog.Logger) *Broker {
	return &Broker{
		stream: stream,
		logger: logger,
		subs:   make(map[chan []byte]subscriber),
	}
}

// Start consumes run updates until ctx is cancelled. It blocks, so call it
// in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	sub := b.stream.SubscribeRunUpdates(ctx)
	defer sub.Close()

	b.logger.Info("broker: listening for run updates")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			b.dispatch([]byte(msg.Payload))
		}
	}
}

// dispatch routes one run update payload to the subscribers allowed to see
// it. Payloads that don't parse as a Run are dropped.
func (b *Broker) dispatch(payload []byte) {
	var run model.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		b.logger.Warn("broker: undecodable run update", "error", err)
		return
	}

	event := formatSSE("run", payload)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, s := range b.subs {
		if !s.all && s.userID != run.UserID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them so one slow
			// client never blocks the rest.
		}
	}
}

// Subscribe returns a channel receiving SSE-formatted run updates for the
// given user. When all is true the channel receives every user's updates.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(userID uuid.UUID, all bool) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[ch] = subscriber{userID: userID, all: all}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
