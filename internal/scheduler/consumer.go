package scheduler

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/intentive/reflex/internal/model"
)

// EventStream is the fan-out channel of newly shaped events.
type EventStream interface {
	SubscribeEvents(ctx context.Context) *redis.PubSub
}

// consumeLoop subscribes to the event channel and drives each event
// through matching and execution. A dropped message only delays its units
// until their next event; the channel is a latency optimization, not the
// durability boundary.
func (s *Scheduler) consumeLoop(ctx context.Context) {
	sub := s.events.SubscribeEvents(ctx)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				s.logger.Warn("scheduler: malformed event on channel", "error", err)
				continue
			}
			s.handleEvent(ctx, &evt)
		}
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, evt *model.Event) {
	runs, err := s.matcher.Match(ctx, evt)
	if err != nil {
		s.logger.Error("scheduler: match event", "event_id", evt.ID, "error", err)
		return
	}
	for i := range runs {
		if err := s.exec.Execute(ctx, &runs[i]); err != nil {
			s.logger.Error("scheduler: execute run", "run_id", runs[i].ID, "error", err)
		}
	}
}
