// Package ingest normalizes provider webhook deliveries into events.
//
// The shaper applies two independent idempotency guards: a short-window
// delivery claim keyed on the delivery's own identity, and the long-window
// dedupe key checked by the event store on write. A redelivered webhook is
// dropped at the first guard; a logically duplicate record arriving through
// a different channel is dropped at the second.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/cache"
	"github.com/intentive/reflex/internal/collab"
	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/storage"
)

// ErrBadSignature is returned when a delivery's signature does not match
// the connection's shared secret.
var ErrBadSignature = errors.New("ingest: webhook signature mismatch")

// ConnectionStore is the durable lookup the shaper needs.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (model.Connection, error)
}

// EventSink is the ephemeral tier as seen by the shaper.
type EventSink interface {
	ClaimDelivery(ctx context.Context, provider, activityID string) (bool, error)
	WriteEvent(ctx context.Context, evt *model.Event) (bool, error)
	PublishEvent(ctx context.Context, evt *model.Event) error
	CacheOwner(ctx context.Context, connectionID string, userID uuid.UUID) error
	GetOwner(ctx context.Context, connectionID string) (uuid.UUID, error)
}

// Shaper turns provider deliveries into normalized events.
type Shaper struct {
	conns    ConnectionStore
	sink     EventSink
	resolver collab.OwnerResolver
	logger   *slog.Logger
}

// NewShaper wires the shaper's collaborators.
func NewShaper(conns ConnectionStore, sink EventSink, resolver collab.OwnerResolver, logger *slog.Logger) *Shaper {
	return &Shaper{conns: conns, sink: sink, resolver: resolver, logger: logger}
}

// HandleDelivery verifies, deduplicates and shapes one webhook delivery.
//
// Per-record shaping failures are collected in the result and never abort
// the batch; only authentication failures and infrastructure errors are
// returned as errors.
func (s *Shaper) HandleDelivery(ctx context.Context, d *model.Delivery, rawBody []byte) (model.DeliveryResult, error) {
	var res model.DeliveryResult

	userID, err := s.authenticate(ctx, d, rawBody)
	if err != nil {
		return res, err
	}

	// Short-window guard: the delivery's own identity. A redelivery of the
	// exact same activity is dropped before any shaping happens.
	claimed, err := s.sink.ClaimDelivery(ctx, d.Provider, deliveryKey(d))
	if err != nil {
		return res, fmt.Errorf("ingest: claim delivery: %w", err)
	}
	if !claimed {
		s.logger.Debug("duplicate delivery dropped",
			"provider", d.Provider, "activity_id", d.ActivityID)
		res.Duplicate = true
		return res, nil
	}

	for i, rec := range d.Records {
		events, err := shapeRecord(d, i, rec, userID)
		if err != nil {
			res.Failures = append(res.Failures, model.ShapeFailure{
				RecordIndex: i,
				Reason:      err.Error(),
			})
			continue
		}
		for _, evt := range events {
			written, err := s.sink.WriteEvent(ctx, evt)
			if err != nil {
				res.Failures = append(res.Failures, model.ShapeFailure{
					RecordIndex: i,
					Reason:      fmt.Sprintf("write %s: %v", evt.Kind, err),
				})
				continue
			}
			if !written {
				// Long-window dedupe hit. Not a failure.
				continue
			}
			if err := s.sink.PublishEvent(ctx, evt); err != nil {
				s.logger.Warn("publish event failed",
					"event_id", evt.ID, "kind", evt.Kind, "error", err)
			}
			res.Produced++
		}
	}

	return res, nil
}

// authenticate verifies the delivery signature against the connection's
// secret and resolves the owning user, consulting the short-TTL owner
// cache first and the external resolver only when the connection is not
// locally known.
func (s *Shaper) authenticate(ctx context.Context, d *model.Delivery, rawBody []byte) (uuid.UUID, error) {
	conn, err := s.conns.GetConnection(ctx, d.ConnectionID)
	switch {
	case err == nil:
		if conn.Secret != "" && !verifySignature(conn.Secret, rawBody, d.Signature) {
			return uuid.Nil, ErrBadSignature
		}
		return conn.UserID, nil
	case errors.Is(err, storage.ErrNotFound):
		// Unknown locally; ask the identity service, then cache the answer.
		if cached, cerr := s.sink.GetOwner(ctx, d.ConnectionID); cerr == nil {
			return cached, nil
		} else if !errors.Is(cerr, cache.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("ingest: owner cache: %w", cerr)
		}
		owner, rerr := s.resolver.ResolveOwner(ctx, d.ConnectionID)
		if rerr != nil {
			return uuid.Nil, fmt.Errorf("ingest: resolve owner: %w", rerr)
		}
		if cerr := s.sink.CacheOwner(ctx, d.ConnectionID, owner); cerr != nil {
			s.logger.Warn("cache owner failed", "connection_id", d.ConnectionID, "error", cerr)
		}
		return owner, nil
	default:
		return uuid.Nil, fmt.Errorf("ingest: get connection: %w", err)
	}
}

// deliveryKey identifies one delivery for the short idempotency window.
func deliveryKey(d *model.Delivery) string {
	return d.ConnectionID + ":" + d.ResourceID + ":" + d.ActivityID
}

// verifySignature checks an HMAC-SHA256 hex signature over the raw body.
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// shapeRecord turns one upstream record into one or more events. A record
// carrying a before-image fans out into one event per changed field, so a
// stage change and an amount change arriving in the same update become two
// independently matchable facts.
func shapeRecord(d *model.Delivery, index int, rec model.RawRecord, userID uuid.UUID) ([]*model.Event, error) {
	if rec.Kind == "" {
		return nil, errors.New("record has no kind")
	}
	now := time.Now().UTC()

	base := func(kind string, payload map[string]any) *model.Event {
		return &model.Event{
			ID:         uuid.New(),
			Source:     d.Provider,
			Kind:       kind,
			OccurredAt: now,
			UserID:     userID,
			Payload:    payload,
			DedupeKey:  fmt.Sprintf("%s:%d:%s", deliveryKey(d), index, kind),
			CreatedAt:  now,
		}
	}

	if len(rec.Before) == 0 {
		return []*model.Event{base(rec.Kind, rec.Fields)}, nil
	}

	changed := changedFields(rec.Before, rec.Fields)
	if len(changed) == 0 {
		// A no-op update still announces itself once.
		return []*model.Event{base(rec.Kind, rec.Fields)}, nil
	}

	events := make([]*model.Event, 0, len(changed))
	for _, field := range changed {
		payload := make(map[string]any, len(rec.Fields)+2)
		for k, v := range rec.Fields {
			payload[k] = v
		}
		payload["changed_field"] = field
		payload["previous_value"] = rec.Before[field]
		events = append(events, base(rec.Kind+"."+field+"_changed", payload))
	}
	return events, nil
}

// changedFields returns the keys whose value differs between before and
// after, in stable order.
func changedFields(before, after map[string]any) []string {
	var changed []string
	for k, v := range after {
		if prev, ok := before[k]; !ok || fmt.Sprint(prev) != fmt.Sprint(v) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
