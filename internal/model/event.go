// Package model defines the core domain types for Reflex.
//
// Types correspond directly to persisted records (Postgres rows, Redis
// values) and API payloads. Trigger, Condition and Action are closed
// tagged unions: a Kind discriminator plus one pointer field per variant,
// validated before anything reaches the durable store.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is a normalized fact ingested from an external source.
// Created once by the event shaper, never mutated, and expires from the
// ephemeral store after the retention window. A denormalized copy of the
// payload is kept on every Run it triggers, so Runs outlive their Event.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Source     string         `json:"source"`
	Kind       string         `json:"kind"`
	OccurredAt time.Time      `json:"occurred_at"`
	UserID     uuid.UUID      `json:"user_id"`
	Payload    map[string]any `json:"payload"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TimerSource is the synthetic source used for events fired by the
// schedule dispatcher on behalf of schedule triggers.
const (
	TimerSource    = "timer"
	TimerEventKind = "scheduled"
)

// Connection maps a provider connection identity to the owning user.
// Durable; consulted (through a short-TTL cache) during webhook ingestion.
type Connection struct {
	ID        string    `json:"id"` // provider connection identifier
	Provider  string    `json:"provider"`
	UserID    uuid.UUID `json:"user_id"`
	Secret    string    `json:"-"` // shared secret for webhook signature verification
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
