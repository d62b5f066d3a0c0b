package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a single execution instance.
//
//	pending --execute--> running
//	running --all actions done--> success
//	running --wait action--> waiting (resume_at set, step = next action)
//	running --action error--> failed
//	waiting --scheduler past resume_at--> running
//
// success and failed are terminal; nothing transitions out of them.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusWaiting RunStatus = "waiting"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Run is one execution instance of a Unit, created by the matcher and
// mutated only by the executor. Persisted after every single action: a
// crash between two actions replays at most the one in flight.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	UnitID         uuid.UUID      `json:"unit_id"`
	EventID        uuid.UUID      `json:"event_id"`
	UserID         uuid.UUID      `json:"user_id"`
	Status         RunStatus      `json:"status"`
	Step           int            `json:"step"` // index of the next action; monotone non-decreasing
	Context        map[string]any `json:"context"`
	TriggerPayload map[string]any `json:"trigger_payload"` // denormalized copy, survives event retention
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ResumeAt       *time.Time     `json:"resume_at,omitempty"`
	Error          *string        `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the run reached a final state.
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusSuccess || r.Status == RunStatusFailed
}

// StepOutcome is the recorded result of one action attempt.
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeFailed  StepOutcome = "failed"
	StepOutcomeWaiting StepOutcome = "waiting"
)

// RunStep is the immutable-once-written audit record for one attempted
// action. Identity is (RunID, StepIndex); re-logging the same step upserts
// so an idempotent retry of a crash-interrupted step never creates a
// second logical step.
type RunStep struct {
	RunID      uuid.UUID   `json:"run_id"`
	StepIndex  int         `json:"step_index"`
	Action     Action      `json:"action"` // snapshot of the action as executed
	Outcome    StepOutcome `json:"outcome"`
	Result     any         `json:"result,omitempty"`
	Error      *string     `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}
