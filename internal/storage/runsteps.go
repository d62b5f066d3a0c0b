package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
)

// LogRunStep records the outcome of a single pipeline step. The upsert keys
// on (run_id, step_index) so a step replayed after a crash or a retried wait
// overwrites its earlier row instead of duplicating it.
func (db *DB) LogRunStep(ctx context.Context, step *model.RunStep) error {
	actionJSON, err := json.Marshal(step.Action)
	if err != nil {
		return fmt.Errorf("storage: marshal step action: %w", err)
	}
	resultJSON, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("storage: marshal step result: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step_index, action, outcome, result, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, step_index) DO UPDATE SET
		   action = EXCLUDED.action,
		   outcome = EXCLUDED.outcome,
		   result = EXCLUDED.result,
		   error = EXCLUDED.error,
		   started_at = EXCLUDED.started_at,
		   finished_at = EXCLUDED.finished_at`,
		step.RunID, step.StepIndex, actionJSON, string(step.Outcome),
		resultJSON, step.Error, step.StartedAt, step.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: log run step: %w", err)
	}
	return nil
}

// ListRunSteps returns a run's step records in pipeline order.
func (db *DB) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.RunStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, step_index, action, outcome, result, error, started_at, finished_at
		 FROM run_steps WHERE run_id = $1
		 ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run steps: %w", err)
	}
	defer rows.Close()

	var steps []model.RunStep
	for rows.Next() {
		var (
			s          model.RunStep
			outcome    string
			actionJSON []byte
			resultJSON []byte
		)
		if err := rows.Scan(&s.RunID, &s.StepIndex, &actionJSON, &outcome,
			&resultJSON, &s.Error, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run step: %w", err)
		}
		s.Outcome = model.StepOutcome(outcome)
		if err := json.Unmarshal(actionJSON, &s.Action); err != nil {
			return nil, fmt.Errorf("storage: unmarshal step action: %w", err)
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &s.Result); err != nil {
				return nil, fmt.Errorf("storage: unmarshal step result: %w", err)
			}
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
