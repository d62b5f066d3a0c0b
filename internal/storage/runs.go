package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/intentive/reflex/internal/model"
)

// SaveRun is an idempotent upsert by run id. Two invariants are enforced
// here and nowhere else:
//
//   - terminal immutability: once a stored run is success or failed, no
//     later SaveRun changes it (the guarded UPDATE matches zero rows);
//   - waiting-index consistency: the Redis waiting-index is updated on
//     every transition into or out of waiting, after the durable write
//     commits. If the index write fails the error surfaces so the caller
//     can retry the whole (idempotent) save.
func (db *DB) SaveRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()

	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal run context: %w", err)
	}
	payloadJSON, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("storage: marshal trigger payload: %w", err)
	}

	var saveErr error
	err = withRetry(ctx, 3, 50*time.Millisecond, func() error {
		tag, execErr := db.pool.Exec(ctx,
			`INSERT INTO runs (id, unit_id, event_id, user_id, status, step, context, trigger_payload,
			                   started_at, completed_at, resume_at, error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			   status = EXCLUDED.status,
			   step = EXCLUDED.step,
			   context = EXCLUDED.context,
			   completed_at = EXCLUDED.completed_at,
			   resume_at = EXCLUDED.resume_at,
			   error = EXCLUDED.error,
			   updated_at = EXCLUDED.updated_at
			 WHERE runs.status NOT IN ('success', 'failed')`,
			run.ID, run.UnitID, run.EventID, run.UserID, string(run.Status), run.Step,
			contextJSON, payloadJSON, run.StartedAt, run.CompletedAt, run.ResumeAt,
			run.Error, run.CreatedAt, run.UpdatedAt,
		)
		if execErr != nil {
			return execErr
		}
		if tag.RowsAffected() == 0 {
			saveErr = ErrTerminal
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	if saveErr != nil {
		// The stored run is terminal. Make sure it is not lingering in the
		// waiting-index, then report the rejected write.
		if db.waiting != nil {
			if rmErr := db.waiting.Remove(ctx, run.ID); rmErr != nil {
				db.logger.Warn("storage: remove terminal run from waiting-index", "run_id", run.ID, "error", rmErr)
			}
		}
		return saveErr
	}

	if db.waiting != nil {
		if run.Status == model.RunStatusWaiting && run.ResumeAt != nil {
			if err := db.waiting.Add(ctx, run.ID, *run.ResumeAt); err != nil {
				return fmt.Errorf("storage: add run to waiting-index: %w", err)
			}
		} else {
			if err := db.waiting.Remove(ctx, run.ID); err != nil {
				return fmt.Errorf("storage: remove run from waiting-index: %w", err)
			}
		}
	}
	return nil
}

// GetDueWaitingRuns is the durable fallback behind the Redis waiting-index:
// a bounded, resume_at-indexed range query the scheduler uses to repair
// index entries lost to Redis restarts.
func (db *DB) GetDueWaitingRuns(ctx context.Context, before time.Time, limit int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, unit_id, event_id, user_id, status, step, context, trigger_payload,
		        started_at, completed_at, resume_at, error, created_at, updated_at
		 FROM runs
		 WHERE status = 'waiting' AND resume_at <= $1
		 ORDER BY resume_at ASC
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: due waiting runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, unit_id, event_id, user_id, status, step, context, trigger_payload,
		        started_at, completed_at, resume_at, error, created_at, updated_at
		 FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRunsByUser returns a user's runs, newest first.
func (db *DB) ListRunsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	return db.listRuns(ctx, `user_id`, userID, limit, offset)
}

// ListRunsByUnit returns a unit's runs, newest first.
func (db *DB) ListRunsByUnit(ctx context.Context, unitID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	return db.listRuns(ctx, `unit_id`, unitID, limit, offset)
}

func (db *DB) listRuns(ctx context.Context, column string, key uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE `+column+` = $1`, key,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, unit_id, event_id, user_id, status, step, context, trigger_payload,
		        started_at, completed_at, resume_at, error, created_at, updated_at
		 FROM runs WHERE `+column+` = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		key, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r           model.Run
		status      string
		contextJSON []byte
		payloadJSON []byte
	)
	err := row.Scan(&r.ID, &r.UnitID, &r.EventID, &r.UserID, &status, &r.Step,
		&contextJSON, &payloadJSON, &r.StartedAt, &r.CompletedAt, &r.ResumeAt,
		&r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(contextJSON, &r.Context); err != nil {
		return model.Run{}, fmt.Errorf("unmarshal run context: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &r.TriggerPayload); err != nil {
		return model.Run{}, fmt.Errorf("unmarshal trigger payload: %w", err)
	}
	return r, nil
}
