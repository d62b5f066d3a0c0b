// Package runtime executes a run's action pipeline as a resumable state
// machine.
//
// The executor persists the full run after every single action. That is
// the crash-recovery contract: a process dying between two actions replays
// at most the one in flight, and resumption always continues at exactly
// the persisted step. Suspension is persisted state only; no goroutine
// ever sleeps for a wait duration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/collab"
	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/storage"
	"github.com/intentive/reflex/internal/tmpl"
)

// UnitStore loads the owning unit for a run.
type UnitStore interface {
	GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error)
}

// RunStore persists run state and the step audit trail.
type RunStore interface {
	SaveRun(ctx context.Context, run *model.Run) error
	LogRunStep(ctx context.Context, step *model.RunStep) error
}

// Publisher announces run state changes to live subscribers. Optional.
type Publisher interface {
	PublishRunUpdate(ctx context.Context, run *model.Run) error
}

// Executor drives runs through the pipeline state machine.
type Executor struct {
	units      UnitStore
	runs       RunStore
	tools      collab.ToolRunner
	texts      collab.TextGenerator
	classifier collab.Classifier
	pub        Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// New wires an Executor. pub may be nil when no live subscribers exist.
func New(units UnitStore, runs RunStore, tools collab.ToolRunner, texts collab.TextGenerator,
	classifier collab.Classifier, pub Publisher, logger *slog.Logger) *Executor {
	return &Executor{
		units:      units,
		runs:       runs,
		tools:      tools,
		texts:      texts,
		classifier: classifier,
		pub:        pub,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the executor's time source. Used by tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs the pipeline from the run's persisted step. Safe to call
// at-least-once: terminal runs and waiting runs that are not yet due are
// no-ops, because the resumption scheduler may deliver duplicates or
// wake a run early.
func (e *Executor) Execute(ctx context.Context, run *model.Run) error {
	if run.IsTerminal() {
		return nil
	}
	if run.Status == model.RunStatusWaiting && run.ResumeAt != nil && e.now().Before(*run.ResumeAt) {
		return nil
	}

	unit, err := e.units.GetUnit(ctx, run.UnitID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.fail(ctx, run, ErrUnitNotFound)
	}
	if err != nil {
		// Transient lookup failure: leave the run untouched so a later
		// invocation can retry.
		return fmt.Errorf("runtime: load unit: %w", err)
	}

	if run.Step < 0 || run.Step > len(unit.Actions) {
		return e.fail(ctx, run, fmt.Errorf("%w: step %d of %d actions", ErrStepOutOfRange, run.Step, len(unit.Actions)))
	}

	run.Status = model.RunStatusRunning
	run.ResumeAt = nil
	if run.StartedAt.IsZero() {
		run.StartedAt = e.now()
	}
	if run.Context == nil {
		run.Context = map[string]any{"payload": run.TriggerPayload}
	}
	if err := e.save(ctx, run); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return nil
		}
		return err
	}

	for run.Step < len(unit.Actions) {
		idx := run.Step
		action := unit.Actions[idx]
		started := e.now()

		result, resumeAt, actErr := e.dispatch(ctx, run, action)

		e.audit(ctx, run, idx, action, result, resumeAt, actErr, started)

		if actErr != nil {
			e.logger.Warn("action failed",
				"run_id", run.ID, "step", idx, "kind", action.Kind, "error", actErr)
			return e.fail(ctx, run, actErr)
		}

		if resumeAt != nil {
			// Wait reached: persist and return. Step already points past
			// the wait so resumption continues at the next action.
			run.Step = idx + 1
			run.Status = model.RunStatusWaiting
			run.ResumeAt = resumeAt
			if err := e.save(ctx, run); err != nil {
				if errors.Is(err, storage.ErrTerminal) {
					return nil
				}
				return err
			}
			e.publish(ctx, run)
			return nil
		}

		if action.StoreAs != "" && result != nil {
			run.Context[action.StoreAs] = result
		}
		run.Step = idx + 1
		if err := e.save(ctx, run); err != nil {
			if errors.Is(err, storage.ErrTerminal) {
				return nil
			}
			return err
		}
	}

	done := e.now()
	run.Status = model.RunStatusSuccess
	run.CompletedAt = &done
	if err := e.save(ctx, run); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return nil
		}
		return err
	}
	e.publish(ctx, run)
	return nil
}

// Rerun builds a brand-new pending run for the same unit from the original
// run's preserved trigger payload. The original is never touched.
func (e *Executor) Rerun(ctx context.Context, original *model.Run) (model.Run, error) {
	now := e.now()
	run := model.Run{
		ID:             uuid.New(),
		UnitID:         original.UnitID,
		EventID:        original.EventID,
		UserID:         original.UserID,
		Status:         model.RunStatusPending,
		Step:           0,
		Context:        map[string]any{"payload": original.TriggerPayload},
		TriggerPayload: original.TriggerPayload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.runs.SaveRun(ctx, &run); err != nil {
		return model.Run{}, fmt.Errorf("runtime: save rerun: %w", err)
	}
	return run, nil
}

// dispatch executes one action. It returns the storable result, a non-nil
// resume time when the action suspends the run, or the error that fails it.
func (e *Executor) dispatch(ctx context.Context, run *model.Run, action model.Action) (any, *time.Time, error) {
	switch action.Kind {
	case model.ActionKindTool:
		args, err := tmpl.ResolveArgs(action.Tool.Args, run.Context)
		if err != nil {
			return nil, nil, err
		}
		result, err := e.tools.ExecuteTool(ctx, action.Tool.Name, args, run.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: tool %s: %w", action.Tool.Name, err)
		}
		return result, nil, nil

	case model.ActionKindLLM:
		input, err := tmpl.ResolveString(action.LLM.Input, run.Context)
		if err != nil {
			return nil, nil, err
		}
		text, err := e.texts.Generate(ctx, action.LLM.PromptKey, input)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: generate %s: %w", action.LLM.PromptKey, err)
		}
		return text, nil, nil

	case model.ActionKindWait:
		d, err := model.ParseWaitDuration(action.Wait.Duration)
		if err != nil {
			// Validation rejects this at creation; reaching here means the
			// stored unit bypassed it.
			return nil, nil, err
		}
		resumeAt := e.now().Add(d)
		return map[string]any{"resume_at": resumeAt.Format(time.RFC3339)}, &resumeAt, nil

	case model.ActionKindNotify:
		message, err := tmpl.ResolveString(action.Notify.Message, run.Context)
		if err != nil {
			return nil, nil, err
		}
		result, err := e.tools.ExecuteTool(ctx, "notify", map[string]any{
			"channel": action.Notify.Channel,
			"message": message,
		}, run.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: notify %s: %w", action.Notify.Channel, err)
		}
		return result, nil, nil

	case model.ActionKindCheck:
		input, err := tmpl.ResolveString(action.Check.Input, run.Context)
		if err != nil {
			return nil, nil, err
		}
		prompt := action.Check.PromptKey
		if prompt == "" {
			prompt = action.Check.CustomPrompt
		}
		label, err := e.classifier.Classify(ctx, prompt, input)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: classify: %w", err)
		}
		if len(action.Check.Expected) > 0 && !slices.Contains(action.Check.Expected, label) {
			return label, nil, fmt.Errorf("%w: got %q, expected one of %v", ErrCheckFailed, label, action.Check.Expected)
		}
		return label, nil, nil

	case model.ActionKindFetch:
		args, err := tmpl.ResolveArgs(action.Fetch.Args, run.Context)
		if err != nil {
			return nil, nil, err
		}
		if args == nil {
			args = map[string]any{}
		}
		args["resource"] = action.Fetch.Resource
		result, err := e.tools.ExecuteTool(ctx, "fetch", args, run.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: fetch %s: %w", action.Fetch.Resource, err)
		}
		return result, nil, nil

	case model.ActionKindLookup:
		query, err := tmpl.ResolveArgs(action.Lookup.Query, run.Context)
		if err != nil {
			return nil, nil, err
		}
		result, err := e.tools.ExecuteTool(ctx, "lookup", map[string]any{
			"source": action.Lookup.Source,
			"query":  query,
		}, run.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: lookup %s: %w", action.Lookup.Source, err)
		}
		return result, nil, nil

	case model.ActionKindLog:
		message, err := tmpl.ResolveString(action.Log.Message, run.Context)
		if err != nil {
			return nil, nil, err
		}
		e.logger.Info("run log action", "run_id", run.ID, "message", message)
		return message, nil, nil

	default:
		return nil, nil, fmt.Errorf("runtime: unknown action kind %q", action.Kind)
	}
}

// audit upserts the (run id, step index) audit record. Best effort: losing
// an audit row must not change the run's outcome.
func (e *Executor) audit(ctx context.Context, run *model.Run, idx int, action model.Action,
	result any, resumeAt *time.Time, actErr error, started time.Time) {
	step := model.RunStep{
		RunID:      run.ID,
		StepIndex:  idx,
		Action:     action,
		Outcome:    model.StepOutcomeSuccess,
		Result:     result,
		StartedAt:  started,
		FinishedAt: e.now(),
	}
	if resumeAt != nil {
		step.Outcome = model.StepOutcomeWaiting
	}
	if actErr != nil {
		step.Outcome = model.StepOutcomeFailed
		msg := actErr.Error()
		step.Error = &msg
	}
	if err := e.runs.LogRunStep(ctx, &step); err != nil {
		e.logger.Warn("log run step failed", "run_id", run.ID, "step", idx, "error", err)
	}
}

// fail drives the run to its terminal failed state.
func (e *Executor) fail(ctx context.Context, run *model.Run, cause error) error {
	now := e.now()
	msg := cause.Error()
	run.Status = model.RunStatusFailed
	run.Error = &msg
	run.CompletedAt = &now
	run.ResumeAt = nil
	if err := e.save(ctx, run); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return nil
		}
		return err
	}
	e.publish(ctx, run)
	return nil
}

// save persists the run. A storage.ErrTerminal means a concurrent
// invocation already completed this run; it propagates unwrapped so the
// execution loop can stop quietly instead of reporting a failure.
func (e *Executor) save(ctx context.Context, run *model.Run) error {
	err := e.runs.SaveRun(ctx, run)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrTerminal) {
		e.logger.Debug("run already terminal in store, stopping", "run_id", run.ID)
		return storage.ErrTerminal
	}
	return fmt.Errorf("runtime: save run: %w", err)
}

func (e *Executor) publish(ctx context.Context, run *model.Run) {
	if e.pub == nil {
		return
	}
	if err := e.pub.PublishRunUpdate(ctx, run); err != nil {
		e.logger.Warn("publish run update failed", "run_id", run.ID, "error", err)
	}
}
