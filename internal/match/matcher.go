// Package match decides which units fire for an incoming event and spawns
// their runs.
//
// Matching is fail-closed throughout: an expression error, a classifier
// outage or a malformed trigger counts as "does not match" for that unit
// alone and never aborts the batch.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/intentive/reflex/internal/collab"
	"github.com/intentive/reflex/internal/expr"
	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/tmpl"
)

// maxConcurrentCandidates bounds parallel candidate evaluation per event.
const maxConcurrentCandidates = 8

// UnitIndex is the equality-indexed unit lookup. Only active units are
// returned; that lookup is the sole enforcement point for pause/disable.
type UnitIndex interface {
	GetUnitsByTrigger(ctx context.Context, source, kind string) ([]model.Unit, error)
}

// RunCreator persists the runs a match produces.
type RunCreator interface {
	SaveRun(ctx context.Context, run *model.Run) error
	RecordUnitRun(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Matcher evaluates candidate units against events.
type Matcher struct {
	units      UnitIndex
	runs       RunCreator
	classifier collab.Classifier
	logger     *slog.Logger
}

// New wires a Matcher.
func New(units UnitIndex, runs RunCreator, classifier collab.Classifier, logger *slog.Logger) *Matcher {
	return &Matcher{units: units, runs: runs, classifier: classifier, logger: logger}
}

// Match finds all active units triggered by the event, evaluates their
// conditions and creates one pending run per full match. Candidates are
// independent and evaluated concurrently; the order of the returned runs
// is unspecified.
func (m *Matcher) Match(ctx context.Context, evt *model.Event) ([]model.Run, error) {
	candidates, err := m.units.GetUnitsByTrigger(ctx, evt.Source, evt.Kind)
	if err != nil {
		return nil, fmt.Errorf("match: lookup candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var (
		mu   sync.Mutex
		runs []model.Run
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCandidates)
	for _, unit := range candidates {
		g.Go(func() error {
			matched := m.MatchUnit(gctx, &unit, evt)
			if !matched {
				return nil
			}
			run, err := m.SpawnRun(gctx, &unit, evt)
			if err != nil {
				// Isolated: this unit loses its run, the others do not.
				m.logger.Error("spawn run failed",
					"unit_id", unit.ID, "event_id", evt.ID, "error", err)
				return nil
			}
			mu.Lock()
			runs = append(runs, run)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return runs, nil
}

// MatchUnit reports whether one unit's trigger and conditions hold for the
// event. Any evaluation error is logged and counts as no match.
func (m *Matcher) MatchUnit(ctx context.Context, unit *model.Unit, evt *model.Event) bool {
	if unit.Status != model.UnitStatusActive {
		return false
	}
	if !m.triggerMatches(unit.Trigger, evt, unit.ID) {
		return false
	}
	return m.conditionsHold(ctx, unit, evt)
}

// triggerMatches walks the trigger tree against the event. Compound
// triggers combine children with any/all over this single event.
func (m *Matcher) triggerMatches(t model.Trigger, evt *model.Event, unitID uuid.UUID) bool {
	switch t.Kind {
	case model.TriggerKindEvent:
		if t.Event == nil || t.Event.Source != evt.Source || t.Event.Kind != evt.Kind {
			return false
		}
		if t.Event.Filter == "" {
			return true
		}
		prog, err := expr.Compile(t.Event.Filter)
		if err != nil {
			m.logger.Warn("trigger filter does not compile", "unit_id", unitID, "error", err)
			return false
		}
		ok, err := prog.EvalBool(map[string]any{"payload": evt.Payload})
		if err != nil {
			m.logger.Warn("trigger filter evaluation failed", "unit_id", unitID, "error", err)
			return false
		}
		return ok
	case model.TriggerKindSchedule:
		// Schedule triggers fire through the dispatcher's synthetic timer
		// events, which target their unit directly.
		return t.Schedule != nil && evt.Source == model.TimerSource && evt.Kind == model.TimerEventKind
	case model.TriggerKindCompound:
		if t.Compound == nil || len(t.Compound.Triggers) == 0 {
			return false
		}
		for _, sub := range t.Compound.Triggers {
			hit := m.triggerMatches(sub, evt, unitID)
			if hit && t.Compound.Mode == model.CompoundAny {
				return true
			}
			if !hit && t.Compound.Mode == model.CompoundAll {
				return false
			}
		}
		return t.Compound.Mode == model.CompoundAll
	default:
		return false
	}
}

// conditionsHold evaluates the AND-combined condition list. Eval conditions
// run first regardless of declared position so a unit already known to fail
// never pays for a classifier call; within each class, declared order holds.
func (m *Matcher) conditionsHold(ctx context.Context, unit *model.Unit, evt *model.Event) bool {
	scope := map[string]any{"payload": evt.Payload}

	ordered := slices.Clone(unit.Conditions)
	slices.SortStableFunc(ordered, func(a, b model.Condition) int {
		return conditionCost(a) - conditionCost(b)
	})

	for _, c := range ordered {
		switch c.Kind {
		case model.ConditionKindEval:
			prog, err := expr.Compile(c.Eval.Expr)
			if err != nil {
				m.logger.Warn("condition does not compile", "unit_id", unit.ID, "error", err)
				return false
			}
			ok, err := prog.EvalBool(scope)
			if err != nil {
				m.logger.Warn("condition evaluation failed", "unit_id", unit.ID, "error", err)
				return false
			}
			if !ok {
				return false
			}
		case model.ConditionKindSemantic:
			input, err := tmpl.ResolveString(c.Semantic.Input, scope)
			if err != nil {
				m.logger.Warn("condition input template failed", "unit_id", unit.ID, "error", err)
				return false
			}
			prompt := c.Semantic.PromptKey
			if prompt == "" {
				prompt = c.Semantic.CustomPrompt
			}
			label, err := m.classifier.Classify(ctx, prompt, input)
			if err != nil {
				m.logger.Warn("classifier failed", "unit_id", unit.ID, "error", err)
				return false
			}
			if !slices.Contains(c.Semantic.Expected, label) {
				return false
			}
		default:
			m.logger.Warn("unknown condition kind", "unit_id", unit.ID, "kind", c.Kind)
			return false
		}
	}
	return true
}

func conditionCost(c model.Condition) int {
	if c.Kind == model.ConditionKindSemantic {
		return 1
	}
	return 0
}

// SpawnRun creates and persists a pending run for a matched unit. The
// triggering payload is copied onto the run so reruns and inspection do
// not depend on the event's retention window. Exported for the schedule
// dispatcher, which matches units directly instead of through the index.
func (m *Matcher) SpawnRun(ctx context.Context, unit *model.Unit, evt *model.Event) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:             uuid.New(),
		UnitID:         unit.ID,
		EventID:        evt.ID,
		UserID:         unit.UserID,
		Status:         model.RunStatusPending,
		Step:           0,
		Context:        map[string]any{"payload": evt.Payload},
		TriggerPayload: evt.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.runs.SaveRun(ctx, &run); err != nil {
		return model.Run{}, fmt.Errorf("match: save run: %w", err)
	}
	if err := m.runs.RecordUnitRun(ctx, unit.ID, now); err != nil {
		m.logger.Warn("record unit run failed", "unit_id", unit.ID, "error", err)
	}
	return run, nil
}
