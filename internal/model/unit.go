package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// UnitStatus is the lifecycle state of an automation rule.
type UnitStatus string

const (
	UnitStatusActive   UnitStatus = "active"
	UnitStatusPaused   UnitStatus = "paused"
	UnitStatusDisabled UnitStatus = "disabled"
)

// ValidUnitStatus reports whether s is a known status value.
func ValidUnitStatus(s UnitStatus) bool {
	switch s {
	case UnitStatusActive, UnitStatusPaused, UnitStatusDisabled:
		return true
	}
	return false
}

// Unit is a compiled automation rule: one trigger, an AND-combined list of
// conditions, and an ordered action pipeline. The raw when/if/then text is
// kept verbatim for audit and re-compilation. Only active Units are
// eligible for matching; pause/disable is enforced at the storage lookup.
type Unit struct {
	ID         uuid.UUID   `json:"id"`
	UserID     uuid.UUID   `json:"user_id"`
	Name       string      `json:"name"`
	RawText    string      `json:"raw_text,omitempty"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []Action    `json:"actions"`
	Status     UnitStatus  `json:"status"`
	RunCount   int64       `json:"run_count"`
	LastRunAt  *time.Time  `json:"last_run_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TriggerKind discriminates the Trigger union.
type TriggerKind string

const (
	TriggerKindEvent    TriggerKind = "event"
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindCompound TriggerKind = "compound"
)

// Trigger is a closed tagged union. Exactly one variant field matches Kind.
type Trigger struct {
	Kind     TriggerKind      `json:"kind"`
	Event    *EventTrigger    `json:"event,omitempty"`
	Schedule *ScheduleTrigger `json:"schedule,omitempty"`
	Compound *CompoundTrigger `json:"compound,omitempty"`
}

// EventTrigger fires on an ingested Event with exactly matching source and
// kind. Filter is an optional boolean expression over the event payload.
type EventTrigger struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
	Filter string `json:"filter,omitempty"`
}

// ScheduleTrigger fires on a cron schedule in the given timezone.
type ScheduleTrigger struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// CompoundMode selects how a compound trigger combines its children.
type CompoundMode string

const (
	CompoundAny CompoundMode = "any"
	CompoundAll CompoundMode = "all"
)

// CompoundTrigger combines sub-triggers with any/all semantics.
type CompoundTrigger struct {
	Mode     CompoundMode `json:"mode"`
	Triggers []Trigger    `json:"triggers"`
}

// ConditionKind discriminates the Condition union.
type ConditionKind string

const (
	ConditionKindEval     ConditionKind = "eval"
	ConditionKindSemantic ConditionKind = "semantic"
)

// Condition is a closed tagged union. A Unit's condition list is
// AND-combined in declared order; an empty list is always true.
type Condition struct {
	Kind     ConditionKind      `json:"kind"`
	Eval     *EvalCondition     `json:"eval,omitempty"`
	Semantic *SemanticCondition `json:"semantic,omitempty"`
}

// EvalCondition is a cheap, synchronous boolean expression over the payload.
type EvalCondition struct {
	Expr string `json:"expr"`
}

// SemanticCondition delegates to the external classifier. Either PromptKey
// (a registered classification prompt) or CustomPrompt must be set. Input
// is a template resolved against the run context; the condition holds when
// the returned label is in Expected.
type SemanticCondition struct {
	PromptKey    string   `json:"prompt_key,omitempty"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
	Input        string   `json:"input"`
	Expected     []string `json:"expected"`
}

// ActionKind discriminates the Action union.
type ActionKind string

const (
	ActionKindTool   ActionKind = "tool"
	ActionKindLLM    ActionKind = "llm"
	ActionKindWait   ActionKind = "wait"
	ActionKindNotify ActionKind = "notify"
	ActionKindCheck  ActionKind = "check"
	ActionKindFetch  ActionKind = "fetch"
	ActionKindLookup ActionKind = "lookup"
	ActionKindLog    ActionKind = "log"
)

// Action is a closed tagged union. Actions execute strictly in list order;
// StoreAs optionally names the context variable holding the result.
type Action struct {
	Kind    ActionKind    `json:"kind"`
	StoreAs string        `json:"store_as,omitempty"`
	Tool    *ToolAction   `json:"tool,omitempty"`
	LLM     *LLMAction    `json:"llm,omitempty"`
	Wait    *WaitAction   `json:"wait,omitempty"`
	Notify  *NotifyAction `json:"notify,omitempty"`
	Check   *CheckAction  `json:"check,omitempty"`
	Fetch   *FetchAction  `json:"fetch,omitempty"`
	Lookup  *LookupAction `json:"lookup,omitempty"`
	Log     *LogAction    `json:"log,omitempty"`
}

// ToolAction invokes a named tool through the tool execution collaborator.
type ToolAction struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// LLMAction generates text from a registered prompt and templated input.
type LLMAction struct {
	PromptKey string `json:"prompt_key"`
	Input     string `json:"input"`
}

// WaitAction suspends the run for a fixed duration (integer + m/h/d/w).
type WaitAction struct {
	Duration string `json:"duration"`
}

// NotifyAction delivers a templated message to a channel.
type NotifyAction struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// CheckAction classifies templated input mid-pipeline. When Expected is
// non-empty and the returned label is not among them, the run fails.
type CheckAction struct {
	PromptKey    string   `json:"prompt_key,omitempty"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
	Input        string   `json:"input"`
	Expected     []string `json:"expected,omitempty"`
}

// FetchAction retrieves an external resource through the tool collaborator.
type FetchAction struct {
	Resource string         `json:"resource"`
	Args     map[string]any `json:"args,omitempty"`
}

// LookupAction queries a connected data source through the tool collaborator.
type LookupAction struct {
	Source string         `json:"source"`
	Query  map[string]any `json:"query,omitempty"`
}

// LogAction records a templated message on the run's audit trail. Executes
// entirely inside the engine; never dispatched externally.
type LogAction struct {
	Message string `json:"message"`
}

// waitDurationRe is the wait grammar: positive integer + one of m/h/d/w.
var waitDurationRe = regexp.MustCompile(`^(\d+)([mhdw])$`)

// ParseWaitDuration parses the wait-action duration grammar. Malformed
// durations are rejected here at validation time so the executor never
// sees one on a validated Unit.
func ParseWaitDuration(s string) (time.Duration, error) {
	m := waitDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("model: invalid wait duration %q (want <integer><m|h|d|w>)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("model: invalid wait duration %q: count must be a positive integer", s)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("model: invalid wait duration unit %q", m[2])
}

// FindSchedule returns the first schedule trigger reachable from t,
// walking into compound triggers. Nil when the tree has none.
func FindSchedule(t Trigger) *ScheduleTrigger {
	switch t.Kind {
	case TriggerKindSchedule:
		return t.Schedule
	case TriggerKindCompound:
		if t.Compound == nil {
			return nil
		}
		for _, sub := range t.Compound.Triggers {
			if st := FindSchedule(sub); st != nil {
				return st
			}
		}
	}
	return nil
}

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a schedule trigger's cron expression and returns its
// schedule for next-fire computation.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("model: invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// maxCompoundDepth bounds nesting of compound triggers.
const maxCompoundDepth = 3

// ValidateTrigger checks a trigger tree. exprCheck, when non-nil, is called
// on every filter expression so the caller can reject expressions its
// evaluator cannot parse (model stays free of the expr dependency).
func ValidateTrigger(t Trigger, exprCheck func(string) error) error {
	return validateTrigger(t, exprCheck, 0)
}

func validateTrigger(t Trigger, exprCheck func(string) error, depth int) error {
	if depth > maxCompoundDepth {
		return fmt.Errorf("model: compound trigger nested deeper than %d", maxCompoundDepth)
	}
	switch t.Kind {
	case TriggerKindEvent:
		if t.Event == nil {
			return fmt.Errorf("model: event trigger missing body")
		}
		if t.Event.Source == "" || t.Event.Kind == "" {
			return fmt.Errorf("model: event trigger requires source and kind")
		}
		if t.Event.Filter != "" && exprCheck != nil {
			if err := exprCheck(t.Event.Filter); err != nil {
				return fmt.Errorf("model: event trigger filter: %w", err)
			}
		}
		return nil
	case TriggerKindSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("model: schedule trigger missing body")
		}
		if _, err := ParseCron(t.Schedule.Cron); err != nil {
			return err
		}
		if tz := t.Schedule.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("model: schedule trigger timezone %q: %w", tz, err)
			}
		}
		return nil
	case TriggerKindCompound:
		if t.Compound == nil {
			return fmt.Errorf("model: compound trigger missing body")
		}
		if t.Compound.Mode != CompoundAny && t.Compound.Mode != CompoundAll {
			return fmt.Errorf("model: compound trigger mode must be any or all, got %q", t.Compound.Mode)
		}
		if len(t.Compound.Triggers) == 0 {
			return fmt.Errorf("model: compound trigger requires at least one sub-trigger")
		}
		for i, sub := range t.Compound.Triggers {
			if err := validateTrigger(sub, exprCheck, depth+1); err != nil {
				return fmt.Errorf("model: compound sub-trigger %d: %w", i, err)
			}
		}
		return nil
	case "":
		return fmt.Errorf("model: trigger kind is required")
	default:
		return fmt.Errorf("model: unknown trigger kind %q", t.Kind)
	}
}

// ValidateCondition checks one condition variant.
func ValidateCondition(c Condition, exprCheck func(string) error) error {
	switch c.Kind {
	case ConditionKindEval:
		if c.Eval == nil || c.Eval.Expr == "" {
			return fmt.Errorf("model: eval condition requires expr")
		}
		if exprCheck != nil {
			if err := exprCheck(c.Eval.Expr); err != nil {
				return fmt.Errorf("model: eval condition expr: %w", err)
			}
		}
		return nil
	case ConditionKindSemantic:
		if c.Semantic == nil {
			return fmt.Errorf("model: semantic condition missing body")
		}
		if c.Semantic.PromptKey == "" && c.Semantic.CustomPrompt == "" {
			return fmt.Errorf("model: semantic condition requires prompt_key or custom_prompt")
		}
		if c.Semantic.Input == "" {
			return fmt.Errorf("model: semantic condition requires input template")
		}
		if len(c.Semantic.Expected) == 0 {
			return fmt.Errorf("model: semantic condition requires expected labels")
		}
		return nil
	case "":
		return fmt.Errorf("model: condition kind is required")
	default:
		return fmt.Errorf("model: unknown condition kind %q", c.Kind)
	}
}

// ValidateAction checks one action variant, including the wait grammar.
func ValidateAction(a Action) error {
	switch a.Kind {
	case ActionKindTool:
		if a.Tool == nil || a.Tool.Name == "" {
			return fmt.Errorf("model: tool action requires name")
		}
	case ActionKindLLM:
		if a.LLM == nil || a.LLM.PromptKey == "" || a.LLM.Input == "" {
			return fmt.Errorf("model: llm action requires prompt_key and input")
		}
	case ActionKindWait:
		if a.Wait == nil {
			return fmt.Errorf("model: wait action missing body")
		}
		if _, err := ParseWaitDuration(a.Wait.Duration); err != nil {
			return err
		}
	case ActionKindNotify:
		if a.Notify == nil || a.Notify.Channel == "" || a.Notify.Message == "" {
			return fmt.Errorf("model: notify action requires channel and message")
		}
	case ActionKindCheck:
		if a.Check == nil || a.Check.Input == "" {
			return fmt.Errorf("model: check action requires input")
		}
		if a.Check.PromptKey == "" && a.Check.CustomPrompt == "" {
			return fmt.Errorf("model: check action requires prompt_key or custom_prompt")
		}
	case ActionKindFetch:
		if a.Fetch == nil || a.Fetch.Resource == "" {
			return fmt.Errorf("model: fetch action requires resource")
		}
	case ActionKindLookup:
		if a.Lookup == nil || a.Lookup.Source == "" {
			return fmt.Errorf("model: lookup action requires source")
		}
	case ActionKindLog:
		if a.Log == nil || a.Log.Message == "" {
			return fmt.Errorf("model: log action requires message")
		}
	case "":
		return fmt.Errorf("model: action kind is required")
	default:
		return fmt.Errorf("model: unknown action kind %q", a.Kind)
	}
	return nil
}

// Validate checks the whole Unit structure. Compiler output is untrusted,
// so this is the single gate between any rule source (raw-text compilation
// or pre-structured payloads) and the durable store.
func (u *Unit) Validate(exprCheck func(string) error) error {
	if u.Name == "" {
		return fmt.Errorf("model: unit requires a name")
	}
	if len(u.Name) > MaxUnitNameLen {
		return fmt.Errorf("model: unit name exceeds %d characters", MaxUnitNameLen)
	}
	if len(u.RawText) > MaxRawTextLen {
		return fmt.Errorf("model: unit raw text exceeds %d bytes", MaxRawTextLen)
	}
	if !ValidUnitStatus(u.Status) {
		return fmt.Errorf("model: unknown unit status %q", u.Status)
	}
	if err := ValidateTrigger(u.Trigger, exprCheck); err != nil {
		return err
	}
	for i, c := range u.Conditions {
		if err := ValidateCondition(c, exprCheck); err != nil {
			return fmt.Errorf("model: condition %d: %w", i, err)
		}
	}
	if len(u.Actions) == 0 {
		return fmt.Errorf("model: unit requires at least one action")
	}
	if len(u.Actions) > MaxActionsPerUnit {
		return fmt.Errorf("model: unit exceeds %d actions", MaxActionsPerUnit)
	}
	for i, a := range u.Actions {
		if err := ValidateAction(a); err != nil {
			return fmt.Errorf("model: action %d: %w", i, err)
		}
	}
	return nil
}
