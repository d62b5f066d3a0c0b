package collab

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
)

// Noop implements every collaborator interface with inert behavior for
// dev setups without a sidecar. Compilation and owner resolution fail
// loudly (there is nothing sensible to fabricate); classification,
// generation and tool execution return fixed placeholders.
type Noop struct{}

func (Noop) Compile(ctx context.Context, rawText string, userID uuid.UUID) (model.UnitCandidate, error) {
	return model.UnitCandidate{}, fmt.Errorf("collab: no compiler configured")
}

func (Noop) Classify(ctx context.Context, promptKeyOrCustom, text string) (string, error) {
	return "unknown", nil
}

func (Noop) ExecuteTool(ctx context.Context, name string, args map[string]any, userID uuid.UUID) (map[string]any, error) {
	return map[string]any{"status": "noop", "tool": name}, nil
}

func (Noop) Generate(ctx context.Context, promptKey, input string) (string, error) {
	return "", nil
}

func (Noop) ResolveOwner(ctx context.Context, connectionID string) (uuid.UUID, error) {
	return uuid.Nil, fmt.Errorf("collab: no owner resolver configured")
}
