// Package collab defines the external collaborator interfaces the engine
// depends on: rule compilation, semantic classification, tool execution,
// text generation and connection-identity resolution. All of them live
// outside this service; the engine only consumes them and never trusts
// their output unchecked.
//
// HTTP providers post JSON to a sidecar endpoint; the Noop providers back
// dev setups and tests.
package collab

import (
	"context"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
)

// Compiler translates raw when/if/then text into a structured candidate.
// The result is untrusted: callers must run model validation on it before
// persistence.
type Compiler interface {
	Compile(ctx context.Context, rawText string, userID uuid.UUID) (model.UnitCandidate, error)
}

// Classifier assigns a label to text, either from a registered prompt key
// or a custom prompt.
type Classifier interface {
	Classify(ctx context.Context, promptKeyOrCustom, text string) (string, error)
}

// ToolRunner executes a named tool against third-party services on behalf
// of a user. Errors are fatal to the calling run only.
type ToolRunner interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any, userID uuid.UUID) (map[string]any, error)
}

// TextGenerator produces text from a registered prompt and input.
type TextGenerator interface {
	Generate(ctx context.Context, promptKey, input string) (string, error)
}

// OwnerResolver maps a provider connection identity to the owning user.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, connectionID string) (uuid.UUID, error)
}
