package tmpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"amount": 75000,
			"deal": map[string]any{
				"owner": "ava",
			},
		},
		"lookup_result": map[string]any{"email": "ava@example.com"},
	}
}

func TestResolveString(t *testing.T) {
	out, err := ResolveString("deal worth {{payload.amount}} owned by {{payload.deal.owner}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "deal worth 75000 owned by ava", out)
}

func TestResolveStringMissingPath(t *testing.T) {
	_, err := ResolveString("send to {{payload.missing.email}}", testScope())
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestResolveStringKeepsReservedTokens(t *testing.T) {
	out, err := ResolveString("approve {{PLACEHOLDER_manager_email}} for {{payload.amount}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "approve {{PLACEHOLDER_manager_email}} for 75000", out)
}

func TestResolveValueKeepsType(t *testing.T) {
	v, err := ResolveValue("{{payload.amount}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, 75000, v)
}

func TestResolveArgs(t *testing.T) {
	args := map[string]any{
		"to":      "{{lookup_result.email}}",
		"subject": "deal {{payload.deal.owner}}",
		"nested": map[string]any{
			"amount": "{{payload.amount}}",
		},
		"tags": []any{"sales", "{{payload.deal.owner}}"},
	}
	resolved, err := ResolveArgs(args, testScope())
	require.NoError(t, err)
	assert.Equal(t, "ava@example.com", resolved["to"])
	assert.Equal(t, "deal ava", resolved["subject"])
	assert.Equal(t, 75000, resolved["nested"].(map[string]any)["amount"])
	assert.Equal(t, "ava", resolved["tags"].([]any)[1])
}

func TestLookupNonMapIntermediate(t *testing.T) {
	_, err := Lookup("payload.amount.cents", testScope())
	assert.ErrorIs(t, err, ErrUnresolved)
}
