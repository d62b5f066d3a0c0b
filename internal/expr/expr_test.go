package expr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scope(payload map[string]any) map[string]any {
	return map[string]any{"payload": payload}
}

func TestEvalBool(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		payload map[string]any
		want    bool
	}{
		{"int greater", `payload.amount > 50000`, map[string]any{"amount": 75000}, true},
		{"int greater false", `payload.amount > 50000`, map[string]any{"amount": 100}, false},
		{"json float vs int literal", `payload.amount > 50000`, map[string]any{"amount": 75000.0}, true},
		{"string equality", `payload.stage == "closed_won"`, map[string]any{"stage": "closed_won"}, true},
		{"string inequality", `payload.stage != "lost"`, map[string]any{"stage": "closed_won"}, true},
		{"and", `payload.amount >= 100 && payload.stage == "open"`, map[string]any{"amount": 100, "stage": "open"}, true},
		{"or short circuit", `payload.amount > 10 || payload.missing == 1`, map[string]any{"amount": 50}, true},
		{"and short circuit", `payload.amount > 100 && payload.missing == 1`, map[string]any{"amount": 50}, false},
		{"not", `!payload.archived`, map[string]any{"archived": false}, true},
		{"nested selector", `payload.deal.value > 10`, map[string]any{"deal": map[string]any{"value": 11.5}}, true},
		{"negative literal", `payload.delta < -5`, map[string]any{"delta": -10}, true},
		{"paren grouping", `(payload.a > 1 || payload.b > 1) && payload.c == "x"`,
			map[string]any{"a": 0, "b": 2, "c": "x"}, true},
		{"bool field", `payload.urgent == true`, map[string]any{"urgent": true}, true},
		{"string ordering", `payload.tier >= "b"`, map[string]any{"tier": "c"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.src)
			require.NoError(t, err)
			got, err := p.EvalBool(scope(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		payload map[string]any
	}{
		{"missing field", `payload.amount > 1`, map[string]any{}},
		{"non-bool result", `payload.amount`, map[string]any{"amount": 5}},
		{"type mismatch compare", `payload.amount > "high"`, map[string]any{"amount": 5}},
		{"select from scalar", `payload.amount.cents > 1`, map[string]any{"amount": 5}},
		{"unknown identifier", `result.value > 1`, map[string]any{"amount": 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.src)
			require.NoError(t, err)
			_, err = p.EvalBool(scope(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEval), "want ErrEval, got %v", err)
		})
	}
}

func TestCompileRejects(t *testing.T) {
	for _, src := range []string{
		`payload.amount +`,       // syntax error
		`payload.amount + 1 > 2`, // arithmetic not supported
		`delete(payload)`,        // calls not supported
		`payload[0] > 1`,         // indexing not supported
		`payload.amount >> 2`,    // shift not supported
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
		})
	}
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check(`payload.amount > 50000`))
	require.Error(t, Check(`payload.amount +`))
}
