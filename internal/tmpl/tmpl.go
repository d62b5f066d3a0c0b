// Package tmpl resolves {{path}} placeholders against a run's context map.
//
// Paths are dot-separated keys into nested maps, e.g. {{payload.amount}} or
// {{lookup_result.owner.email}}. Tokens whose first path segment starts
// with PLACEHOLDER_ are reserved for values still awaiting human input and
// are passed through untouched; whether to accept them is the receiving
// action's decision, never the engine's.
package tmpl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnresolved is wrapped by resolution failures for a referenced path
// that is absent from the context.
var ErrUnresolved = errors.New("tmpl: unresolved placeholder")

var tokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

const reservedPrefix = "PLACEHOLDER_"

// ResolveString substitutes every placeholder in s from scope. Non-string
// values render with fmt.Sprint. A missing path is an error.
func ResolveString(s string, scope map[string]any) (string, error) {
	var firstErr error
	out := tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		path := strings.TrimSpace(tokenRe.FindStringSubmatch(tok)[1])
		if strings.HasPrefix(path, reservedPrefix) {
			return tok
		}
		v, err := Lookup(path, scope)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return tok
		}
		return fmt.Sprint(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveValue resolves placeholders in an arbitrary JSON-shaped value.
// A string that is exactly one placeholder keeps the referenced value's
// type; everything else falls back to string substitution. Maps and
// slices are resolved recursively.
func ResolveValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if m := tokenRe.FindStringSubmatch(val); m != nil && tokenRe.FindString(val) == val {
			path := strings.TrimSpace(m[1])
			if strings.HasPrefix(path, reservedPrefix) {
				return val, nil
			}
			return Lookup(path, scope)
		}
		return ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveArgs resolves a tool-argument map.
func ResolveArgs(args map[string]any, scope map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	resolved, err := ResolveValue(args, scope)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// Lookup walks a dot-separated path through nested maps.
func Lookup(path string, scope map[string]any) (any, error) {
	parts := strings.Split(path, ".")
	var cur any = scope
	for i, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, errors.Wrapf(ErrUnresolved, "%s is not a map at %s",
				strings.Join(parts[:i], "."), path)
		}
		cur, ok = m[part]
		if !ok {
			return nil, errors.Wrapf(ErrUnresolved, "%s", path)
		}
	}
	return cur, nil
}
