package state

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/watzon/fixiplug/internal/hooks"
)

// Event payloads arrive either from Go callers or decoded from JSON, so
// numbers may be any numeric kind and lists may be []any.

func toStringMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case hooks.Event:
		return m
	default:
		return nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	default:
		return 0, false
	}
}

func toStrings(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}

func schemaFromEvent(ev hooks.Event) (Schema, error) {
	var schema Schema

	states, err := toStrings(ev["states"])
	if err != nil {
		return schema, fmt.Errorf("%w: states: %w", ErrInvalidSchema, err)
	}
	schema.States = states

	switch raw := ev["transitions"].(type) {
	case nil:
	case map[string][]string:
		schema.Transitions = raw
	case map[string]any:
		schema.Transitions = make(map[string][]string, len(raw))
		for from, targets := range raw {
			list, err := toStrings(targets)
			if err != nil {
				return schema, fmt.Errorf("%w: transitions[%s]: %w", ErrInvalidSchema, from, err)
			}
			schema.Transitions[from] = list
		}
	default:
		return schema, fmt.Errorf("%w: transitions must be an object, got %T", ErrInvalidSchema, raw)
	}

	if initial, ok := ev["initial"]; ok && initial != nil {
		s, ok := initial.(string)
		if !ok {
			return schema, fmt.Errorf("%w: initial must be a string", ErrInvalidSchema)
		}
		schema.Initial = s
	}

	switch raw := ev["guards"].(type) {
	case nil:
	case map[string]string:
		schema.Guards = raw
	case map[string]any:
		schema.Guards = make(map[string]string, len(raw))
		for key, expr := range raw {
			s, ok := expr.(string)
			if !ok {
				return schema, fmt.Errorf("%w: guards[%s] must be a string", ErrInvalidSchema, key)
			}
			schema.Guards[key] = s
		}
	default:
		return schema, fmt.Errorf("%w: guards must be an object, got %T", ErrInvalidSchema, raw)
	}

	return schema, nil
}
