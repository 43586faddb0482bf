// Package state defines the value threaded through a pipeline run.
package state

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Conventional top-level keys.
const (
	KeyData          = "data"
	KeyConfiguration = "configuration"
	KeyCursor        = "cursor"
	KeyErrors        = "errors"
	KeyResponse      = "response"
)

// State is the open-ended mapping handed from one operation to the next.
type State map[string]any

// New returns an empty State.
func New() State {
	return State{}
}

// Clone returns a deep copy of s. Maps and slices are copied recursively;
// other values are shared.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the top-level keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Data returns s["data"].
func (s State) Data() any {
	return s[KeyData]
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case State:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Coerce reports whether v is State-shaped and returns it as a State.
func Coerce(v any) (State, bool) {
	switch t := v.(type) {
	case State:
		if t == nil {
			return nil, false
		}
		return t, true
	case map[string]any:
		if t == nil {
			return nil, false
		}
		return State(t), true
	default:
		return nil, false
	}
}

// Plain normalises v into plain hierarchical data: map[string]any, []any,
// string, int, float64, bool and nil. Integral numbers stay ints. Values
// that cannot be represented, such as functions, are an error.
func Plain(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int, float64:
		return t, nil
	case int8:
		return int(t), nil
	case int16:
		return int(t), nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint:
		return int(t), nil
	case uint8:
		return int(t), nil
	case uint16:
		return int(t), nil
	case uint32:
		return int(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		return plainNumber(t)
	case State:
		return plainMap(t)
	case map[string]any:
		return plainMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			p, err := Plain(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = p
		}
		return out, nil
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, fmt.Errorf("value of type %T is not representable", v)
	}

	// Structs, typed slices and typed maps go through their JSON form.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value of type %T is not representable: %w", v, err)
	}
	return decodePlainJSON(raw)
}

func plainMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		p, err := Plain(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = p
	}
	return out, nil
}

func plainNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", n, err)
	}
	return f, nil
}

func decodePlainJSON(raw []byte) (any, error) {
	var v any
	if err := unmarshalNumbers(raw, &v); err != nil {
		return nil, err
	}
	return Plain(v)
}

// Export prepares s for the serialisation boundary. The redact keys are
// dropped from the top level (configuration when none are given) and
// function values are dropped at any depth.
func Export(s State, redact ...string) (map[string]any, error) {
	if len(redact) == 0 {
		redact = []string{KeyConfiguration}
	}
	skip := make(map[string]bool, len(redact))
	for _, k := range redact {
		skip[k] = true
	}
	out := make(map[string]any, len(s))
	for k, v := range s {
		if skip[k] {
			continue
		}
		v, keep := stripFuncs(v)
		if !keep {
			continue
		}
		p, err := Plain(v)
		if err != nil {
			return nil, fmt.Errorf("export %q: %w", k, err)
		}
		out[k] = p
	}
	return out, nil
}

func stripFuncs(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch t := v.(type) {
	case State:
		return stripMap(t), true
	case map[string]any:
		return stripMap(t), true
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if e, keep := stripFuncs(e); keep {
				out = append(out, e)
			}
		}
		return out, true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	}
	return v, true
}

func stripMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		if e, keep := stripFuncs(e); keep {
			out[k] = e
		}
	}
	return out
}
