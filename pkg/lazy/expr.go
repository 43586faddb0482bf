// Package lazy implements deferred, read-only accessors into a State.
//
// An Expr is built when a pipeline is declared and read only while an
// operation resolves its arguments, so it always observes the State the
// operation is about to receive.
package lazy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Expr is a deferred accessor into the current State.
type Expr interface {
	Resolve(s *Scope) (any, error)
	String() string
}

// Resolve replaces every Expr found in v, at any depth of maps, States
// and slices, with its value in scope s.
func Resolve(s *Scope, v any) (any, error) {
	switch t := v.(type) {
	case Expr:
		out, err := t.Resolve(s)
		if err != nil {
			return nil, annotate(err, t)
		}
		if inner, ok := out.(Expr); ok {
			return nil, &EvaluationError{
				Expr:   t.String(),
				Reason: fmt.Sprintf("resolved to another lazy expression %s; pass it as an argument instead", inner),
			}
		}
		return out, nil
	case state.State:
		out := make(state.State, len(t))
		for k, e := range t {
			r, err := Resolve(s, e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := Resolve(s, e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := Resolve(s, e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveAll resolves each argument in order.
func ResolveAll(s *Scope, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		r, err := Resolve(s, a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// Contains reports whether v holds an Expr at any depth.
func Contains(v any) bool {
	switch t := v.(type) {
	case Expr:
		return true
	case state.State:
		for _, e := range t {
			if Contains(e) {
				return true
			}
		}
	case map[string]any:
		for _, e := range t {
			if Contains(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if Contains(e) {
				return true
			}
		}
	}
	return false
}

// Target validates v as the key of an assignment. Lazy expressions are
// read-only and can never be written through.
func Target(v any) (string, error) {
	switch t := v.(type) {
	case Expr:
		return "", &WriteError{Expr: t.String()}
	case string:
		if t == "" {
			return "", errors.New("assignment key must not be empty")
		}
		return t, nil
	default:
		return "", fmt.Errorf("assignment key must be a string, got %T", v)
	}
}

func annotate(err error, e Expr) error {
	var ee *EvaluationError
	if errors.As(err, &ee) && ee.Expr == "" {
		return &EvaluationError{Expr: e.String(), Reason: ee.Reason}
	}
	return err
}

// ─── callback form ───────────────────────────────────────────────────────────

// FuncExpr reads a value from the current State through a callback.
type FuncExpr struct {
	fn func(st state.State) (any, error)
}

// Fn wraps a State-reading callback. For the same State it yields the
// same value as the equivalent path expression.
func Fn(fn func(st state.State) (any, error)) *FuncExpr {
	return &FuncExpr{fn: fn}
}

func (f *FuncExpr) Resolve(s *Scope) (any, error) {
	st, err := s.State()
	if err != nil {
		return nil, err
	}
	if f.fn == nil {
		return nil, nil
	}
	v, err := f.fn(st.Clone())
	if err != nil {
		return nil, err
	}
	if inner, ok := v.(Expr); ok {
		return nil, &EvaluationError{
			Expr:   f.String(),
			Reason: fmt.Sprintf("callback returned lazy expression %s instead of a value", inner),
		}
	}
	if Contains(v) {
		return nil, &EvaluationError{
			Expr:   f.String(),
			Reason: "callback returned a value holding lazy expressions; read the State directly instead",
		}
	}
	return v, nil
}

func (f *FuncExpr) String() string { return "fn(state)" }

func (f *FuncExpr) MarshalJSON() ([]byte, error) { return unresolved(f) }

// ─── interpolation ───────────────────────────────────────────────────────────

type formatExpr struct {
	format string
	args   []any
}

// Format interpolates resolved arguments into a fmt-style template.
func Format(format string, args ...any) Expr {
	return &formatExpr{format: format, args: args}
}

func (f *formatExpr) Resolve(s *Scope) (any, error) {
	vals, err := ResolveAll(s, f.args)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf(f.format, vals...), nil
}

func (f *formatExpr) MarshalJSON() ([]byte, error) { return unresolved(f) }

func (f *formatExpr) String() string {
	parts := make([]string, 0, len(f.args)+1)
	parts = append(parts, fmt.Sprintf("%q", f.format))
	for _, a := range f.args {
		if e, ok := a.(Expr); ok {
			parts = append(parts, e.String())
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	return "format(" + strings.Join(parts, ", ") + ")"
}
