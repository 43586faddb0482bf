package lazy

import (
	"maps"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Scope variable names bound by the engine.
const (
	VarItem  = "item"
	VarIndex = "index"
	VarError = "error"
)

// Scope is the single-use window in which lazy expressions may be read.
// The engine opens one immediately before an operation runs and closes it
// once the operation's arguments are resolved.
type Scope struct {
	st     state.State
	vars   map[string]any
	closed bool
}

// Open starts a resolution window over st. vars is copied.
func Open(st state.State, vars map[string]any) *Scope {
	return &Scope{st: st, vars: maps.Clone(vars)}
}

// Close ends the window. Later reads fail with an EvaluationError.
func (s *Scope) Close() {
	if s != nil {
		s.closed = true
	}
}

// State returns the State the window was opened over.
func (s *Scope) State() (state.State, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.st, nil
}

// Var returns a scope variable such as the current each item.
func (s *Scope) Var(name string) (any, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	v, ok := s.vars[name]
	return v, ok, nil
}

// Vars returns a copy of every scope variable.
func (s *Scope) Vars() (map[string]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return maps.Clone(s.vars), nil
}

func (s *Scope) check() error {
	if s == nil {
		return &EvaluationError{Reason: "no resolution scope; lazy expressions are only readable while an operation resolves its arguments"}
	}
	if s.closed {
		return &EvaluationError{Reason: "resolution scope already closed"}
	}
	return nil
}
