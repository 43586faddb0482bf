package pipeline

import (
	"context"
	"time"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// HandlerKind tags a chain handler as success or failure.
type HandlerKind int

const (
	OnSuccess HandlerKind = iota
	OnFailure
)

func (k HandlerKind) String() string {
	if k == OnFailure {
		return "catch"
	}
	return "then"
}

// ThenFunc receives the State produced so far and must return a State.
type ThenFunc func(ctx context.Context, st state.State) (any, error)

// CatchFunc receives the failure and the State at the point of failure.
// Returning a State recovers and the pipeline continues with it; returning
// an error re-raises.
type CatchFunc func(ctx context.Context, err error, st state.State) (any, error)

// Handler is one record of a chain. Exactly one of Then, Catch or Op is
// set; Op handlers resolve their arguments like top-level operations.
type Handler struct {
	Kind  HandlerKind
	Then  ThenFunc
	Catch CatchFunc
	Op    *Operation
}

// RetryPolicy re-invokes a failing operation before its chain sees the
// failure. Zero or one attempt means no retry.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// Step is a top-level pipeline entry: an operation and its chain.
type Step struct {
	Name  string
	Op    *Operation
	Chain []Handler
	Retry RetryPolicy

	owner *Pipeline
}

// Then appends a success handler.
func (s *Step) Then(fn ThenFunc) *Step {
	return s.attach(Handler{Kind: OnSuccess, Then: fn})
}

// ThenOp appends an operation run on success.
func (s *Step) ThenOp(op *Operation) *Step {
	return s.attach(Handler{Kind: OnSuccess, Op: op})
}

// Catch appends a failure handler.
func (s *Step) Catch(fn CatchFunc) *Step {
	return s.attach(Handler{Kind: OnFailure, Catch: fn})
}

// CatchOp appends an operation run on failure. The failure message is
// available to its arguments as the "error" scope variable.
func (s *Step) CatchOp(op *Operation) *Step {
	return s.attach(Handler{Kind: OnFailure, Op: op})
}

// WithRetry sets the step's retry policy.
func (s *Step) WithRetry(attempts uint, delay time.Duration) *Step {
	if !s.owner.guard(s.Name, "retry policy changed") {
		return s
	}
	s.Retry = RetryPolicy{Attempts: attempts, Delay: delay}
	return s
}

// attach appends h to the chain. A detached step, one returned by Add on a
// sealed pipeline, has no owner; Add already recorded that violation and
// the step never runs, so its chain is left unguarded.
func (s *Step) attach(h Handler) *Step {
	if !s.owner.guard(s.Name, h.Kind.String()+" handler attached") {
		return s
	}
	s.Chain = append(s.Chain, h)
	return s
}
