package pipeline

import (
	"fmt"
	"strings"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// NestedOperationError reports an operation that was not declared at the
// top level of a pipeline: either an operation value nested inside
// another operation's arguments, or a step registered while the pipeline
// was already executing.
type NestedOperationError struct {
	Step   string
	Path   string
	Depth  int
	Reason string
}

func (e *NestedOperationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %q: nested operation", e.Step)
	if e.Path != "" {
		fmt.Fprintf(&sb, " at %s", e.Path)
	}
	if e.Depth > 0 {
		fmt.Fprintf(&sb, " (depth %d)", e.Depth)
	}
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	return sb.String()
}

// OperationFailure is the failure of an operation or one of its handlers.
// State is the State at the point of failure.
type OperationFailure struct {
	Step  string
	Err   error
	State state.State
}

// Error prefixes the step name unless the cause already names it.
func (e *OperationFailure) Error() string {
	prefix := fmt.Sprintf("step %q", e.Step)
	if msg := e.Err.Error(); strings.HasPrefix(msg, prefix+":") {
		return msg
	}
	return prefix + ": " + e.Err.Error()
}

func (e *OperationFailure) Unwrap() error { return e.Err }

// UnrecoverableFailure halts a run: an OperationFailure that no catch
// handler recovered from. LastState is the last successfully produced
// State.
type UnrecoverableFailure struct {
	Failure   *OperationFailure
	LastState state.State
}

func (e *UnrecoverableFailure) Error() string {
	return "pipeline halted: " + e.Failure.Error()
}

func (e *UnrecoverableFailure) Unwrap() error { return e.Failure }

// Step names the step that failed.
func (e *UnrecoverableFailure) Step() string { return e.Failure.Step }

// ContractError is returned when an operation or handler produces
// something that is not a State.
type ContractError struct {
	Step string
	Got  string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("step %q: expected a state mapping, got %s", e.Step, e.Got)
}

// ValidationError collects every lint error found before a run.
type ValidationError struct {
	Lint []LintError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Lint))
	for i, l := range e.Lint {
		msgs[i] = l.Error()
	}
	return fmt.Sprintf("pipeline validation failed:\n  %s", strings.Join(msgs, "\n  "))
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Lint))
	for i := range e.Lint {
		errs[i] = e.Lint[i]
	}
	return errs
}
