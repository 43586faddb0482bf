package lazy

import "fmt"

// EvaluationError is returned when a lazy expression is evaluated outside
// the argument-resolution window of an operation.
type EvaluationError struct {
	Expr   string
	Reason string
}

func (e *EvaluationError) Error() string {
	if e.Expr == "" {
		return "lazy evaluation: " + e.Reason
	}
	return fmt.Sprintf("lazy evaluation of %s: %s", e.Expr, e.Reason)
}

// WriteError is returned for any attempt to write through a lazy expression.
type WriteError struct {
	Expr string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("lazy expression %s is read-only", e.Expr)
}

const unresolvedReason = "not resolved; lazy expressions only have a value while an operation resolves its arguments"

// unresolved is the MarshalJSON of every Expr: an expression that reaches
// serialisation escaped resolution and has no value to encode.
func unresolved(e Expr) ([]byte, error) {
	return nil, &EvaluationError{Expr: e.String(), Reason: unresolvedReason}
}
