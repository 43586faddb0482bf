package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// RunFunc performs an operation's work. st is the operation's own copy of
// the current State and args are its fully resolved arguments. It returns
// the State for the next step.
type RunFunc func(ctx context.Context, st state.State, args []any) (state.State, error)

// Operation is one unit of work. Args may hold literals or lazy
// expressions; the engine resolves them immediately before Run.
type Operation struct {
	Name string
	Args []any
	Run  RunFunc

	each *eachSpec
}

// NewOperation declares an operation.
func NewOperation(name string, run RunFunc, args ...any) *Operation {
	return &Operation{Name: name, Args: args, Run: run}
}

// Fn declares an argument-less operation from a State transform.
func Fn(name string, fn func(ctx context.Context, st state.State) (state.State, error)) *Operation {
	return NewOperation(name, func(ctx context.Context, st state.State, _ []any) (state.State, error) {
		return fn(ctx, st)
	})
}

// Sub returns the pipeline an each operation iterates, or nil.
func (o *Operation) Sub() *Pipeline {
	if o == nil || o.each == nil {
		return nil
	}
	return o.each.sub
}

// String renders the operation as a call, with lazy arguments shown by
// their expression text.
func (o *Operation) String() string {
	parts := make([]string, len(o.Args))
	for i, a := range o.Args {
		parts[i] = argString(a)
	}
	return o.Name + "(" + strings.Join(parts, ", ") + ")"
}

func argString(a any) string {
	switch t := a.(type) {
	case lazy.Expr:
		return t.String()
	case string:
		return fmt.Sprintf("%q", t)
	case *Pipeline:
		return fmt.Sprintf("<pipeline %s>", t.Name)
	case *Operation:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
