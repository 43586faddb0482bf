package lazy

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// queryVars are bound, in order, on every query run.
var queryVars = []string{"$item", "$index"}

// QueryExpr is a jq query evaluated against the plain form of the State.
type QueryExpr struct {
	src  string
	code *gojq.Code
}

// Query compiles a jq query. $item and $index refer to the current each
// element when the query runs inside an iteration, and are null otherwise.
func Query(src string) (*QueryExpr, error) {
	code, err := CompileQuery(src)
	if err != nil {
		return nil, err
	}
	return &QueryExpr{src: src, code: code}, nil
}

// MustQuery is like Query but panics on a compile error.
func MustQuery(src string) *QueryExpr {
	q, err := Query(src)
	if err != nil {
		panic(err)
	}
	return q
}

// CompileQuery parses and compiles src with the item and index variables.
func CompileQuery(src string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse jq query %q: %w", src, err)
	}
	code, err := gojq.Compile(parsed, gojq.WithVariables(queryVars))
	if err != nil {
		return nil, fmt.Errorf("compile jq query %q: %w", src, err)
	}
	return code, nil
}

func (q *QueryExpr) Resolve(s *Scope) (any, error) {
	st, err := s.State()
	if err != nil {
		return nil, err
	}
	item, _, _ := s.Var(VarItem)
	index, _, _ := s.Var(VarIndex)
	return RunQuery(context.Background(), q.code, st, item, index)
}

func (q *QueryExpr) String() string { return fmt.Sprintf("jq(%q)", q.src) }

func (q *QueryExpr) MarshalJSON() ([]byte, error) { return unresolved(q) }

// RunQuery runs compiled code over input. No result yields nil, a single
// result is returned as is and several results are collected into a slice.
func RunQuery(ctx context.Context, code *gojq.Code, input any, item, index any) (any, error) {
	in, err := state.Plain(input)
	if err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}
	item, err = state.Plain(item)
	if err != nil {
		return nil, fmt.Errorf("jq $item: %w", err)
	}
	index, err = state.Plain(index)
	if err != nil {
		return nil, fmt.Errorf("jq $index: %w", err)
	}

	var results []any
	iter := code.RunWithContext(ctx, in, item, index)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
