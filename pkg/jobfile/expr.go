package jobfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/itchyny/gojq"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/ravi-parthasarathy/baton/pkg/lazy"
	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// Scope variable names visible to job file expressions.
const (
	varState = "state"
	varItem  = lazy.VarItem
	varIndex = lazy.VarIndex
	varError = lazy.VarError
)

// Expr is a job file expression evaluated against the State when its
// operation runs.
type Expr struct {
	expr hclsyntax.Expression
	src  string
}

var _ lazy.Expr = (*Expr)(nil)

// Resolve evaluates the expression with state, item, index and error
// bound from s. Variables absent from s are null. Reading a missing State
// key is an "Unsupported attribute" error, unlike lazy.Path which yields
// nil; wrap optional reads in try(state.key, null).
func (e *Expr) Resolve(s *lazy.Scope) (any, error) {
	st, err := s.State()
	if err != nil {
		return nil, err
	}
	vars, err := s.Vars()
	if err != nil {
		return nil, err
	}
	ctx, err := evalContext(st, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.src, err)
	}
	v, diags := e.expr.Value(ctx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s: %s", e.src, diags.Error())
	}
	out, err := fromCty(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.src, err)
	}
	return out, nil
}

func (e *Expr) MarshalJSON() ([]byte, error) {
	return nil, &lazy.EvaluationError{Expr: e.src, Reason: "not resolved; job file expressions only have a value while their operation runs"}
}

// String returns the expression's source text.
func (e *Expr) String() string { return e.src }

// Range returns where the expression appears in the job file.
func (e *Expr) Range() hcl.Range { return e.expr.Range() }

func evalContext(st state.State, vars map[string]any) (*hcl.EvalContext, error) {
	root, err := toCty(st)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	values := map[string]cty.Value{varState: root}
	for _, name := range []string{varItem, varIndex, varError} {
		v, err := toCty(vars[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		values[name] = v
	}

	funcs := make(map[string]function.Function, len(baseFunctions())+1)
	for k, f := range baseFunctions() {
		funcs[k] = f
	}
	funcs["jq"] = jqFunc(st, vars[varItem], vars[varIndex])
	return &hcl.EvalContext{Variables: values, Functions: funcs}, nil
}

// staticContext evaluates arguments that reference no variables.
func staticContext() *hcl.EvalContext {
	return &hcl.EvalContext{Functions: baseFunctions()}
}

var baseFunctions = sync.OnceValue(func() map[string]function.Function {
	return map[string]function.Function{
		"abs":          stdlib.AbsoluteFunc,
		"can":          tryfunc.CanFunc,
		"ceil":         stdlib.CeilFunc,
		"chomp":        stdlib.ChompFunc,
		"chunklist":    stdlib.ChunklistFunc,
		"coalesce":     stdlib.CoalesceFunc,
		"coalescelist": stdlib.CoalesceListFunc,
		"compact":      stdlib.CompactFunc,
		"concat":       stdlib.ConcatFunc,
		"contains":     stdlib.ContainsFunc,
		"csvdecode":    stdlib.CSVDecodeFunc,
		"distinct":     stdlib.DistinctFunc,
		"element":      stdlib.ElementFunc,
		"flatten":      stdlib.FlattenFunc,
		"floor":        stdlib.FloorFunc,
		"format":       stdlib.FormatFunc,
		"formatdate":   stdlib.FormatDateFunc,
		"formatlist":   stdlib.FormatListFunc,
		"indent":       stdlib.IndentFunc,
		"join":         stdlib.JoinFunc,
		"jsondecode":   stdlib.JSONDecodeFunc,
		"jsonencode":   stdlib.JSONEncodeFunc,
		"keys":         stdlib.KeysFunc,
		"length":       stdlib.LengthFunc,
		"lookup":       stdlib.LookupFunc,
		"lower":        stdlib.LowerFunc,
		"max":          stdlib.MaxFunc,
		"merge":        stdlib.MergeFunc,
		"min":          stdlib.MinFunc,
		"parseint":     stdlib.ParseIntFunc,
		"pow":          stdlib.PowFunc,
		"range":        stdlib.RangeFunc,
		"regex":        stdlib.RegexFunc,
		"regexall":     stdlib.RegexAllFunc,
		"regexreplace": stdlib.RegexReplaceFunc,
		"replace":      stdlib.ReplaceFunc,
		"reverse":      stdlib.ReverseListFunc,
		"signum":       stdlib.SignumFunc,
		"slice":        stdlib.SliceFunc,
		"sort":         stdlib.SortFunc,
		"split":        stdlib.SplitFunc,
		"strlen":       stdlib.StrlenFunc,
		"substr":       stdlib.SubstrFunc,
		"timeadd":      stdlib.TimeAddFunc,
		"title":        stdlib.TitleFunc,
		"tobool":       stdlib.MakeToFunc(cty.Bool),
		"tonumber":     stdlib.MakeToFunc(cty.Number),
		"tostring":     stdlib.MakeToFunc(cty.String),
		"trim":         stdlib.TrimFunc,
		"trimprefix":   stdlib.TrimPrefixFunc,
		"trimspace":    stdlib.TrimSpaceFunc,
		"trimsuffix":   stdlib.TrimSuffixFunc,
		"try":          tryfunc.TryFunc,
		"upper":        stdlib.UpperFunc,
		"values":       stdlib.ValuesFunc,
		"zipmap":       stdlib.ZipmapFunc,
	}
})

// queries caches compiled jq programs by source.
var queries sync.Map

func compileQuery(src string) (*gojq.Code, error) {
	if c, ok := queries.Load(src); ok {
		return c.(*gojq.Code), nil
	}
	code, err := lazy.CompileQuery(src)
	if err != nil {
		return nil, err
	}
	queries.Store(src, code)
	return code, nil
}

// jqFunc runs jq(query) over the State, or jq(query, input) over input,
// with $item and $index bound.
func jqFunc(st state.State, item, index any) function.Function {
	return function.New(&function.Spec{
		Description: "Runs a jq query over the State or over an explicit input.",
		Params: []function.Parameter{
			{Name: "query", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "input",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if len(args) > 2 {
				return cty.NilVal, fmt.Errorf("jq takes a query and at most one input")
			}
			code, err := compileQuery(args[0].AsString())
			if err != nil {
				return cty.NilVal, err
			}
			var input any = st
			if len(args) == 2 {
				if input, err = fromCty(args[1]); err != nil {
					return cty.NilVal, err
				}
			}
			out, err := lazy.RunQuery(context.Background(), code, input, item, index)
			if err != nil {
				return cty.NilVal, err
			}
			return toCty(out)
		},
	})
}
