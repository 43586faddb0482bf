package jobfile

import (
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
)

// callFinder records adaptor calls found inside an argument expression.
type callFinder struct {
	depth int
	found []found
}

type found struct {
	name  string
	depth int
	rng   hcl.Range
}

func (w *callFinder) Enter(n hclsyntax.Node) hcl.Diagnostics {
	if fc, ok := n.(*hclsyntax.FunctionCallExpr); ok && strings.Contains(fc.Name, "::") {
		w.depth++
		w.found = append(w.found, found{name: fc.Name, depth: w.depth, rng: fc.NameRange})
	}
	return nil
}

func (w *callFinder) Exit(n hclsyntax.Node) hcl.Diagnostics {
	if fc, ok := n.(*hclsyntax.FunctionCallExpr); ok && strings.Contains(fc.Name, "::") {
		w.depth--
	}
	return nil
}

// nested reports adaptor calls used as argument values. Operations can
// only be declared as the do of a step, so each one found is an error.
func (p *parser) nested(expr hclsyntax.Expression, step, path string) bool {
	w := &callFinder{}
	hclsyntax.Walk(expr, w)
	for _, f := range w.found {
		p.fail(f.rng, &pipeline.NestedOperationError{
			Step:   step,
			Path:   path,
			Depth:  f.depth,
			Reason: f.name + " must be its own step",
		})
	}
	return len(w.found) > 0
}
