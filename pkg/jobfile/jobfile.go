// Package jobfile reads HCL job files into pipelines.
//
// A job file is a list of step and each blocks run in source order. Each
// step's do attribute is one call to an adaptor function:
//
//	step "fetch" {
//	  do = http::get("/patients", { query = { since = try(state.cursor, null) } })
//	  catch { do = common::append("errors", error) }
//	}
//
// Reading a State key that does not exist is an error, so optional keys
// such as a cursor absent on the first run are read through try().
//
// Arguments that reference no variables are evaluated while parsing.
// Everything else is kept as an Expr and evaluated against the State
// when the step runs.
package jobfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/ravi-parthasarathy/baton/pkg/adaptor"
	"github.com/ravi-parthasarathy/baton/pkg/adaptors/common"
	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
)

// Job is a parsed job file.
type Job struct {
	Name     string
	Adaptors []string
	Pipeline *pipeline.Pipeline
}

// ParseFile reads and parses the job file at path.
func ParseFile(path string, reg *adaptor.Registry) (*Job, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return Parse(src, path, reg)
}

// Parse parses job file source. Syntax and schema problems are returned
// as hcl.Diagnostics; nesting and write-target violations keep their
// types and are reachable with errors.As.
func Parse(src []byte, filename string, reg *adaptor.Registry) (*Job, error) {
	if reg == nil {
		return nil, fmt.Errorf("adaptor registry must not be nil")
	}
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected body type %T", filename, file.Body)
	}

	p := &parser{
		src:     src,
		reg:     reg,
		allowed: map[string]bool{common.Name: true},
		static:  staticContext(),
	}
	job := &Job{Name: strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))}

	p.checkSchema(body, "job file", []string{"name", "adaptors"}, []string{"step", "each"})
	if attr, ok := body.Attributes["name"]; ok {
		if s, ok := p.staticString(attr.Expr, "name"); ok && s != "" {
			job.Name = s
		}
	}
	if attr, ok := body.Attributes["adaptors"]; ok {
		job.Adaptors = p.adaptors(attr)
	}

	job.Pipeline = pipeline.New(job.Name)
	p.steps(body, job.Pipeline, "")

	if err := p.err(); err != nil {
		return nil, err
	}
	return job, nil
}

type parser struct {
	src     []byte
	reg     *adaptor.Registry
	allowed map[string]bool
	static  *hcl.EvalContext
	diags   hcl.Diagnostics
	errs    []error
}

func (p *parser) err() error {
	if len(p.errs) == 0 && !p.diags.HasErrors() {
		return nil
	}
	errs := append([]error{}, p.errs...)
	if p.diags.HasErrors() {
		errs = append(errs, p.diags)
	}
	return errors.Join(errs...)
}

func (p *parser) errorf(rng hcl.Range, summary, format string, args ...any) {
	r := rng
	p.diags = append(p.diags, &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   fmt.Sprintf(format, args...),
		Subject:  &r,
	})
}

// fail records a typed error with its source position.
func (p *parser) fail(rng hcl.Range, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", rng, err))
}

func (p *parser) checkSchema(body *hclsyntax.Body, where string, attrs, blocks []string) {
	for name, attr := range body.Attributes {
		if !contains(attrs, name) {
			p.errorf(attr.NameRange, "Unsupported argument", "An argument named %q is not expected in %s.", name, where)
		}
	}
	for _, b := range body.Blocks {
		if !contains(blocks, b.Type) {
			p.errorf(b.TypeRange, "Unsupported block type", "Blocks of type %q are not expected in %s.", b.Type, where)
		}
	}
}

func (p *parser) adaptors(attr *hclsyntax.Attribute) []string {
	v, diags := attr.Expr.Value(p.static)
	if diags.HasErrors() {
		p.diags = append(p.diags, diags...)
		return nil
	}
	native, err := fromCty(v)
	list, ok := native.([]any)
	if err != nil || !ok {
		p.errorf(attr.Expr.Range(), "Invalid adaptors", "adaptors must be a list of strings such as [\"http@^1.0\"].")
		return nil
	}
	refs := make([]string, 0, len(list))
	for _, e := range list {
		ref, ok := e.(string)
		if !ok {
			p.errorf(attr.Expr.Range(), "Invalid adaptors", "adaptors must be a list of strings, got %T.", e)
			continue
		}
		a, err := p.reg.Require(ref)
		if err != nil {
			p.errorf(attr.Expr.Range(), "Unavailable adaptor", "%s.", err)
			continue
		}
		p.allowed[a.Name] = true
		refs = append(refs, ref)
	}
	return refs
}

// steps adds the step and each blocks of body to pl in source order.
func (p *parser) steps(body *hclsyntax.Body, pl *pipeline.Pipeline, prefix string) {
	seen := map[string]bool{}
	for _, b := range body.Blocks {
		if b.Type != "step" && b.Type != "each" {
			continue
		}
		if len(b.Labels) != 1 || b.Labels[0] == "" {
			p.errorf(b.DefRange(), "Missing name", "A %s block needs exactly one name label.", b.Type)
			continue
		}
		name := b.Labels[0]
		if seen[name] {
			p.errorf(b.LabelRanges[0], "Duplicate step", "A step named %q is already declared in this block.", name)
			continue
		}
		seen[name] = true

		var op *pipeline.Operation
		if b.Type == "step" {
			op = p.step(b, qualified(prefix, name))
		} else {
			op = p.each(b, qualified(prefix, name))
		}
		if op == nil {
			continue
		}
		s := pl.AddNamed(name, op)
		p.chain(b.Body, s, qualified(prefix, name))
	}
}

func (p *parser) step(b *hclsyntax.Block, name string) *pipeline.Operation {
	p.checkSchema(b.Body, fmt.Sprintf("step %q", name), []string{"do"}, []string{"retry", "then", "catch"})
	attr, ok := b.Body.Attributes["do"]
	if !ok {
		p.errorf(b.Body.MissingItemRange(), "Missing do", "step %q needs a do argument.", name)
		return nil
	}
	return p.call(attr.Expr, name)
}

func (p *parser) each(b *hclsyntax.Block, name string) *pipeline.Operation {
	p.checkSchema(b.Body, fmt.Sprintf("each %q", name), []string{"items", "isolate"}, []string{"step", "each", "retry", "then", "catch"})
	attr, ok := b.Body.Attributes["items"]
	if !ok {
		p.errorf(b.Body.MissingItemRange(), "Missing items", "each %q needs an items argument.", name)
		return nil
	}
	if p.nested(attr.Expr, name, "items") {
		return nil
	}
	var opts []pipeline.EachOption
	if iso, ok := b.Body.Attributes["isolate"]; ok {
		v, diags := iso.Expr.Value(p.static)
		switch {
		case diags.HasErrors():
			p.diags = append(p.diags, diags...)
		case v.Type() != cty.Bool || v.IsNull():
			p.errorf(iso.Expr.Range(), "Invalid isolate", "isolate must be true or false.")
		case v.True():
			opts = append(opts, pipeline.Isolate())
		}
	}
	sub := pipeline.New(name)
	p.steps(b.Body, sub, name)
	return pipeline.Each(p.arg(attr.Expr), sub, opts...)
}

// chain attaches retry, then and catch blocks in source order. Handler
// labels count then and catch blocks only, matching the chain index the
// engine reports.
func (p *parser) chain(body *hclsyntax.Body, s *pipeline.Step, name string) {
	retries, handlers := 0, 0
	for _, b := range body.Blocks {
		switch b.Type {
		case "retry":
			if retries++; retries > 1 {
				p.errorf(b.TypeRange, "Duplicate retry", "step %q declares more than one retry block.", name)
				continue
			}
			p.retry(b, s, name)
		case "then", "catch":
			label := fmt.Sprintf("%s.%s[%d]", name, b.Type, handlers)
			handlers++
			p.checkSchema(b.Body, label, []string{"do"}, nil)
			attr, ok := b.Body.Attributes["do"]
			if !ok {
				p.errorf(b.Body.MissingItemRange(), "Missing do", "%s block needs a do argument.", b.Type)
				continue
			}
			op := p.call(attr.Expr, label)
			if op == nil {
				continue
			}
			if b.Type == "then" {
				s.ThenOp(op)
			} else {
				s.CatchOp(op)
			}
		}
	}
}

func (p *parser) retry(b *hclsyntax.Block, s *pipeline.Step, name string) {
	p.checkSchema(b.Body, fmt.Sprintf("retry of %q", name), []string{"attempts", "delay"}, nil)
	attempts := 1
	if attr, ok := b.Body.Attributes["attempts"]; ok {
		v, ok := p.staticValue(attr.Expr)
		if !ok {
			return
		}
		n, err := adaptor.Int(v, "attempts")
		if err != nil || n < 1 {
			p.errorf(attr.Expr.Range(), "Invalid attempts", "attempts must be a whole number of at least 1.")
			return
		}
		attempts = n
	}
	var delay any = "0s"
	if attr, ok := b.Body.Attributes["delay"]; ok {
		v, ok := p.staticValue(attr.Expr)
		if !ok {
			return
		}
		delay = v
	}
	d, err := adaptor.Duration(delay, "delay")
	if err != nil || d < 0 {
		p.errorf(b.DefRange(), "Invalid delay", "delay must be a non-negative duration such as \"1s\".")
		return
	}
	s.WithRetry(uint(attempts), d)
}

// call builds the operation for a do expression.
func (p *parser) call(expr hclsyntax.Expression, name string) *pipeline.Operation {
	fc, ok := expr.(*hclsyntax.FunctionCallExpr)
	if !ok {
		p.errorf(expr.Range(), "Invalid operation", "do must be a single adaptor call such as common::set(\"key\", value).")
		return nil
	}
	ns, fn, ok := strings.Cut(fc.Name, "::")
	if !ok || strings.Contains(fn, "::") {
		p.errorf(fc.NameRange, "Invalid operation", "%q is not an adaptor function; use namespace::function.", fc.Name)
		return nil
	}
	if !p.allowed[ns] {
		p.errorf(fc.NameRange, "Undeclared adaptor", "adaptor %q is not listed in adaptors.", ns)
		return nil
	}
	if fc.ExpandFinal {
		p.errorf(fc.CloseParenRange, "Unsupported expansion", "argument expansion with ... is not supported in operation calls.")
		return nil
	}

	args := make([]any, len(fc.Args))
	nested := false
	for i, a := range fc.Args {
		if p.nested(a, name, fmt.Sprintf("%s.args[%d]", fc.Name, i)) {
			nested = true
			continue
		}
		args[i] = p.arg(a)
	}
	if nested {
		return nil
	}

	op, err := p.reg.Call(ns, fn, args...)
	if err != nil {
		p.fail(fc.Range(), fmt.Errorf("step %q: %w", name, err))
		return nil
	}
	return op
}

// arg turns an argument expression into a plain value or an Expr.
// Object and tuple constructors are split so that only their dynamic
// parts are deferred.
func (p *parser) arg(expr hclsyntax.Expression) any {
	switch e := expr.(type) {
	case *hclsyntax.ParenthesesExpr:
		return p.arg(e.Expression)
	case *hclsyntax.ObjectConsExpr:
		out := make(map[string]any, len(e.Items))
		for _, item := range e.Items {
			k, diags := item.KeyExpr.Value(nil)
			if diags.HasErrors() || !k.IsKnown() || k.IsNull() || k.Type() != cty.String {
				p.errorf(item.KeyExpr.Range(), "Invalid object key", "object keys in operation arguments must be literal names or strings.")
				continue
			}
			out[k.AsString()] = p.arg(item.ValueExpr)
		}
		return out
	case *hclsyntax.TupleConsExpr:
		out := make([]any, len(e.Exprs))
		for i, item := range e.Exprs {
			out[i] = p.arg(item)
		}
		return out
	}
	if !isStatic(expr) {
		return &Expr{expr: expr, src: string(expr.Range().SliceBytes(p.src))}
	}
	v, ok := p.staticValue(expr)
	if !ok {
		return nil
	}
	return v
}

func (p *parser) staticValue(expr hclsyntax.Expression) (any, bool) {
	if !isStatic(expr) {
		p.errorf(expr.Range(), "Dynamic value", "this value must not reference variables or call jq.")
		return nil, false
	}
	v, diags := expr.Value(p.static)
	if diags.HasErrors() {
		p.diags = append(p.diags, diags...)
		return nil, false
	}
	n, err := fromCty(v)
	if err != nil {
		p.errorf(expr.Range(), "Invalid value", "%s.", err)
		return nil, false
	}
	return n, true
}

func (p *parser) staticString(expr hclsyntax.Expression, what string) (string, bool) {
	v, ok := p.staticValue(expr)
	if !ok {
		return "", false
	}
	s, isString := v.(string)
	if !isString {
		p.errorf(expr.Range(), "Invalid "+what, "%s must be a string.", what)
		return "", false
	}
	return s, true
}

// isStatic reports whether expr can be evaluated while parsing.
func isStatic(expr hclsyntax.Expression) bool {
	if len(expr.Variables()) > 0 {
		return false
	}
	static := true
	hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		if fc, ok := n.(*hclsyntax.FunctionCallExpr); ok && fc.Name == "jq" {
			static = false
		}
		return nil
	})
	return static
}

func qualified(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
