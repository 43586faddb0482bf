package pipeline

import (
	"fmt"
	"sort"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// LintError describes a structural problem in a pipeline.
type LintError struct {
	Step    string
	Message string
	Err     error
}

func (e LintError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Step != "" && e.Err == nil {
		return fmt.Sprintf("step %q: %s", e.Step, msg)
	}
	return msg
}

func (e LintError) Unwrap() error { return e.Err }

// Validate checks a pipeline for structural correctness before any State
// flows. It returns all discovered errors, not just the first.
func Validate(p *Pipeline) []LintError {
	if p == nil {
		return []LintError{{Message: "pipeline must not be nil"}}
	}
	v := &validator{seen: map[*Pipeline]bool{}}
	v.pipeline(p, "")
	return v.errs
}

// ValidateErr calls Validate and returns nil if there are no errors, or a
// *ValidationError listing all of them. A nested operation is reachable
// with errors.As.
func ValidateErr(p *Pipeline) error {
	errs := Validate(p)
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Lint: errs}
}

type validator struct {
	seen map[*Pipeline]bool
	errs []LintError
}

func (v *validator) add(step, format string, args ...any) {
	v.errs = append(v.errs, LintError{Step: step, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) pipeline(p *Pipeline, prefix string) {
	if v.seen[p] {
		v.add(prefix, "sub-pipeline %q contains itself", p.Name)
		return
	}
	v.seen[p] = true
	defer delete(v.seen, p)

	names := map[string]bool{}
	for i, s := range p.Steps() {
		name := s.Name
		if name == "" {
			v.add(qualify(prefix, fmt.Sprintf("#%d", i)), "step name must not be empty")
			name = fmt.Sprintf("#%d", i)
		} else if names[name] {
			v.add(qualify(prefix, name), "duplicate step name")
		}
		names[name] = true
		name = qualify(prefix, name)

		v.operation(name, s.Op, "")
		for j, h := range s.Chain {
			label := fmt.Sprintf("%s[%d]", h.Kind, j)
			switch {
			case h.Op != nil:
				v.operation(name, h.Op, label+".")
			case h.Kind == OnSuccess && h.Then == nil:
				v.add(name, "%s has no function", label)
			case h.Kind == OnFailure && h.Catch == nil:
				v.add(name, "%s has no function", label)
			}
		}
		if s.Retry.Attempts > 1 && s.Retry.Delay < 0 {
			v.add(name, "retry delay must not be negative")
		}
	}
}

func (v *validator) operation(step string, op *Operation, where string) {
	if op == nil {
		v.add(step, "%soperation must not be nil", where)
		return
	}
	if op.Run == nil && op.each == nil {
		v.add(step, "%soperation %q has no run function", where, op.Name)
	}
	for i, a := range op.Args {
		path := fmt.Sprintf("%s%s.args[%d]", where, op.Name, i)
		findNested(a, path, 1, func(path string, depth int) {
			v.errs = append(v.errs, LintError{
				Step: step,
				Err: &NestedOperationError{
					Step:   step,
					Path:   path,
					Depth:  depth,
					Reason: "operations may only be declared at the top level of a pipeline",
				},
			})
		})
	}
	if sub := op.Sub(); sub != nil {
		v.pipeline(sub, step)
	}
}

// findNested reports every operation, step or pipeline value found in v.
// depth counts operation calls from the top-level step, so an operation
// passed directly as an argument is at depth 1.
func findNested(v any, path string, depth int, report func(path string, depth int)) {
	switch t := v.(type) {
	case *Operation:
		report(path, depth)
		for i, a := range t.Args {
			findNested(a, fmt.Sprintf("%s.%s.args[%d]", path, t.Name, i), depth+1, report)
		}
	case *Step, *Pipeline:
		report(path, depth)
	case state.State:
		findNested(map[string]any(t), path, depth, report)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			findNested(t[k], path+"."+k, depth, report)
		}
	case []any:
		for i, e := range t {
			findNested(e, fmt.Sprintf("%s[%d]", path, i), depth, report)
		}
	}
}

func qualify(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
