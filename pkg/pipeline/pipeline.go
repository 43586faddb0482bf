// Package pipeline declares and executes ordered operation pipelines.
//
// A pipeline is built in a declaration phase with New and Add, then run by
// an Engine. Running seals it: from then on nothing can be added, so every
// operation is known before the first one starts.
package pipeline

import (
	"fmt"
	"sync"
)

// Pipeline is an ordered list of steps.
type Pipeline struct {
	Name string

	mu         sync.Mutex
	steps      []*Step
	sealed     bool
	violations []error
}

// New returns an empty, unsealed pipeline.
func New(name string) *Pipeline {
	return &Pipeline{Name: name}
}

// Add appends op as a step named after the operation. Names are made
// unique by suffixing "#n".
func (p *Pipeline) Add(op *Operation) *Step {
	name := "step"
	if op != nil && op.Name != "" {
		name = op.Name
	}
	return p.add(name, op, true)
}

// AddNamed appends op under an explicit step name.
func (p *Pipeline) AddNamed(name string, op *Operation) *Step {
	return p.add(name, op, false)
}

func (p *Pipeline) add(name string, op *Operation, dedupe bool) *Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dedupe {
		name = p.uniqueName(name)
	}
	if p.sealed {
		p.violations = append(p.violations, &NestedOperationError{
			Step:   name,
			Reason: fmt.Sprintf("registered while pipeline %q is executing", p.Name),
		})
		return &Step{Name: name, Op: op}
	}
	s := &Step{Name: name, Op: op, owner: p}
	p.steps = append(p.steps, s)
	return s
}

func (p *Pipeline) uniqueName(name string) string {
	taken := func(n string) bool {
		for _, s := range p.steps {
			if s.Name == n {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for i := 2; ; i++ {
		n := fmt.Sprintf("%s#%d", name, i)
		if !taken(n) {
			return n
		}
	}
}

// Steps returns the declared steps in order.
func (p *Pipeline) Steps() []*Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}

// Seal freezes the pipeline and every each sub-pipeline it owns.
func (p *Pipeline) Seal() {
	p.seal(map[*Pipeline]bool{})
}

func (p *Pipeline) seal(seen map[*Pipeline]bool) {
	if seen[p] {
		return
	}
	seen[p] = true
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
	for _, sub := range p.subs() {
		sub.seal(seen)
	}
}

// subs returns the each sub-pipelines owned by steps and their handlers.
func (p *Pipeline) subs() []*Pipeline {
	var out []*Pipeline
	for _, s := range p.Steps() {
		if sub := s.Op.Sub(); sub != nil {
			out = append(out, sub)
		}
		for _, h := range s.Chain {
			if sub := h.Op.Sub(); sub != nil {
				out = append(out, sub)
			}
		}
	}
	return out
}

// Sealed reports whether the pipeline has started executing.
func (p *Pipeline) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sealed
}

// Violations returns registrations rejected because the pipeline was
// sealed, including those made against its sub-pipelines.
func (p *Pipeline) Violations() []error {
	return p.collectViolations(map[*Pipeline]bool{})
}

func (p *Pipeline) collectViolations(seen map[*Pipeline]bool) []error {
	if seen[p] {
		return nil
	}
	seen[p] = true
	p.mu.Lock()
	out := append([]error(nil), p.violations...)
	p.mu.Unlock()
	for _, sub := range p.subs() {
		out = append(out, sub.collectViolations(seen)...)
	}
	return out
}

// guard reports whether the pipeline may still be modified, recording a
// violation when it may not. A nil pipeline is a detached step.
func (p *Pipeline) guard(step, what string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sealed {
		return true
	}
	p.violations = append(p.violations, &NestedOperationError{
		Step:   step,
		Reason: fmt.Sprintf("%s while pipeline %q is executing", what, p.Name),
	})
	return false
}
