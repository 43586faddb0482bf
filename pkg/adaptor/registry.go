// Package adaptor groups operation constructors into versioned namespaces.
//
// Job files call them as ns::fn(args...). The constructor runs while the
// job is parsed and returns an *pipeline.Operation whose arguments may be
// lazy; it must not touch State.
package adaptor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
)

// Func builds an operation from call arguments.
type Func func(args ...any) (*pipeline.Operation, error)

// Adaptor is a named, versioned set of operation constructors.
type Adaptor struct {
	Name        string
	Version     *semver.Version
	Description string
	Funcs       map[string]Func
}

// FuncNames returns the adaptor's function names in sorted order.
func (a *Adaptor) FuncNames() []string {
	names := make([]string, 0, len(a.Funcs))
	for n := range a.Funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry maps namespaces to adaptors.
type Registry struct {
	adaptors map[string]*Adaptor
}

// NewRegistry creates a Registry holding the given adaptors.
func NewRegistry(adaptors ...*Adaptor) (*Registry, error) {
	r := &Registry{adaptors: make(map[string]*Adaptor)}
	for _, a := range adaptors {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adaptor. Registering the same name twice is an error.
func (r *Registry) Register(a *Adaptor) error {
	if a == nil || a.Name == "" {
		return fmt.Errorf("adaptor must have a name")
	}
	if a.Version == nil {
		return fmt.Errorf("adaptor %q: missing version", a.Name)
	}
	if _, dup := r.adaptors[a.Name]; dup {
		return fmt.Errorf("adaptor %q already registered", a.Name)
	}
	r.adaptors[a.Name] = a
	return nil
}

// Get returns the adaptor registered under name.
func (r *Registry) Get(name string) (*Adaptor, error) {
	a, ok := r.adaptors[name]
	if !ok {
		return nil, fmt.Errorf("no adaptor registered for namespace %q", name)
	}
	return a, nil
}

// Require resolves a "name" or "name@constraint" reference, such as
// "http@^1.0", and checks the registered version satisfies it.
func (r *Registry) Require(ref string) (*Adaptor, error) {
	name, constraint, versioned := strings.Cut(ref, "@")
	a, err := r.Get(strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if !versioned {
		return a, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("adaptor %q: invalid version constraint %q: %w", a.Name, constraint, err)
	}
	if !c.Check(a.Version) {
		return nil, fmt.Errorf("adaptor %q: version %s does not satisfy %q", a.Name, a.Version, constraint)
	}
	return a, nil
}

// Lookup returns the constructor for ns::fn.
func (r *Registry) Lookup(ns, fn string) (Func, error) {
	a, err := r.Get(ns)
	if err != nil {
		return nil, err
	}
	f, ok := a.Funcs[fn]
	if !ok {
		return nil, fmt.Errorf("adaptor %q has no function %q", ns, fn)
	}
	return f, nil
}

// Call looks up ns::fn and builds the operation. The operation is named
// "ns::fn".
func (r *Registry) Call(ns, fn string, args ...any) (*pipeline.Operation, error) {
	f, err := r.Lookup(ns, fn)
	if err != nil {
		return nil, err
	}
	op, err := f(args...)
	if err != nil {
		return nil, fmt.Errorf("%s::%s: %w", ns, fn, err)
	}
	if op == nil {
		return nil, fmt.Errorf("%s::%s: constructor returned no operation", ns, fn)
	}
	op.Name = ns + "::" + fn
	return op, nil
}

// Names returns the registered namespaces in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adaptors))
	for n := range r.adaptors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
