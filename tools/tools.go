// Package tools holds the capabilities an agent can call: the built-in
// workspace functions, configured HTTP callers and platform toolkits, plus
// the loader that turns tool_definitions rows into a Set for one task.
package tools

import (
	"context"
	"errors"
	"sort"
)

// Tool is a callable capability exposed to the model.
//
// Execute returns the text handed back to the model. Expected failures
// (bad input, missing rows, remote errors) are reported in that text; a
// non-nil error means something unexpected happened and the caller renders
// it as an error result.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args Args) (string, error)
}

// Mutator is implemented by tools that report whether they change state
// outside the model conversation. Tools that do not implement it are
// treated as read-only.
type Mutator interface {
	Mutates() bool
}

// Mutates reports whether t changes state.
func Mutates(t Tool) bool {
	m, ok := t.(Mutator)
	return ok && m.Mutates()
}

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Set is a named collection of tools loaded for one task.
type Set struct {
	tools   map[string]Tool
	order   []string
	closers []func() error
}

// NewSet creates a set from tools. Later tools replace earlier ones with the
// same name.
func NewSet(tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool)}
	for _, t := range tools {
		s.Add(t)
	}
	return s
}

// Add registers a tool.
func (s *Set) Add(t Tool) {
	if _, exists := s.tools[t.Name()]; !exists {
		s.order = append(s.order, t.Name())
	}
	s.tools[t.Name()] = t
}

// Get returns the named tool, or nil.
func (s *Set) Get(name string) Tool {
	if s == nil {
		return nil
	}
	return s.tools[name]
}

// Has reports whether the named tool is loaded.
func (s *Set) Has(name string) bool {
	return s.Get(name) != nil
}

// Len returns the number of tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Names returns the tool names in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

// Definitions returns model-facing definitions in registration order.
func (s *Set) Definitions() []Definition {
	if s == nil {
		return nil
	}
	defs := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// ReadOnly returns a copy of the set without mutating tools. Cleanup
// registered on s moves to the copy.
func (s *Set) ReadOnly() *Set {
	out := NewSet()
	if s == nil {
		return out
	}
	for _, name := range s.order {
		if t := s.tools[name]; !Mutates(t) {
			out.Add(t)
		}
	}
	out.closers, s.closers = s.closers, nil
	return out
}

// OnClose registers cleanup for connections held by the set's tools.
func (s *Set) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases connections held by the set's tools.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
