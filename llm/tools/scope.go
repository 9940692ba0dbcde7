package tools

import (
	"sort"

	"github.com/BaSui01/convoflow/types"
)

// limited is implemented by registries that carry per-tool limits.
type limited interface {
	allow(name string) bool
	metadata(name string) ToolMetadata
}

// scopedRegistry exposes only the named tools of an underlying registry.
type scopedRegistry struct {
	base    Registry
	allowed map[string]bool
}

// Scope restricts reg to names. Limits configured on the underlying
// registry still apply.
func Scope(reg Registry, names []string) Registry {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return &scopedRegistry{base: reg, allowed: allowed}
}

func (s *scopedRegistry) Get(name string) (Tool, bool) {
	if !s.allowed[name] {
		return nil, false
	}
	return s.base.Get(name)
}

func (s *scopedRegistry) Names() []string {
	var out []string
	for _, n := range s.base.Names() {
		if s.allowed[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (s *scopedRegistry) allow(name string) bool {
	if l, ok := s.base.(limited); ok {
		return l.allow(name)
	}
	return true
}

func (s *scopedRegistry) metadata(name string) ToolMetadata {
	if l, ok := s.base.(limited); ok {
		return l.metadata(name)
	}
	return ToolMetadata{}
}

// Scoped returns a copy of the executor that only dispatches to names.
func (e *Executor) Scoped(names []string) *Executor {
	c := *e
	c.registry = Scope(e.registry, names)
	return &c
}

// Schemas returns the schemas of every tool in reg, sorted by name.
func Schemas(reg Registry) []types.ToolSchema {
	names := reg.Names()
	out := make([]types.ToolSchema, 0, len(names))
	for _, n := range names {
		if t, ok := reg.Get(n); ok {
			out = append(out, t.Schema())
		}
	}
	return out
}
