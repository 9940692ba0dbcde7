package project

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/convoflow/types"
)

// Registry is the immutable set of agents available to a project.
type Registry struct {
	agents       []*types.Agent
	byPubKey     map[string]*types.Agent
	byName       map[string]*types.Agent
	orchestrator *types.Agent
}

type registryFile struct {
	Agents []*types.Agent `yaml:"agents"`
}

// LoadRegistry reads a YAML agent definition file:
//
//	agents:
//	  - name: orchestrator
//	    pubkey: 5f...
//	    role: Routes work between specialists
//	    is_orchestrator: true
//	    llm: {model: claude-sonnet-4}
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}
	return NewRegistry(f.Agents...)
}

// NewRegistry validates and indexes agents. Names and pubkeys must be unique
// and at most one agent may be the orchestrator.
func NewRegistry(agents ...*types.Agent) (*Registry, error) {
	r := &Registry{
		byPubKey: make(map[string]*types.Agent, len(agents)),
		byName:   make(map[string]*types.Agent, len(agents)),
	}
	for _, a := range agents {
		if a == nil {
			continue
		}
		if a.PubKey == "" || strings.TrimSpace(a.Name) == "" {
			return nil, types.NewValidationError("agent %q: name and pubkey are required", a.Name)
		}
		if _, dup := r.byPubKey[a.PubKey]; dup {
			return nil, types.NewValidationError("duplicate agent pubkey %s", a.PubKey)
		}
		if _, dup := r.byName[a.Slug()]; dup {
			return nil, types.NewValidationError("duplicate agent name %q", a.Name)
		}
		if a.IsOrchestrator {
			if r.orchestrator != nil {
				return nil, types.NewValidationError("more than one orchestrator: %s, %s", r.orchestrator.Name, a.Name)
			}
			r.orchestrator = a
		}
		r.agents = append(r.agents, a)
		r.byPubKey[a.PubKey] = a
		r.byName[a.Slug()] = a
	}
	return r, nil
}

// Len returns the number of agents.
func (r *Registry) Len() int { return len(r.agents) }

// All returns the agents in definition order.
func (r *Registry) All() []*types.Agent {
	return append([]*types.Agent(nil), r.agents...)
}

// ByPubKey looks an agent up by identity.
func (r *Registry) ByPubKey(pubkey string) (*types.Agent, bool) {
	a, ok := r.byPubKey[pubkey]
	return a, ok
}

// ByName looks an agent up by name, case-insensitively.
func (r *Registry) ByName(name string) (*types.Agent, bool) {
	a, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Resolve accepts a pubkey or a name, with or without a leading "@".
func (r *Registry) Resolve(ref string) (*types.Agent, bool) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if a, ok := r.ByPubKey(ref); ok {
		return a, true
	}
	return r.ByName(ref)
}

// Orchestrator returns the routing lead, if one is configured.
func (r *Registry) Orchestrator() (*types.Agent, bool) {
	return r.orchestrator, r.orchestrator != nil
}

// IsAgent reports whether pubkey belongs to a registered agent.
func (r *Registry) IsAgent(pubkey string) bool {
	_, ok := r.byPubKey[pubkey]
	return ok
}

// Names returns the agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

// DisplayName maps a pubkey to an agent name.
func (r *Registry) DisplayName(pubkey string) (string, bool) {
	if a, ok := r.byPubKey[pubkey]; ok {
		return a.Name, true
	}
	return "", false
}
