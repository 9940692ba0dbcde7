// Package project holds the per-run project context: identity, signer,
// working directory and the agent registry. It is built once at startup
// and passed to the components that need it.
package project

import (
	"fmt"
	"strings"
	"sync"
)

// Project is the explicit context shared by routing, agent turns and the
// orchestrator.
type Project struct {
	// Identity is the project's addressable id on the event network
	// (e.g. "31933:<pubkey>:<d-tag>").
	Identity string
	// Title is the human-readable project name.
	Title string
	// SignerPubKey is the key outbound events are published under.
	SignerPubKey string
	// WorkingDir is passed to tools as their working directory.
	WorkingDir string
	// Agents is immutable for the lifetime of a run.
	Agents *Registry

	mu       sync.RWMutex
	metadata map[string]string
}

// New creates a project context.
func New(identity, signerPubKey, workingDir string, agents *Registry) (*Project, error) {
	if agents == nil || agents.Len() == 0 {
		return nil, fmt.Errorf("project %s: no agents configured", identity)
	}
	return &Project{
		Identity:     identity,
		SignerPubKey: signerPubKey,
		WorkingDir:   workingDir,
		Agents:       agents,
		metadata:     make(map[string]string),
	}, nil
}

// ApplyMetadata records a project metadata update (title, description,
// repository...). Unknown keys are kept as-is.
func (p *Project) ApplyMetadata(values map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.metadata == nil {
		p.metadata = make(map[string]string)
	}
	for k, v := range values {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "title" {
			p.Title = v
		}
		p.metadata[k] = v
	}
}

// Metadata returns a copy of the project metadata.
func (p *Project) Metadata() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}

// Name returns the title, falling back to the identity.
func (p *Project) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Title != "" {
		return p.Title
	}
	return p.Identity
}

// Owner returns the pubkey segment of an addressable identity
// ("<kind>:<pubkey>:<d-tag>"), or "".
func (p *Project) Owner() string {
	parts := strings.SplitN(p.Identity, ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
