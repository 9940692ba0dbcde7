package types

import "strings"

// LLMRef names the LLM configuration an agent uses.
type LLMRef struct {
	Provider    string  `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Agent is an identity-bearing participant in a conversation. Agents are
// loaded once at startup and never mutated during a run.
type Agent struct {
	PubKey         string   `json:"pubkey" yaml:"pubkey"`
	Name           string   `json:"name" yaml:"name"`
	Role           string   `json:"role" yaml:"role"`
	Expertise      string   `json:"expertise,omitempty" yaml:"expertise,omitempty"`
	Instructions   string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Tools          []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	LLM            LLMRef   `json:"llm" yaml:"llm"`
	IsOrchestrator bool     `json:"is_orchestrator,omitempty" yaml:"is_orchestrator,omitempty"`
}

// HasTool reports whether name is part of the agent's capability set.
func (a *Agent) HasTool(name string) bool {
	for _, t := range a.Tools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Slug returns the lower-case name used in prompts and routing output.
func (a *Agent) Slug() string {
	return strings.ToLower(strings.TrimSpace(a.Name))
}
