package routing

import (
	"github.com/BaSui01/convoflow/types"
)

// Stage names the pipeline stage that produced a decision.
type Stage string

const (
	StageExplicit Stage = "explicit"
	StageLLM      Stage = "llm"
)

// Decision is the outcome of routing one inbound event.
type Decision struct {
	// Destinations is never empty.
	Destinations []*types.Agent
	Phase        types.Phase
	Reason       string
	Message      string
	Stage        Stage
	// Team is set when the decision required more than one specialist.
	Team *Team
	// Metadata carries phase initializer output, keyed for
	// conversation.Manager.SetMetadata.
	Metadata map[string]string
	// Attempts is the number of model calls spent on the decision.
	Attempts int
}

// Primary returns the first destination.
func (d *Decision) Primary() *types.Agent {
	if d == nil || len(d.Destinations) == 0 {
		return nil
	}
	return d.Destinations[0]
}

// PubKeys returns the destination identities in order.
func (d *Decision) PubKeys() []string {
	out := make([]string, 0, len(d.Destinations))
	for _, a := range d.Destinations {
		out = append(out, a.PubKey)
	}
	return out
}

// Team is a validated team proposal.
type Team struct {
	Lead      *types.Agent
	Members   []*types.Agent
	Plan      Plan
	Reasoning string
	Attempts  int
}

// HasMember reports whether the agent with pubkey is on the team.
func (t *Team) HasMember(pubkey string) bool {
	for _, m := range t.Members {
		if m.PubKey == pubkey {
			return true
		}
	}
	return false
}

// Plan is the staged conversation plan of a team.
type Plan struct {
	Stages []PlanStage `json:"stages"`
}

// PlanStage is one step of a team plan. Participants are canonical agent
// names.
type PlanStage struct {
	Participants       []string `json:"participants"`
	Purpose            string   `json:"purpose"`
	ExpectedOutcome    string   `json:"expectedOutcome"`
	TransitionCriteria string   `json:"transitionCriteria"`
	PrimarySpeaker     string   `json:"primarySpeaker"`
}

// wire shapes

type decisionResponse struct {
	Phase   string          `json:"phase"`
	Agents  flexibleStrings `json:"agents"`
	Reason  string          `json:"reason"`
	Message string          `json:"message"`
}

type teamResponse struct {
	Team struct {
		Lead    string          `json:"lead"`
		Members flexibleStrings `json:"members"`
	} `json:"team"`
	ConversationPlan *struct {
		Stages []stageResponse `json:"stages"`
	} `json:"conversationPlan"`
	Reasoning string `json:"reasoning"`
}

type stageResponse struct {
	Participants       flexibleStrings `json:"participants"`
	Purpose            string          `json:"purpose"`
	ExpectedOutcome    string          `json:"expectedOutcome"`
	TransitionCriteria string          `json:"transitionCriteria"`
	PrimarySpeaker     string          `json:"primarySpeaker"`
}
