package routing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/types"
)

// FormTeam asks the model for the smallest team able to handle request and
// a staged plan for the conversation.
func (p *Pipeline) FormTeam(ctx context.Context, request string, conv *conversation.Conversation) (*Team, error) {
	ctx, span := p.tracer.Start(ctx, "routing.form_team", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
	))
	defer span.End()

	summary := conversation.Summary(conv, p.cfg.SummaryEvents, p.project.Agents.DisplayName)
	messages := []types.Message{
		types.NewSystemMessage(teamSystemPrompt),
		types.NewUserMessage(teamUserPrompt(request, summary, p.project.Agents.All())),
	}

	var resp teamResponse
	attempts, err := p.requestJSON(ctx, "form_team", messages, func(raw string) error {
		resp = teamResponse{}
		if _, err := decodeResponse(raw, &resp); err != nil {
			return err
		}
		if strings.TrimSpace(resp.Team.Lead) == "" {
			return formatErrorf(`"team.lead" is missing`)
		}
		if resp.ConversationPlan == nil {
			return formatErrorf(`"conversationPlan" is missing`)
		}
		return nil
	})
	if err == nil {
		var team *Team
		team, err = p.buildTeam(&resp)
		if err == nil {
			team.Attempts = attempts
			span.SetAttributes(attribute.Int("routing.team_size", len(team.Members)), attribute.Int("routing.attempts", attempts))
			return team, nil
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// buildTeam applies the business rules to a decoded proposal: every name
// must resolve, the lead is always a member, and every stage needs at least
// one participant from the team.
func (p *Pipeline) buildTeam(resp *teamResponse) (*Team, error) {
	lead, err := p.resolve(resp.Team.Lead)
	if err != nil {
		return nil, err
	}
	members, err := p.resolveAll(resp.Team.Members)
	if err != nil {
		return nil, err
	}
	team := &Team{Lead: lead, Members: members, Reasoning: resp.Reasoning}
	if !team.HasMember(lead.PubKey) {
		p.logger.Debug("lead missing from team members, adding it", zap.String("lead", lead.Name))
		team.Members = append([]*types.Agent{lead}, members...)
	}

	if resp.ConversationPlan == nil || len(resp.ConversationPlan.Stages) == 0 {
		return nil, types.NewValidationError("team plan has no stages")
	}
	for i, st := range resp.ConversationPlan.Stages {
		participants, err := p.resolveAll(st.Participants)
		if err != nil {
			return nil, err
		}
		var first *types.Agent
		for _, a := range participants {
			if team.HasMember(a.PubKey) {
				first = a
				break
			}
		}
		if first == nil {
			return nil, types.NewValidationError("stage %d has no participant from the team", i+1)
		}
		speaker := first.Name
		if st.PrimarySpeaker != "" {
			a, err := p.resolve(st.PrimarySpeaker)
			if err != nil {
				return nil, err
			}
			speaker = a.Name
		}
		team.Plan.Stages = append(team.Plan.Stages, PlanStage{
			Participants:       agentNames(participants),
			Purpose:            st.Purpose,
			ExpectedOutcome:    st.ExpectedOutcome,
			TransitionCriteria: st.TransitionCriteria,
			PrimarySpeaker:     speaker,
		})
	}
	return team, nil
}

// Speaker returns the agent that opens the first stage, or the lead.
func (t *Team) Speaker() *types.Agent {
	if len(t.Plan.Stages) > 0 {
		name := t.Plan.Stages[0].PrimarySpeaker
		for _, m := range t.Members {
			if strings.EqualFold(m.Name, name) {
				return m
			}
		}
	}
	return t.Lead
}
