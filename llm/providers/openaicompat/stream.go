package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/types"
)

// round is what one SSE response accumulated.
type round struct {
	text   strings.Builder
	calls  map[int]*providers.OpenAICompatToolCall
	model  string
	finish string
	usage  *llm.Usage
}

func (r *round) toolCalls() []providers.OpenAICompatToolCall {
	if len(r.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(r.calls))
	for i := range r.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]providers.OpenAICompatToolCall, 0, len(idx))
	for _, i := range idx {
		c := *r.calls[i]
		c.Index = nil
		c.Type = "function"
		if strings.TrimSpace(c.Function.Arguments) == "" {
			c.Function.Arguments = "{}"
		}
		out = append(out, c)
	}
	return out
}

// run drives the stream to completion, executing native tool calls between
// rounds. It owns body and closes ch.
func (p *Provider) run(ctx context.Context, req *llm.StreamRequest, messages []providers.OpenAICompatMessage,
	body io.ReadCloser, ch chan<- llm.StreamEvent) {
	defer close(ch)
	send := func(ev llm.StreamEvent) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- ev:
			return true
		}
	}

	var (
		total    llm.Usage
		sawUsage bool
		model    string
		finish   string
	)
	maxRounds := p.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = providers.DefaultConfig().MaxToolRounds
	}

	for n := 1; ; n++ {
		r, err := p.readRound(ctx, body, send)
		drain(body)
		if err != nil {
			if ctx.Err() == nil {
				send(llm.StreamError{Err: types.NewTransportError("stream interrupted", err).WithProvider(p.Name())})
			}
			return
		}
		if r == nil {
			return
		}
		if r.usage != nil {
			total.Add(*r.usage)
			sawUsage = true
		}
		if r.model != "" {
			model = r.model
		}
		finish = r.finish

		calls := r.toolCalls()
		if len(calls) == 0 || req.Invoker == nil {
			break
		}

		messages = append(messages, providers.OpenAICompatMessage{
			Role:      string(types.RoleAssistant),
			Content:   r.text.String(),
			ToolCalls: calls,
		})
		terminal := false
		for _, c := range calls {
			args := json.RawMessage(c.Function.Arguments)
			if !send(llm.ToolStart{CallID: c.ID, Name: c.Function.Name, Args: args}) {
				return
			}
			payload := req.Invoker.Invoke(ctx, types.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: args})
			if !send(llm.ToolComplete{CallID: c.ID, Name: c.Function.Name, Payload: payload}) {
				return
			}
			messages = append(messages, providers.OpenAICompatMessage{
				Role:       string(types.RoleTool),
				Content:    string(payload),
				ToolCallID: c.ID,
			})
			terminal = terminal || endsTurn(payload)
		}
		if terminal {
			break
		}
		if n >= maxRounds {
			p.logger.Warn("tool round limit reached",
				zap.String("conversation_id", req.Metadata.ConversationID),
				zap.Int("rounds", n))
			break
		}

		resp, err := p.post(ctx, p.streamBody(req, messages))
		if err != nil {
			if ctx.Err() == nil {
				send(llm.StreamError{Err: err})
			}
			return
		}
		body = resp.Body
	}

	done := llm.Done{Model: model, FinishReason: finish}
	if sawUsage {
		done.Usage = &total
	}
	send(done)
}

// readRound parses one SSE body, forwarding text deltas as they arrive. It
// returns nil when the consumer went away.
func (p *Provider) readRound(ctx context.Context, body io.Reader, send func(llm.StreamEvent) bool) (*round, error) {
	r := &round{calls: make(map[int]*providers.OpenAICompatToolCall)}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return r, nil
		}

		var chunk providers.OpenAICompatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, err
		}
		if chunk.Model != "" {
			r.model = chunk.Model
		}
		if u := providers.ToUsage(chunk.Usage); u != nil {
			r.usage = u
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				r.finish = choice.FinishReason
			}
			if choice.Delta == nil {
				continue
			}
			if text := choice.Delta.Content; text != "" {
				r.text.WriteString(text)
				if !send(llm.ContentDelta{Text: text}) {
					return nil, nil
				}
			}
			for i, tc := range choice.Delta.ToolCalls {
				r.merge(i, tc)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// some gateways close without [DONE]
	return r, ctx.Err()
}

// merge folds a tool-call fragment into the call it belongs to.
func (r *round) merge(pos int, frag providers.OpenAICompatToolCall) {
	idx := pos
	if frag.Index != nil {
		idx = *frag.Index
	}
	c, ok := r.calls[idx]
	if !ok {
		c = &providers.OpenAICompatToolCall{}
		r.calls[idx] = c
	}
	if frag.ID != "" {
		c.ID = frag.ID
	}
	if frag.Function.Name != "" {
		c.Function.Name = frag.Function.Name
	}
	c.Function.Arguments += frag.Function.Arguments
}

// endsTurn reports whether a tool result carries a turn termination.
func endsTurn(payload json.RawMessage) bool {
	var peek struct {
		Termination json.RawMessage `json:"termination"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return false
	}
	t := strings.TrimSpace(string(peek.Termination))
	return t != "" && t != "null"
}
