package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/internal/tlsutil"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/types"
)

const endpointPath = "/v1/chat/completions"

// Provider talks to an OpenAI-compatible chat completions endpoint.
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// New creates a provider. Streaming responses are bounded by the request
// context, so cfg.Timeout applies to Completion only.
func New(cfg providers.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.DefaultConfig().Timeout
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(0),
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", cfg.Name)),
	}
}

// WithHTTPClient replaces the HTTP client (tests, proxies).
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.client = c
	return p
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) SupportsNativeFunctionCalling() bool { return p.cfg.NativeTools }

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	timeout := p.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := providers.OpenAICompatRequest{
		Model:       providers.ChooseModel(req.Model, p.cfg.Model),
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		body.ResponseFormat = &providers.OpenAICompatResponseFormat{Type: "json_object"}
	}

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, types.NewTransportError("decode completion response", err).WithProvider(p.Name())
	}
	if len(oaResp.Choices) == 0 {
		return nil, types.NewTransportError("completion response has no choices", nil).WithProvider(p.Name())
	}

	result := &llm.ChatResponse{
		ID:        oaResp.ID,
		Provider:  p.Name(),
		Model:     oaResp.Model,
		Content:   oaResp.Choices[0].Message.Content,
		CreatedAt: time.Now(),
	}
	if u := providers.ToUsage(oaResp.Usage); u != nil {
		result.Usage = *u
	}
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

// Stream starts a streaming completion. Errors before the first byte are
// returned directly; later failures arrive as a StreamError event.
func (p *Provider) Stream(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	messages := providers.ConvertMessagesToOpenAI(req.Messages)
	resp, err := p.post(ctx, p.streamBody(req, messages))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamEvent)
	go p.run(ctx, req, messages, resp.Body, ch)
	return ch, nil
}

func (p *Provider) streamBody(req *llm.StreamRequest, messages []providers.OpenAICompatMessage) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:         providers.ChooseModel(req.Model, p.cfg.Model),
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &providers.OpenAICompatStreamOptions{IncludeUsage: true},
	}
	if p.cfg.NativeTools && req.Invoker != nil {
		body.Tools = providers.ConvertToolsToOpenAI(req.Tools)
	}
	return body
}

func (p *Provider) post(ctx context.Context, body providers.OpenAICompatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + endpointPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewTransportError("request failed", err).WithProvider(p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		p.logger.Warn("provider returned an error",
			zap.Int("status", resp.StatusCode),
			zap.String("model", body.Model),
			zap.String("message", msg))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return resp, nil
}

// drain discards and closes a body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
