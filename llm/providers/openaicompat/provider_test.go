package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/types"
)

// recorder captures request bodies and replays scripted responses.
type recorder struct {
	mu       sync.Mutex
	bodies   []providers.OpenAICompatRequest
	replies  []func(w http.ResponseWriter)
	authSeen []string
}

func (r *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/chat/completions", req.URL.Path)
		raw, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		var body providers.OpenAICompatRequest
		require.NoError(t, json.Unmarshal(raw, &body))

		r.mu.Lock()
		n := len(r.bodies)
		r.bodies = append(r.bodies, body)
		r.authSeen = append(r.authSeen, req.Header.Get("Authorization"))
		reply := r.replies[min(n, len(r.replies)-1)]
		r.mu.Unlock()
		reply(w)
	}
}

func (r *recorder) requests() []providers.OpenAICompatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]providers.OpenAICompatRequest(nil), r.bodies...)
}

func sse(chunks ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func jsonReply(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}
}

func newTestProvider(t *testing.T, replies ...func(w http.ResponseWriter)) (*Provider, *recorder) {
	t.Helper()
	rec := &recorder{replies: replies}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)

	cfg := providers.DefaultConfig()
	cfg.Name = "test"
	cfg.BaseURL = srv.URL
	cfg.APIKey = "sk-test"
	cfg.Model = "default-model"
	return New(cfg, nil).WithHTTPClient(srv.Client()), rec
}

func collect(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var out []llm.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

type echoInvoker struct {
	mu    sync.Mutex
	calls []types.ToolCall
	reply func(call types.ToolCall) string
}

func (i *echoInvoker) Invoke(_ context.Context, call types.ToolCall) json.RawMessage {
	i.mu.Lock()
	i.calls = append(i.calls, call)
	i.mu.Unlock()
	return json.RawMessage(i.reply(call))
}

func TestCompletion(t *testing.T) {
	p, rec := newTestProvider(t, jsonReply(http.StatusOK, `{
		"id": "cmpl-1", "model": "gpt-test", "created": 1700000000,
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"agents\":[\"dev\"]}"}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
	}`))

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{types.NewUserMessage("route this")},
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"agents":["dev"]}`, resp.Content)
	assert.Equal(t, "gpt-test", resp.Model)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, int64(1700000000), resp.CreatedAt.Unix())

	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "default-model", reqs[0].Model)
	require.NotNil(t, reqs[0].ResponseFormat)
	assert.Equal(t, "json_object", reqs[0].ResponseFormat.Type)
	assert.False(t, reqs[0].Stream)
	assert.Equal(t, "Bearer sk-test", rec.authSeen[0])
}

func TestCompletion_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      types.ErrorCode
		retryable bool
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`, types.ErrQuotaExceeded, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached"}}`, types.ErrTransport, true},
		{"server error", http.StatusBadGateway, `upstream down`, types.ErrTransport, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, types.ErrTransport, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, jsonReply(tt.status, tt.body))
			_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, tt.code), "got %v", err)
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestStream_Text(t *testing.T) {
	p, rec := newTestProvider(t, sse(
		`{"model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"model":"gpt-test","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"model":"gpt-test","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	))

	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Model:    "gpt-test",
		Messages: []llm.Message{types.NewUserMessage("hi")},
		Tools:    []llm.ToolSchema{{Name: "time", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 3)
	assert.Equal(t, llm.ContentDelta{Text: "Hel"}, events[0])
	assert.Equal(t, llm.ContentDelta{Text: "lo"}, events[1])
	done, ok := events[2].(llm.Done)
	require.True(t, ok)
	assert.Equal(t, "gpt-test", done.Model)
	assert.Equal(t, "stop", done.FinishReason)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 5, done.Usage.TotalTokens)

	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Stream)
	require.NotNil(t, reqs[0].StreamOptions)
	assert.True(t, reqs[0].StreamOptions.IncludeUsage)
	// no invoker, so no tool definitions
	assert.Empty(t, reqs[0].Tools)
}

func TestStream_NativeToolRounds(t *testing.T) {
	p, rec := newTestProvider(t,
		sse(
			`{"choices":[{"index":0,"delta":{"content":"Checking."}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"time","arguments":"{\"tz\":"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"UTC\"}"}}]},"finish_reason":"tool_calls"}]}`,
		),
		sse(
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_2","type":"function","function":{"name":"complete","arguments":"{\"summary\":\"done\"}"}}]},"finish_reason":"tool_calls"}]}`,
		),
	)
	inv := &echoInvoker{reply: func(call types.ToolCall) string {
		if call.Name == "complete" {
			return `{"tool":"complete","success":true,"termination":{"type":"complete","summary":"done"}}`
		}
		return `{"tool":"time","success":true,"output":"12:00"}`
	}}

	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Model:    "gpt-test",
		Messages: []llm.Message{types.NewUserMessage("what time is it?")},
		Tools:    []llm.ToolSchema{{Name: "time"}, {Name: "complete"}},
		Invoker:  inv,
	})
	require.NoError(t, err)
	events := collect(t, ch)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, llm.DescribeEvent(ev))
	}
	assert.Equal(t, []string{
		"content(9)",
		"tool_start:time", "tool_complete:time",
		"tool_start:complete", "tool_complete:complete",
		"done",
	}, kinds)

	start := events[1].(llm.ToolStart)
	assert.Equal(t, "call_1", start.CallID)
	assert.JSONEq(t, `{"tz":"UTC"}`, string(start.Args))

	require.Len(t, inv.calls, 2)
	// the termination ended the loop: two requests, not three
	reqs := rec.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	assert.Equal(t, "Checking.", second[1].Content)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, `{"tz":"UTC"}`, second[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Contains(t, second[2].Content, "12:00")
}

func TestStream_ConnectError(t *testing.T) {
	p, _ := newTestProvider(t, jsonReply(http.StatusBadRequest, `{"error":{"message":"Your credit balance is too low"}}`))
	_, err := p.Stream(context.Background(), &llm.StreamRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrQuotaExceeded))
}

func TestStream_MalformedChunk(t *testing.T) {
	p, _ := newTestProvider(t, sse(`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`, `{not json`))
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{Model: "m"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	se, ok := events[1].(llm.StreamError)
	require.True(t, ok)
	assert.True(t, types.IsErrorCode(se, types.ErrTransport))
}

func TestRetryableProvider(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	t.Cleanup(srv.Close)

	cfg := providers.DefaultConfig()
	cfg.BaseURL = srv.URL
	inner := New(cfg, nil).WithHTTPClient(srv.Client())
	p := providers.NewRetryableProvider(inner, providers.RetryConfig{MaxRetries: 3, BackoffFactor: 1}, nil)

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, attempts)
}

func TestRetryableProvider_QuotaNotRetried(t *testing.T) {
	p, rec := newTestProvider(t, jsonReply(http.StatusTooManyRequests, `{"error":{"message":"quota exceeded"}}`))
	r := providers.NewRetryableProvider(p, providers.RetryConfig{MaxRetries: 3}, nil)

	_, err := r.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrQuotaExceeded))
	assert.Len(t, rec.requests(), 1)
	assert.False(t, strings.Contains(err.Error(), "retries"))
}
