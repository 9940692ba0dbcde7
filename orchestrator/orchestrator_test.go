package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/dedup"
	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/routing"
	"github.com/BaSui01/convoflow/testutil/mocks"
	"github.com/BaSui01/convoflow/types"
)

func testAgent(name, pubkey, role string, orchestrator bool) *types.Agent {
	return &types.Agent{
		Name:           name,
		PubKey:         pubkey,
		Role:           role,
		IsOrchestrator: orchestrator,
		LLM:            types.LLMRef{Model: "mock-model"},
	}
}

var (
	orcAgent  = testAgent("Orchestrator", "pk-orc", "routes work", true)
	architect = testAgent("Architect", "pk-arch", "designs systems", false)
	developer = testAgent("Developer", "pk-dev", "writes code", false)
)

type harness struct {
	orc       *Orchestrator
	project   *project.Project
	convs     *conversation.Manager
	dedup     *dedup.Deduplicator
	store     *persistence.MemoryDedupStore
	publisher *mocks.MockPublisher
	provider  *mocks.MockProvider
}

func newHarness(t *testing.T, provider *mocks.MockProvider, agents ...*types.Agent) *harness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig(), provider, agents...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, provider *mocks.MockProvider, agents ...*types.Agent) *harness {
	t.Helper()
	reg, err := project.NewRegistry(agents...)
	require.NoError(t, err)
	proj, err := project.New("31933:pk-owner:demo", "pk-signer", t.TempDir(), reg)
	require.NoError(t, err)

	convs := conversation.NewManager(persistence.NewMemoryConversationStore(), conversation.Options{})
	store := persistence.NewMemoryDedupStore()
	d, err := dedup.New(dedup.Config{MaxEntries: 100, SaveDelay: time.Hour}, store, nil)
	require.NoError(t, err)

	toolReg := tools.NewDefaultRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(toolReg))
	runner := agent.NewRunner(provider, tools.NewExecutor(toolReg, nil), proj, agent.DefaultConfig(), nil)
	router := routing.NewPipeline(provider, proj, routing.DefaultConfig(), nil)
	pub := mocks.NewMockPublisher()

	o := New(cfg, proj, convs, d, router, runner, pub)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return &harness{orc: o, project: proj, convs: convs, dedup: d, store: store, publisher: pub, provider: provider}
}

func (h *harness) handle(t *testing.T, events ...*types.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, h.orc.HandleEvent(context.Background(), ev))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.orc.Wait(ctx))
}

func startEvent(id, content string, tags ...types.Tag) *types.Event {
	return &types.Event{
		ID:        id,
		PubKey:    "pk-user",
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindConversation,
		Tags:      tags,
		Content:   content,
	}
}

func replyEvent(id, author, root, content string) *types.Event {
	return &types.Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindGenericReply,
		Tags:      types.Tags{{types.TagEvent, root, "", types.MarkerRoot}},
		Content:   content,
	}
}

func TestOrchestrator_NewConversation(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("Let's", " sketch the design first.")).
		WithCompletions(`{"agents": ["architect"], "phase": "chat", "reason": "design question"}`)
	h := newHarness(t, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "Build a hello-world script"))

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseChat, conv.Phase)
	assert.Equal(t, "pk-arch", conv.CurrentAgent)
	assert.Len(t, conv.History, 1)
	assert.Equal(t, "Build a hello-world script", conv.Title)

	replies := h.publisher.Replies()
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, "pk-arch", reply.PubKey)
	assert.Equal(t, "Let's sketch the design first.", reply.Content)
	assert.Equal(t, "ev-1", reply.RootID())
	assert.Empty(t, reply.Mentions())
	phase, ok := reply.Tags.Find(types.TagPhase)
	require.True(t, ok)
	assert.Equal(t, "chat", phase.Value())
	_, ok = reply.Tags.Find(types.TagPhaseTransition)
	assert.False(t, ok)

	// typing indicators bracket the turn
	assert.Len(t, h.publisher.PublishedKind(types.KindTypingStart), 1)
	assert.Len(t, h.publisher.PublishedKind(types.KindTypingStop), 1)
}

func TestOrchestrator_DuplicateEventProcessedOnce(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("Hello.")).
		WithCompletions(`{"agents": ["developer"], "phase": "chat"}`)
	h := newHarness(t, provider, architect, developer)

	ev := startEvent("ev-1", "Build a hello-world script")
	h.handle(t, ev, ev)
	h.handle(t, ev)

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	assert.Len(t, conv.History, 1)
	assert.Len(t, h.publisher.Replies(), 1)
	assert.Len(t, provider.CompletionCalls(), 1)
	assert.Len(t, provider.StreamCalls(), 1)
	assert.Equal(t, []string{"ev-1"}, h.dedup.Snapshot())
}

func TestOrchestrator_IgnoresPresenceAndOrphans(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("unused"))
	h := newHarness(t, provider, architect, developer)

	typing := &types.Event{ID: "ev-typing", PubKey: "pk-user", Kind: types.KindTypingStart,
		Tags: types.Tags{{types.TagEvent, "ev-1", "", types.MarkerRoot}}}
	orphan := replyEvent("ev-orphan", "pk-user", "unknown-root", "anyone there?")
	h.handle(t, typing, orphan)

	_, ok := h.convs.Get("ev-orphan")
	assert.False(t, ok)
	_, ok = h.convs.Get("unknown-root")
	assert.False(t, ok)
	assert.Empty(t, h.publisher.Published())
	assert.Empty(t, provider.StreamCalls())
	assert.False(t, h.dedup.Has("ev-typing"))
}

func TestOrchestrator_RecordsOwnEchoWithoutRouting(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("On it.")).
		WithCompletions(`{"agents": ["architect"], "phase": "chat"}`)
	h := newHarness(t, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "Build a hello-world script"))
	h.handle(t, replyEvent("ev-echo", "pk-arch", "ev-1", "On it."))

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	require.Len(t, conv.History, 2)
	assert.Equal(t, "ev-echo", conv.History[1].ID)
	assert.Len(t, provider.CompletionCalls(), 1)
	assert.Len(t, provider.StreamCalls(), 1)
}

func TestOrchestrator_FollowsHandOffs(t *testing.T) {
	provider := mocks.NewStreamProvider(
		mocks.ToolStream("Developer, please implement it.", "c1", tools.ToolContinue,
			`{"agents": ["developer"], "phase": "execute", "message": "write hello.py"}`),
		mocks.ToolStream("Written.", "c2", tools.ToolComplete, `{"summary": "hello.py written"}`),
		mocks.ToolStream("", "c3", tools.ToolEndConversation, `{"summary": "script delivered"}`),
	)
	h := newHarness(t, provider, orcAgent, developer)

	start := startEvent("ev-1", "Build a hello-world script",
		types.Tag{types.TagPubKey, "pk-orc"}, types.Tag{types.TagPhase, "plan"})
	h.handle(t, start)

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseExecute, conv.Phase)
	require.Len(t, conv.PhaseTransitions, 2)
	assert.Equal(t, types.PhasePlan, conv.PhaseTransitions[0].To)
	assert.Equal(t, types.PhaseExecute, conv.PhaseTransitions[1].To)
	assert.Equal(t, "hello.py written", conv.Metadata["execute_summary"])
	assert.Equal(t, "script delivered", conv.Metadata["final_summary"])
	assert.Equal(t, "Orchestrator", conv.Metadata["plan_started_by"])
	assert.True(t, conv.Archived)
	assert.Len(t, conv.History, 1)

	replies := h.publisher.Replies()
	require.Len(t, replies, 3)
	assert.Equal(t, "pk-orc", replies[0].PubKey)
	assert.Equal(t, []string{"pk-dev"}, replies[0].Mentions())
	transition, ok := replies[0].Tags.Find(types.TagPhaseTransition)
	require.True(t, ok)
	assert.Equal(t, types.Tag{types.TagPhaseTransition, "plan", "chat"}, transition)

	assert.Equal(t, "pk-dev", replies[1].PubKey)
	assert.Equal(t, []string{"pk-orc"}, replies[1].Mentions())

	assert.Equal(t, "pk-orc", replies[2].PubKey)
	assert.Equal(t, "script delivered", replies[2].Content)
	assert.Empty(t, replies[2].Mentions())

	// the developer saw the orchestrator's reply and the routing note
	calls := provider.StreamCalls()
	require.Len(t, calls, 3)
	var sawHandOff, sawNote bool
	for _, m := range calls[1].Messages {
		if m.Content == "[Orchestrator]: Developer, please implement it." {
			sawHandOff = true
		}
		if m.Content == "[routing note] write hello.py" {
			sawNote = true
		}
	}
	assert.True(t, sawHandOff)
	assert.True(t, sawNote)
}

func TestOrchestrator_RoutingFailureNotifies(t *testing.T) {
	provider := mocks.NewCompletionProvider(`{"agents": ["ghost"], "phase": "chat"}`)
	h := newHarness(t, provider, orcAgent, developer)

	h.handle(t, startEvent("ev-1", "Who can help?"))

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseChat, conv.Phase)
	assert.Empty(t, conv.CurrentAgent)
	assert.Empty(t, provider.StreamCalls())

	replies := h.publisher.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "pk-orc", replies[0].PubKey)
	assert.Contains(t, replies[0].Content, `"ghost"`)
	assert.Contains(t, replies[0].Content, "Developer")
	assert.Equal(t, "ev-1", replies[0].RootID())
}

func TestOrchestrator_TransportFailureKeepsState(t *testing.T) {
	quota := types.NewError(types.ErrQuotaExceeded, "insufficient quota")
	provider := mocks.NewStreamProvider(mocks.ErrorStream("Partial", quota))
	h := newHarness(t, provider, orcAgent, developer)

	start := startEvent("ev-1", "Plan it", types.Tag{types.TagPubKey, "pk-dev"}, types.Tag{types.TagPhase, "plan"})
	h.handle(t, start)

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseChat, conv.Phase)
	assert.Empty(t, conv.PhaseTransitions)
	assert.Empty(t, conv.CurrentAgent)

	// the apology flushed by the turn is the only reply
	replies := h.publisher.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "pk-dev", replies[0].PubKey)
	assert.Contains(t, replies[0].Content, "Partial")
	assert.Contains(t, replies[0].Content, "quota")
}

func TestOrchestrator_ProjectMetadata(t *testing.T) {
	h := newHarness(t, mocks.NewMockProvider(), orcAgent, developer)

	foreign := &types.Event{ID: "m-1", PubKey: "pk-stranger", Kind: types.KindProjectMetadata,
		Tags: types.Tags{{types.TagTitle, "Hijacked"}}}
	owned := &types.Event{ID: "m-2", PubKey: "pk-owner", Kind: types.KindProjectMetadata,
		Tags:    types.Tags{{types.TagTitle, "Hello World"}, {"repo", "git@example.com:hello"}},
		Content: "A tiny demo project"}
	h.handle(t, foreign, owned)

	assert.Equal(t, "Hello World", h.project.Name())
	meta := h.project.Metadata()
	assert.Equal(t, "git@example.com:hello", meta["repo"])
	assert.Equal(t, "A tiny demo project", meta["description"])
	assert.Empty(t, h.publisher.Published())
}

func TestOrchestrator_ShutdownFlushesAndRejects(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("Hi.")).
		WithCompletions(`{"agents": ["developer"]}`)
	h := newHarness(t, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "hello"))
	require.NoError(t, h.orc.Shutdown(context.Background()))

	ids, err := h.store.LoadIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-1"}, ids)

	err = h.orc.HandleEvent(context.Background(), startEvent("ev-2", "late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.dedup.Has("ev-2"))
}

func TestOrchestrator_RunConsumesUntilClosed(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("Hi.")).
		WithCompletions(`{"agents": ["developer"]}`)
	h := newHarness(t, provider, architect, developer)

	events := make(chan types.Event, 2)
	events <- *startEvent("ev-1", "hello")
	events <- *startEvent("ev-2", "hello again")
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.orc.Run(ctx, events))

	for _, id := range []string{"ev-1", "ev-2"} {
		_, ok := h.convs.Get(id)
		assert.True(t, ok, id)
	}
	assert.Len(t, h.publisher.Replies(), 2)
}

func TestOrchestrator_ReplyQueuedBehindItsRoot(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("Noted.")).
		WithCompletions(`{"agents": ["developer"]}`).
		WithDelay(5 * time.Millisecond)
	h := newHarness(t, provider, architect, developer)

	// the reply arrives before its root has been processed
	h.handle(t, startEvent("ev-1", "hello"), replyEvent("ev-2", "pk-user", "ev-1", "and one more thing"))

	conv, ok := h.convs.Get("ev-1")
	require.True(t, ok)
	require.Len(t, conv.History, 2)
	assert.Equal(t, "ev-1", conv.History[0].ID)
	assert.Equal(t, "ev-2", conv.History[1].ID)
	assert.Len(t, h.publisher.Replies(), 2)
}

func TestOrchestrator_FailedToolCallIsSurfaced(t *testing.T) {
	provider := mocks.NewStreamProvider([]llm.StreamEvent{
		llm.ContentDelta{Text: "Running the script."},
		llm.ToolStart{CallID: "c1", Name: "shell", Args: json.RawMessage(`{"cmd":"python hello.py"}`)},
		llm.ToolStart{CallID: "c2", Name: tools.ToolComplete, Args: json.RawMessage(`{"summary":"tried to run it"}`)},
		llm.Done{Model: "mock-model", FinishReason: "tool_calls"},
	})
	h := newHarness(t, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "Run hello.py", types.Tag{types.TagPubKey, "pk-dev"}))

	replies := h.publisher.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "Running the script.", replies[0].Content)

	notice := replies[1]
	assert.Equal(t, "pk-dev", notice.PubKey)
	assert.Equal(t, "ev-1", notice.RootID())
	assert.Empty(t, notice.Mentions())
	assert.Contains(t, notice.Content, "shell")
	assert.Contains(t, notice.Content, string(tools.ErrorKindNotAvailable))
}

func TestOrchestrator_StreamsPartialReplies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamInterval = 0
	provider := mocks.NewStreamProvider(mocks.TextStream("Hello", " there,", " friend.")).
		WithCompletions(`{"agents": ["architect"], "phase": "chat", "reason": "greeting"}`)
	h := newHarnessWithConfig(t, cfg, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "Say hi"))

	published := h.publisher.Published()
	replyAt := -1
	var chunks []types.Event
	for i, ev := range published {
		switch ev.Kind {
		case types.KindStreamingDelta:
			assert.Equal(t, -1, replyAt, "partial reply after the final reply")
			chunks = append(chunks, ev)
		case types.KindGenericReply:
			replyAt = i
		}
	}
	require.NotEqual(t, -1, replyAt)
	require.Len(t, chunks, 3)
	for i, want := range []string{"Hello", " there,", " friend."} {
		assert.Equal(t, want, chunks[i].Content)
		assert.Equal(t, "pk-arch", chunks[i].PubKey)
		assert.Equal(t, "ev-1", chunks[i].RootID())
		seq, ok := chunks[i].Tags.Find(types.TagSequence)
		require.True(t, ok)
		assert.Equal(t, strconv.Itoa(i+1), seq.Value())
	}
	assert.Equal(t, "Hello there, friend.", published[replyAt].Content)
}

func TestOrchestrator_ThrottledChunksCoverTheReply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamInterval = time.Hour
	provider := mocks.NewStreamProvider(mocks.TextStream("Hello", " there,", " friend.")).
		WithCompletions(`{"agents": ["architect"], "phase": "chat", "reason": "greeting"}`)
	h := newHarnessWithConfig(t, cfg, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "Say hi"))

	chunks := h.publisher.PublishedKind(types.KindStreamingDelta)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hello", chunks[0].Content)
	assert.Equal(t, " there, friend.", chunks[1].Content)
}

func TestOrchestrator_StreamingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamDeltas = false
	provider := mocks.NewStreamProvider(mocks.TextStream("Hello")).
		WithCompletions(`{"agents": ["architect"], "phase": "chat", "reason": "greeting"}`)
	h := newHarnessWithConfig(t, cfg, provider, architect, developer)

	h.handle(t, startEvent("ev-1", "Say hi"))

	assert.Empty(t, h.publisher.PublishedKind(types.KindStreamingDelta))
	assert.Len(t, h.publisher.Replies(), 1)
}

type fixedRouter struct{ to *types.Agent }

func (r fixedRouter) Route(context.Context, routing.Input) (*routing.Decision, error) {
	return &routing.Decision{Destinations: []*types.Agent{r.to}, Phase: types.PhaseChat}, nil
}

// gatedRunner blocks its first turn until release is closed and records
// the newest history event each turn saw.
type gatedRunner struct {
	started chan struct{}
	release chan struct{}

	mu         sync.Mutex
	running    int
	maxRunning int
	seen       []string
}

func (r *gatedRunner) RunTurn(_ context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	r.mu.Lock()
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	first := len(r.seen) == 0
	history := req.Conversation.History
	r.seen = append(r.seen, history[len(history)-1].ID)
	r.mu.Unlock()

	if first {
		close(r.started)
		<-r.release
	}

	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	return &agent.TurnResult{Content: "ok"}, nil
}

func TestOrchestrator_ReplyToUnknownParentWaitsForItsConversation(t *testing.T) {
	reg, err := project.NewRegistry(architect)
	require.NoError(t, err)
	proj, err := project.New("31933:pk-owner:demo", "pk-signer", t.TempDir(), reg)
	require.NoError(t, err)
	convs := conversation.NewManager(persistence.NewMemoryConversationStore(), conversation.Options{})
	d, err := dedup.New(dedup.Config{MaxEntries: 100, SaveDelay: time.Hour}, persistence.NewMemoryDedupStore(), nil)
	require.NoError(t, err)
	runner := &gatedRunner{started: make(chan struct{}), release: make(chan struct{})}
	o := New(DefaultConfig(), proj, convs, d, fixedRouter{to: architect}, runner, mocks.NewMockPublisher())
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, o.HandleEvent(ctx, startEvent("ev-1", "hello")))
	<-runner.started

	// ev-2 is queued behind the running turn; ev-3 answers ev-2 without
	// naming the root
	require.NoError(t, o.HandleEvent(ctx, replyEvent("ev-2", "pk-user", "ev-1", "one more thing")))
	require.NoError(t, o.HandleEvent(ctx, &types.Event{
		ID:        "ev-3",
		PubKey:    "pk-user",
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindGenericReply,
		Tags:      types.Tags{{types.TagEvent, "ev-2", "", types.MarkerReply}},
		Content:   "and about that",
	}))

	time.Sleep(30 * time.Millisecond)
	_, ok := convs.Get("ev-3")
	assert.False(t, ok)
	_, ok = convs.Get("ev-2")
	assert.False(t, ok)

	close(runner.release)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(waitCtx))

	conv, ok := convs.Get("ev-1")
	require.True(t, ok)
	var ids []string
	for _, ev := range conv.History {
		if ev.PubKey == "pk-user" {
			ids = append(ids, ev.ID)
		}
	}
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, ids)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.maxRunning)
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, runner.seen)
}

func TestOrchestrator_UnresolvedReplyStaysOrphan(t *testing.T) {
	provider := mocks.NewStreamProvider(mocks.TextStream("unused"))
	h := newHarness(t, provider, architect, developer)

	h.handle(t, &types.Event{
		ID:        "ev-lost",
		PubKey:    "pk-user",
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindGenericReply,
		Tags:      types.Tags{{types.TagEvent, "never-seen", "", types.MarkerReply}},
		Content:   "hello?",
	})

	_, ok := h.convs.Get("ev-lost")
	assert.False(t, ok)
	_, ok = h.convs.Get("never-seen")
	assert.False(t, ok)
	assert.Empty(t, provider.StreamCalls())
}
