package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/routing"
)

var (
	_ orchestrator.Observer = (*Collector)(nil)
	_ routing.Observer      = (*Collector)(nil)
	_ agent.Observer        = (*Collector)(nil)
	_ tools.Observer        = (*Collector)(nil)
	_ providers.Observer    = (*Collector)(nil)
	_ conversation.Observer = (*Collector)(nil)
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("convoflow", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector_RegistersOnGivenRegistry(t *testing.T) {
	c, reg := newTestCollector(t)
	require.NotNil(t, c)

	c.ObserveDuplicateEvent()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "convoflow_duplicate_events_total")
}

func TestNewCollector_SameNamespaceTwiceOnOneRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("convoflow", reg, nil)
	assert.Panics(t, func() { NewCollector("convoflow", reg, nil) })
}

func TestCollector_Events(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveInboundEvent("11", "processed")
	c.ObserveInboundEvent("11", "processed")
	c.ObserveInboundEvent("24010", "ignored")
	c.ObserveDuplicateEvent()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.inboundEvents.WithLabelValues("11", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inboundEvents.WithLabelValues("24010", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicateEvents))
}

func TestCollector_Routing(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveRoutingDecision("mention")
	c.ObserveRoutingDecision("llm")
	c.ObserveRoutingDecision("llm")
	c.ObserveRoutingRetry("decide")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.routingDecisions.WithLabelValues("mention")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.routingDecisions.WithLabelValues("llm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.routingRetries.WithLabelValues("decide")))
}

func TestCollector_Turns(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveTurn("Developer", "execute", "complete", 2, 3*time.Second)
	c.ObserveSynthesizedTermination("complete")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("Developer", "execute", "complete")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.turnDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.turnAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.synthesizedTermination.WithLabelValues("complete")))
}

func TestCollector_LLMAndTools(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveLLMRequest("openai", "stream", "success", 1, 500*time.Millisecond)
	c.ObserveLLMRequest("openai", "completion", "quota", 1, 10*time.Millisecond)
	c.ObserveToolCall("read_file", "success", 5*time.Millisecond)
	c.ObserveToolCall("read_file", "error", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmRequestsTotal.WithLabelValues("openai", "completion", "quota")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.llmRequestDuration))
	assert.Equal(t, 2, testutil.CollectAndCount(c.toolCallsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(c.toolCallDuration))
}

func TestCollector_Conversation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObservePhaseTransition("chat", "plan")
	c.ObservePersistenceFailure("conversation", "save")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.phaseTransitions.WithLabelValues("chat", "plan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistenceFailures.WithLabelValues("conversation", "save")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveInboundEvent("11", "processed")
		c.ObserveDuplicateEvent()
		c.ObserveRoutingDecision("llm")
		c.ObserveRoutingRetry("decide")
		c.ObserveTurn("a", "chat", "complete", 1, time.Second)
		c.ObserveSynthesizedTermination("complete")
		c.ObserveLLMRequest("p", "stream", "error", 2, time.Second)
		c.ObserveToolCall("t", "success", time.Second)
		c.ObservePhaseTransition("chat", "plan")
		c.ObservePersistenceFailure("dedup", "save")
	})
}
