// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 方法对 nil 接收者安全，未启用指标时可以直接传 nil。
type Collector struct {
	// 事件指标
	inboundEvents   *prometheus.CounterVec
	duplicateEvents prometheus.Counter

	// 路由指标
	routingDecisions *prometheus.CounterVec
	routingRetries   *prometheus.CounterVec

	// Agent 指标
	turnsTotal             *prometheus.CounterVec
	turnDuration           *prometheus.HistogramVec
	turnAttempts           *prometheus.HistogramVec
	synthesizedTermination *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec

	// 工具指标
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	// 会话指标
	phaseTransitions    *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg（nil 时使用默认 Registry）
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 事件指标
	c.inboundEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Total number of inbound relay events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.duplicateEvents = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Total number of inbound events dropped as already processed",
		},
	)

	// 路由指标
	c.routingDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions by pipeline stage",
		},
		[]string{"stage"},
	)

	c.routingRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_retries_total",
			Help:      "Total number of retried routing model calls",
		},
		[]string{"operation"},
	)

	// Agent 指标
	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Total number of agent turns",
		},
		[]string{"agent", "phase", "outcome"},
	)

	c.turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_duration_seconds",
			Help:      "Agent turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent", "phase"},
	)

	c.turnAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_attempts",
			Help:      "Model attempts needed per agent turn",
			Buckets:   []float64{1, 2, 3, 4},
		},
		[]string{"phase"},
	)

	c.synthesizedTermination = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesized_terminations_total",
			Help:      "Total number of terminations synthesized after the agent never ended its turn",
		},
		[]string{"kind"},
	)

	// LLM 指标
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "operation", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	// 工具指标
	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// 会话指标
	c.phaseTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of conversation phase transitions",
		},
		[]string{"from", "to"},
	)

	c.persistenceFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of failed store operations",
		},
		[]string{"store", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📨 事件与路由
// =============================================================================

// ObserveInboundEvent 记录一次入站事件
func (c *Collector) ObserveInboundEvent(kind, outcome string) {
	if c == nil {
		return
	}
	c.inboundEvents.WithLabelValues(kind, outcome).Inc()
}

// ObserveDuplicateEvent 记录一次重复事件
func (c *Collector) ObserveDuplicateEvent() {
	if c == nil {
		return
	}
	c.duplicateEvents.Inc()
}

// ObserveRoutingDecision 记录产生决策的路由阶段
func (c *Collector) ObserveRoutingDecision(stage string) {
	if c == nil {
		return
	}
	c.routingDecisions.WithLabelValues(stage).Inc()
}

// ObserveRoutingRetry 记录一次路由重试
func (c *Collector) ObserveRoutingRetry(operation string) {
	if c == nil {
		return
	}
	c.routingRetries.WithLabelValues(operation).Inc()
}

// =============================================================================
// 🎭 Agent 与 LLM
// =============================================================================

// ObserveTurn 记录一次 Agent 回合
func (c *Collector) ObserveTurn(agent, phase, outcome string, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(agent, phase, outcome).Inc()
	c.turnDuration.WithLabelValues(agent, phase).Observe(d.Seconds())
	c.turnAttempts.WithLabelValues(phase).Observe(float64(attempts))
}

// ObserveSynthesizedTermination 记录一次合成的终止
func (c *Collector) ObserveSynthesizedTermination(kind string) {
	if c == nil {
		return
	}
	c.synthesizedTermination.WithLabelValues(kind).Inc()
}

// ObserveLLMRequest 记录一次 LLM 请求
func (c *Collector) ObserveLLMRequest(provider, op, status string, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, op, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, op).Observe(d.Seconds())
	if attempts > 1 {
		c.logger.Debug("llm request retried",
			zap.String("provider", provider),
			zap.String("operation", op),
			zap.Int("attempts", attempts))
	}
}

// ObserveToolCall 记录一次工具调用
func (c *Collector) ObserveToolCall(tool, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// =============================================================================
// 🗄️ 会话与持久化
// =============================================================================

// ObservePhaseTransition 记录一次阶段转换
func (c *Collector) ObservePhaseTransition(from, to string) {
	if c == nil {
		return
	}
	c.phaseTransitions.WithLabelValues(from, to).Inc()
}

// ObservePersistenceFailure 记录一次存储失败
func (c *Collector) ObservePersistenceFailure(store, op string) {
	if c == nil {
		return
	}
	c.persistenceFailures.WithLabelValues(store, op).Inc()
}
