package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/config"
	"github.com/BaSui01/convoflow/conversation"
	"github.com/BaSui01/convoflow/dedup"
	"github.com/BaSui01/convoflow/internal/database"
	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/internal/server"
	"github.com/BaSui01/convoflow/internal/telemetry"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/llm/providers/openaicompat"
	"github.com/BaSui01/convoflow/llm/tools"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/routing"
	"github.com/BaSui01/convoflow/types"
)

// inboundKinds are the kinds addressed to agents.
var inboundKinds = []types.Kind{
	types.KindConversation,
	types.KindGenericReply,
	types.KindTextNote,
	types.KindTask,
}

// run wires every component and blocks until SIGINT/SIGTERM or the relay
// connection drops.
func run(cfg *config.Config, configPath string, level zap.AtomicLevel, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 关闭顺序与创建顺序相反
	var closers []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](shutdownCtx); err != nil {
				logger.Warn("shutdown step failed", zap.Error(err))
			}
		}
	}()

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		closers = append(closers, otelProviders.Shutdown)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector("convoflow", reg, logger)
		srv, err := startMetricsServer(cfg.Metrics, reg, logger)
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		closers = append(closers, srv.Shutdown)
	}

	if configPath != "" {
		reloader := config.NewLevelReloader(configPath, level, config.WithReloaderLogger(logger))
		go reloader.Run(ctx)
	}

	// 持久化
	backends, closeBackends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeBackends)
	backends.Logger = logger

	convStore, err := persistence.NewConversationStore(cfg.Store, backends)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	dedupStore, err := persistence.NewDedupStore(cfg.Store, backends)
	if err != nil {
		return fmt.Errorf("dedup store: %w", err)
	}

	convs := conversation.NewManager(convStore, conversation.Options{
		WriteDelay: cfg.Store.WriteDelay,
		Observer:   collector,
		Logger:     logger,
	})
	closers = append(closers, convs.Close)
	if err := convs.Load(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	processed, err := dedup.New(cfg.Dedup, dedupStore, logger)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	closers = append(closers, processed.Close)
	if err := processed.Load(ctx); err != nil {
		return fmt.Errorf("load processed events: %w", err)
	}

	// 项目与 Agent
	agents, err := project.LoadRegistry(cfg.Project.AgentsFile)
	if err != nil {
		return err
	}
	proj, err := project.New(cfg.Project.Identity, cfg.Project.SignerPubKey, cfg.Project.WorkingDir, agents)
	if err != nil {
		return err
	}

	// LLM 与工具
	provider := providers.NewRetryableProvider(openaicompat.New(cfg.LLM, logger), cfg.LLM.Retry, logger).
		WithObserver(collector)

	toolReg := tools.NewDefaultRegistry(logger)
	meta := tools.ToolMetadata{Timeout: cfg.Tools.Timeout}
	if cfg.Tools.RateLimitCalls > 0 {
		meta.RateLimit = &tools.RateLimitConfig{MaxCalls: cfg.Tools.RateLimitCalls, Window: cfg.Tools.RateLimitWindow}
	}
	if err := tools.RegisterBuiltinsWith(toolReg, meta); err != nil {
		return err
	}
	executor := tools.NewExecutor(toolReg, logger,
		tools.WithObserver(collector),
		tools.WithConcurrency(cfg.Tools.Concurrency))

	runner := agent.NewRunner(provider, executor, proj, cfg.Loop, logger, agent.WithObserver(collector))
	pipeline := routing.NewPipeline(provider, proj, cfg.Routing, logger, routing.WithObserver(collector))

	// 中继
	relay := nostr.NewRelayClient(cfg.Relay.ClientConfig, logger)
	if err := relay.Connect(ctx); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	closers = append(closers, func(context.Context) error { return relay.Close() })

	if cfg.Project.SignerPubKey == "" {
		logger.Warn("no signer identity configured, publishing unsigned drafts")
	}

	orc := orchestrator.New(cfg.Orchestrator, proj, convs, processed, pipeline, runner, relay,
		orchestrator.WithObserver(collector),
		orchestrator.WithLogger(logger))

	sub, err := relay.Subscribe(ctx, subscriptionFilters(proj, cfg.Relay.Since, time.Now())...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-relay.Done():
			logger.Error("relay connection lost", zap.Error(relay.Err()))
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	err = orc.Run(runCtx, sub.Events)
	if relayErr := relay.Err(); relayErr != nil && ctx.Err() == nil {
		return errors.Join(err, fmt.Errorf("relay: %w", relayErr))
	}
	return err
}

// subscriptionFilters asks for events mentioning an agent, the agents' own
// events (so our replies come back as echoes), and project metadata.
func subscriptionFilters(proj *project.Project, since time.Duration, now time.Time) []nostr.Filter {
	pubkeys := make([]string, 0, proj.Agents.Len())
	for _, a := range proj.Agents.All() {
		pubkeys = append(pubkeys, a.PubKey)
	}
	var sinceUnix int64
	if since > 0 {
		sinceUnix = now.Add(-since).Unix()
	}

	filters := []nostr.Filter{
		{Kinds: inboundKinds, PTags: pubkeys, Since: sinceUnix},
		{Kinds: []types.Kind{types.KindGenericReply, types.KindTextNote}, Authors: pubkeys, Since: sinceUnix},
	}
	meta := nostr.Filter{Kinds: []types.Kind{types.KindProjectMetadata}}
	if owner := proj.Owner(); owner != "" {
		meta.Authors = []string{owner}
	}
	return append(filters, meta)
}

// openBackends connects the shared client the configured store type needs.
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (persistence.Backends, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Store.Type {
	case persistence.StoreTypeRedis:
		client, err := persistence.ConnectRedis(ctx, cfg.Store.Redis)
		if err != nil {
			return persistence.Backends{}, noop, err
		}
		logger.Info("redis connected", zap.String("addr", cfg.Store.Redis.Addr))
		return persistence.Backends{Redis: client}, func(context.Context) error { return client.Close() }, nil

	case persistence.StoreTypeSQL:
		pool := database.DefaultPoolConfig()
		pool.MaxOpenConns = cfg.Database.MaxOpenConns
		pool.MaxIdleConns = cfg.Database.MaxIdleConns
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime

		pm, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), pool, logger)
		if err != nil {
			return persistence.Backends{}, noop, err
		}
		return persistence.Backends{DB: pm.DB()}, func(context.Context) error { return pm.Close() }, nil

	default:
		return persistence.Backends{}, noop, nil
	}
}

// startMetricsServer serves /metrics and /healthz.
func startMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) (*server.Manager, error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Addr
	srv := server.NewManager(mux, srvCfg, logger)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}
