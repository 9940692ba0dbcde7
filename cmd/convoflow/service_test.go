package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/convoflow/config"
	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/project"
	"github.com/BaSui01/convoflow/types"
)

func TestSubscriptionFilters(t *testing.T) {
	reg, err := project.NewRegistry(
		&types.Agent{Name: "Orchestrator", PubKey: "pk-orc", IsOrchestrator: true},
		&types.Agent{Name: "Developer", PubKey: "pk-dev"},
	)
	require.NoError(t, err)
	proj, err := project.New("31933:pk-owner:demo", "pk-signer", t.TempDir(), reg)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	filters := subscriptionFilters(proj, time.Hour, now)
	require.Len(t, filters, 3)

	assert.Equal(t, inboundKinds, filters[0].Kinds)
	assert.ElementsMatch(t, []string{"pk-orc", "pk-dev"}, filters[0].PTags)
	assert.Equal(t, now.Add(-time.Hour).Unix(), filters[0].Since)

	assert.ElementsMatch(t, []string{"pk-orc", "pk-dev"}, filters[1].Authors)

	assert.Equal(t, []types.Kind{types.KindProjectMetadata}, filters[2].Kinds)
	assert.Equal(t, []string{"pk-owner"}, filters[2].Authors)
	assert.Zero(t, filters[2].Since)
}

func TestSubscriptionFilters_NoSince(t *testing.T) {
	reg, err := project.NewRegistry(&types.Agent{Name: "Solo", PubKey: "pk-solo"})
	require.NoError(t, err)
	proj, err := project.New("", "", t.TempDir(), reg)
	require.NoError(t, err)

	filters := subscriptionFilters(proj, 0, time.Now())
	assert.Zero(t, filters[0].Since)
	assert.Empty(t, filters[2].Authors)
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Store.Type = persistence.StoreTypeMemory
	b, closeFn, err := openBackends(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, b.Redis)
	assert.Nil(t, b.DB)
	assert.NoError(t, closeFn(ctx))

	cfg.Store.Type = persistence.StoreTypeSQL
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "convoflow.db")
	b, closeFn, err = openBackends(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, b.DB)

	store, err := persistence.NewDedupStore(cfg.Store, b)
	require.NoError(t, err)
	require.NoError(t, store.SaveIDs(ctx, []string{"ev-1"}))
	assert.NoError(t, closeFn(ctx))
}

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoflow.log")
	logger, level := initLogger(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
	assert.Contains(t, string(data), `"timestamp"`)

	// 运行时调整级别
	level.SetLevel(zapcore.InfoLevel)
	logger.Info("now visible")
	_ = logger.Sync()
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "now visible")
}

func TestInitLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	_, level := initLogger(config.LogConfig{Level: "loud", Format: "console"})
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestStartMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("convoflow", reg, zap.NewNop())
	collector.ObserveDuplicateEvent()

	srv, err := startMetricsServer(config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0", Path: "/metrics"}, reg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	get := func(path string) string {
		resp, err := http.Get("http://" + srv.Addr() + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	assert.Contains(t, get("/metrics"), "convoflow_duplicate_events_total 1")
	assert.Equal(t, "ok", get("/healthz"))
}
