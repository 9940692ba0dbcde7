package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, path, level string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: "+level+"\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestLevelReloader_Check(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoflow.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "info", base)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r := NewLevelReloader(path, level)

	// 未修改
	changed, err := r.Check()
	require.NoError(t, err)
	assert.False(t, changed)

	writeConfig(t, path, "debug", base.Add(time.Minute))
	changed, err = r.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	// 时间戳前进但级别相同
	writeConfig(t, path, "debug", base.Add(2*time.Minute))
	changed, err = r.Check()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLevelReloader_InvalidLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoflow.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "info", base)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r := NewLevelReloader(path, level)

	writeConfig(t, path, "loud", base.Add(time.Minute))
	_, err := r.Check()
	require.Error(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestLevelReloader_MissingFile(t *testing.T) {
	r := NewLevelReloader(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewAtomicLevel())
	changed, err := r.Check()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLevelReloader_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoflow.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "info", base)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r := NewLevelReloader(path, level, WithPollInterval(10*time.Millisecond), WithReloaderLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	writeConfig(t, path, "error", base.Add(time.Minute))
	assert.Eventually(t, func() bool {
		return level.Level() == zapcore.ErrorLevel
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reloader did not stop")
	}
}
