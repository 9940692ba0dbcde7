// 配置文件变更监听。
//
// 通过轮询文件修改时间检测变更，仅热更新日志级别，其余配置需重启生效。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelReloader 监听配置文件并把 log.level 应用到 AtomicLevel
type LevelReloader struct {
	path     string
	level    zap.AtomicLevel
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	lastMod time.Time
}

// ReloaderOption configures the LevelReloader
type ReloaderOption func(*LevelReloader)

// WithPollInterval sets how often the file is checked
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *LevelReloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloaderLogger sets the logger
func WithReloaderLogger(logger *zap.Logger) ReloaderOption {
	return func(r *LevelReloader) {
		r.logger = logger
	}
}

// NewLevelReloader creates a reloader for path
func NewLevelReloader(path string, level zap.AtomicLevel, opts ...ReloaderOption) *LevelReloader {
	r := &LevelReloader{
		path:     path,
		level:    level,
		interval: time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if info, err := os.Stat(path); err == nil {
		r.lastMod = info.ModTime()
	}
	return r
}

// Run polls until ctx is done
func (r *LevelReloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload failed", zap.String("path", r.path), zap.Error(err))
			}
		}
	}
}

// Check reloads the file when its modification time moved forward and
// reports whether the level was applied.
func (r *LevelReloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	r.mu.Lock()
	if !info.ModTime().After(r.lastMod) {
		r.mu.Unlock()
		return false, nil
	}
	r.lastMod = info.ModTime()
	r.mu.Unlock()

	cfg, err := NewLoader().WithConfigPath(r.path).Load()
	if err != nil {
		return false, err
	}
	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return false, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	if lvl == r.level.Level() {
		return false, nil
	}

	old := r.level.Level()
	r.level.SetLevel(lvl)
	r.logger.Info("log level changed",
		zap.String("from", old.String()),
		zap.String("to", lvl.String()))
	return true, nil
}
