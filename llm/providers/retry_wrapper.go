package providers

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/llm"
	"github.com/BaSui01/convoflow/types"
)

// RetryConfig holds retry configuration for a provider wrapper.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay" env:"MAX_DELAY"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryableProvider wraps an llm.Provider with exponential-backoff retry
// logic. Only errors marked retryable are retried; quota exhaustion never is.
type RetryableProvider struct {
	inner    llm.Provider
	config   RetryConfig
	logger   *zap.Logger
	observer Observer
}

// Observer receives one call per Completion or Stream connect, after retries.
type Observer interface {
	ObserveLLMRequest(provider, op, status string, attempts int, d time.Duration)
}

// NewRetryableProvider creates a retrying wrapper around the given provider.
func NewRetryableProvider(inner llm.Provider, config RetryConfig, logger *zap.Logger) *RetryableProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &RetryableProvider{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name())),
	}
}

// WithObserver attaches a metrics observer.
func (p *RetryableProvider) WithObserver(o Observer) *RetryableProvider {
	p.observer = o
	return p
}

// Compile-time interface check.
var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) Name() string                        { return p.inner.Name() }
func (p *RetryableProvider) SupportsNativeFunctionCalling() bool { return p.inner.SupportsNativeFunctionCalling() }

// Completion performs a chat completion with retry on transient errors.
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	var resp *llm.ChatResponse
	err := p.do(ctx, "completion", func() error {
		var err error
		resp, err = p.inner.Completion(ctx, req)
		return err
	})
	return resp, err
}

// Stream retries only the connection-establishment phase; mid-stream errors
// reach the caller as StreamError events.
func (p *RetryableProvider) Stream(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	var ch <-chan llm.StreamEvent
	err := p.do(ctx, "stream", func() error {
		var err error
		ch, err = p.inner.Stream(ctx, req)
		return err
	})
	return ch, err
}

func (p *RetryableProvider) do(ctx context.Context, op string, call func() error) error {
	start := time.Now()
	attempts := 0
	err := p.retry(ctx, op, call, &attempts)
	if p.observer != nil {
		status := "success"
		switch {
		case types.IsErrorCode(err, types.ErrQuotaExceeded):
			status = "quota"
		case err != nil:
			status = "error"
		}
		p.observer.ObserveLLMRequest(p.inner.Name(), op, status, attempts, time.Since(start))
	}
	return err
}

func (p *RetryableProvider) retry(ctx context.Context, op string, call func() error, attempts *int) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.calculateDelay(attempt)
			p.logger.Debug("retrying "+op,
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		*attempts = attempt + 1
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !types.IsRetryable(err) || types.IsErrorCode(err, types.ErrQuotaExceeded) {
			return err
		}
		p.logger.Warn(op+" failed, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return fmt.Errorf("%s failed after %d retries: %w", op, p.config.MaxRetries, lastErr)
}

func (p *RetryableProvider) calculateDelay(attempt int) time.Duration {
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffFactor, float64(attempt-1))
	if p.config.MaxDelay > 0 && delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}
	return time.Duration(delay)
}
