package orchestrator

import "time"

// Config configures an Orchestrator.
type Config struct {
	// MaxHops bounds the continue/complete hand-offs followed for one
	// inbound event.
	MaxHops int `yaml:"max_hops" json:"max_hops" env:"MAX_HOPS"`
	// QueueSize caps the pending events per conversation (0 = unbounded).
	QueueSize int `yaml:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
	// TypingIndicators publishes 24111/24112 around each turn.
	TypingIndicators bool `yaml:"typing_indicators" json:"typing_indicators" env:"TYPING_INDICATORS"`
	// StreamDeltas publishes partial reply text (kind 21111) while a turn
	// streams.
	StreamDeltas bool `yaml:"stream_deltas" json:"stream_deltas" env:"STREAM_DELTAS"`
	// StreamInterval is the minimum gap between two partial-reply chunks
	// (0 = one chunk per delta).
	StreamInterval time.Duration `yaml:"stream_interval" json:"stream_interval" env:"STREAM_INTERVAL"`
	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout" env:"PUBLISH_TIMEOUT"`
	// ShutdownTimeout bounds the drain in Shutdown when the caller's
	// context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:          8,
		QueueSize:        64,
		TypingIndicators: true,
		StreamDeltas:     true,
		StreamInterval:   500 * time.Millisecond,
		PublishTimeout:   15 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}
