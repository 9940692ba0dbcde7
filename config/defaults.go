// =============================================================================
// convoflow 默认配置
// =============================================================================
// 各子系统的默认值由所属包提供，这里只负责组装
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/dedup"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/routing"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Project:      DefaultProjectConfig(),
		LLM:          providers.DefaultConfig(),
		Relay:        DefaultRelayConfig(),
		Store:        persistence.DefaultStoreConfig(),
		Database:     DefaultDatabaseConfig(),
		Dedup:        dedup.DefaultConfig(),
		Routing:      routing.DefaultConfig(),
		Loop:         agent.DefaultConfig(),
		Tools:        DefaultToolsConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Log:          DefaultLogConfig(),
		Metrics:      DefaultMetricsConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultProjectConfig 返回默认项目配置
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		AgentsFile: "agents.yaml",
		WorkingDir: ".",
	}
}

// DefaultRelayConfig 返回默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ClientConfig: nostr.DefaultClientConfig("ws://localhost:7777"),
		Since:        time.Hour,
	}
}

// DefaultToolsConfig 返回默认工具配置
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Concurrency:     4,
		Timeout:         2 * time.Minute,
		RateLimitWindow: time.Minute,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "convoflow",
		Name:            "convoflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: true,
		Addr:    ":9091",
		Path:    "/metrics",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "convoflow",
		SampleRate:   0.1,
	}
}
