// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/convoflow/persistence"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 项目与中继
	assert.Equal(t, "agents.yaml", cfg.Project.AgentsFile)
	assert.Equal(t, "ws://localhost:7777", cfg.Relay.URL)
	assert.Equal(t, time.Hour, cfg.Relay.Since)

	// 子系统默认值来自各自的包
	assert.Equal(t, persistence.StoreTypeFile, cfg.Store.Type)
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 10000, cfg.Dedup.MaxEntries)
	assert.Equal(t, 3, cfg.Routing.MaxAttempts)
	assert.Equal(t, 2, cfg.Loop.MaxAttempts)
	assert.Equal(t, 8, cfg.Orchestrator.MaxHops)
	assert.True(t, cfg.LLM.NativeTools)

	// 日志与指标
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
	assert.False(t, cfg.Telemetry.Enabled)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	yamlContent := `
project:
  identity: "31933:pk-owner:demo"
  agents_file: "team.yaml"
relay:
  url: "wss://relay.example.com"
  publish_timeout: 2s
  since: 10m
store:
  type: redis
  redis:
    addr: "redis:6379"
    tls: true
dedup:
  max_entries: 500
routing:
  max_attempts: 5
loop:
  temperature: 0.2
log:
  level: debug
  format: console
`
	path := filepath.Join(t.TempDir(), "convoflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "31933:pk-owner:demo", cfg.Project.Identity)
	assert.Equal(t, "team.yaml", cfg.Project.AgentsFile)
	assert.Equal(t, "wss://relay.example.com", cfg.Relay.URL)
	assert.Equal(t, 2*time.Second, cfg.Relay.PublishTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Relay.Since)
	assert.Equal(t, persistence.StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.True(t, cfg.Store.Redis.TLS)
	assert.Equal(t, 500, cfg.Dedup.MaxEntries)
	assert.Equal(t, 5, cfg.Routing.MaxAttempts)
	assert.InDelta(t, 0.2, float64(cfg.Loop.Temperature), 1e-6)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 10*time.Second, cfg.Relay.DialTimeout)
	assert.Equal(t, 2, cfg.Loop.MaxAttempts)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("CONVOFLOW_LOG_LEVEL", "warn")
	t.Setenv("CONVOFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/convoflow.log")
	t.Setenv("CONVOFLOW_RELAY_URL", "wss://env.example.com")
	t.Setenv("CONVOFLOW_RELAY_PUBLISH_TIMEOUT", "750ms")
	t.Setenv("CONVOFLOW_STORE_TYPE", "sql")
	t.Setenv("CONVOFLOW_STORE_REDIS_DB", "3")
	t.Setenv("CONVOFLOW_LLM_API_KEY", "sk-test")
	t.Setenv("CONVOFLOW_LLM_RETRY_MAX_RETRIES", "7")
	t.Setenv("CONVOFLOW_LLM_NATIVE_TOOLS", "false")
	t.Setenv("CONVOFLOW_ORCHESTRATOR_MAX_HOPS", "3")
	t.Setenv("CONVOFLOW_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/tmp/convoflow.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, "wss://env.example.com", cfg.Relay.URL)
	assert.Equal(t, 750*time.Millisecond, cfg.Relay.PublishTimeout)
	assert.Equal(t, persistence.StoreTypeSQL, cfg.Store.Type)
	assert.Equal(t, 3, cfg.Store.Redis.DB)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 7, cfg.LLM.Retry.MaxRetries)
	assert.False(t, cfg.LLM.NativeTools)
	assert.Equal(t, 3, cfg.Orchestrator.MaxHops)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	t.Setenv("CONVOFLOW_LOG_LEVEL", "error")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("CF_DEDUP_MAX_ENTRIES", "42")

	cfg, err := NewLoader().WithEnvPrefix("CF").Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Dedup.MaxEntries)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("CONVOFLOW_DEDUP_SAVE_DELAY", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVOFLOW_DEDUP_SAVE_DELAY")
}

func TestLoader_Validators(t *testing.T) {
	cfg, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	t.Setenv("CONVOFLOW_RELAY_URL", "")
	t.Setenv("CONVOFLOW_DEDUP_MAX_ENTRIES", "0")
	_, err = NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup.max_entries")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "missing relay",
			mutate:  func(c *Config) { c.Relay.URL = "" },
			wantErr: "relay.url is required",
		},
		{
			name:    "missing agents file",
			mutate:  func(c *Config) { c.Project.AgentsFile = " " },
			wantErr: "project.agents_file is required",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: `unsupported store type "etcd"`,
		},
		{
			name: "sql without driver",
			mutate: func(c *Config) {
				c.Store.Type = persistence.StoreTypeSQL
				c.Database.Driver = "oracle"
			},
			wantErr: `unsupported database driver "oracle"`,
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Loop.Temperature = 3 },
			wantErr: "loop.temperature",
		},
		{
			name:    "zero hops",
			mutate:  func(c *Config) { c.Orchestrator.MaxHops = 0 },
			wantErr: "orchestrator.max_hops",
		},
		{
			name:    "sample rate",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "telemetry.sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg: DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u",
				Password: "p", Name: "convoflow", SSLMode: "disable"},
			want: "host=db port=5432 user=u password=p dbname=convoflow sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "convoflow"},
			want: "u:p@tcp(db:3306)/convoflow?parseTime=true",
		},
		{
			name: "sqlite",
			cfg:  DatabaseConfig{Driver: "sqlite", Name: "data/convoflow.db"},
			want: "data/convoflow.db",
		},
		{
			name: "unknown",
			cfg:  DatabaseConfig{Driver: "oracle"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o644))
	assert.Panics(t, func() { MustLoad(path) })
}
