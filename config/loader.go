// =============================================================================
// convoflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("convoflow.yaml").
//	    WithEnvPrefix("CONVOFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/convoflow/agent"
	"github.com/BaSui01/convoflow/dedup"
	"github.com/BaSui01/convoflow/llm/providers"
	"github.com/BaSui01/convoflow/nostr"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/persistence"
	"github.com/BaSui01/convoflow/routing"
)

// =============================================================================
// 核心配置结构
// =============================================================================

// Config 是 convoflow 的完整配置结构
type Config struct {
	// Project 项目身份与 Agent 注册表
	Project ProjectConfig `yaml:"project" env:"PROJECT"`

	// LLM 模型服务配置
	LLM providers.Config `yaml:"llm" env:"LLM"`

	// Relay 事件网络中继
	Relay RelayConfig `yaml:"relay" env:"RELAY"`

	// Store 会话与去重持久化
	Store persistence.StoreConfig `yaml:"store" env:"STORE"`

	// Database SQL 存储使用的数据库
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Dedup 已处理事件集合
	Dedup dedup.Config `yaml:"dedup" env:"DEDUP"`

	// Routing 路由决策
	Routing routing.Config `yaml:"routing" env:"ROUTING"`

	// Loop Agent 执行循环
	Loop agent.Config `yaml:"loop" env:"LOOP"`

	// Tools 工具执行
	Tools ToolsConfig `yaml:"tools" env:"TOOLS"`

	// Orchestrator 事件处理
	Orchestrator orchestrator.Config `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics Prometheus 指标端点
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ProjectConfig 描述当前项目
type ProjectConfig struct {
	// Identity 项目地址 "<kind>:<owner pubkey>:<d-tag>"
	Identity string `yaml:"identity" env:"IDENTITY"`
	// AgentsFile Agent 定义（YAML 列表）
	AgentsFile string `yaml:"agents_file" env:"AGENTS_FILE"`
	// WorkingDir 工具执行与文件存储的根目录
	WorkingDir string `yaml:"working_dir" env:"WORKING_DIR"`
	// SignerPubKey 项目签名身份
	SignerPubKey string `yaml:"signer_pubkey" env:"SIGNER_PUBKEY"`
}

// RelayConfig 中继连接配置
type RelayConfig struct {
	nostr.ClientConfig `yaml:",inline" env:""`
	// Since 订阅回放的时间窗口
	Since time.Duration `yaml:"since" env:"SINCE"`
}

// ToolsConfig 工具执行配置
type ToolsConfig struct {
	// Concurrency 同一批工具调用的并发上限
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// Timeout 单个工具的执行超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// RateLimitCalls / RateLimitWindow 单个工具的调用频率限制，0 表示不限制
	RateLimitCalls  int           `yaml:"rate_limit_calls" env:"RATE_LIMIT_CALLS"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"RATE_LIMIT_WINDOW"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig 指标端点配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Path    string `yaml:"path" env:"PATH"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONVOFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。
// 嵌入字段的 env tag 为空时沿用父级前缀。
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag, tagged := fieldType.Tag.Lookup("env")
		if envTag == "-" || (!tagged && !fieldType.Anonymous) {
			continue
		}

		envKey := prefix
		if envTag != "" {
			envKey = prefix + "_" + envTag
		}

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Project.AgentsFile) == "" {
		errs = append(errs, "project.agents_file is required")
	}
	if strings.TrimSpace(c.Relay.URL) == "" {
		errs = append(errs, "relay.url is required")
	}

	switch c.Store.Type {
	case persistence.StoreTypeMemory, persistence.StoreTypeFile, persistence.StoreTypeRedis:
	case persistence.StoreTypeSQL:
		if c.Database.DSN() == "" {
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported store type %q", c.Store.Type))
	}

	if c.Dedup.MaxEntries <= 0 {
		errs = append(errs, "dedup.max_entries must be positive")
	}
	if c.Routing.MaxAttempts <= 0 {
		errs = append(errs, "routing.max_attempts must be positive")
	}
	if c.Loop.MaxAttempts <= 0 {
		errs = append(errs, "loop.max_attempts must be positive")
	}
	if c.Loop.Temperature < 0 || c.Loop.Temperature > 2 {
		errs = append(errs, "loop.temperature must be between 0 and 2")
	}
	if c.Orchestrator.MaxHops <= 0 {
		errs = append(errs, "orchestrator.max_hops must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
