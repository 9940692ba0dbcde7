package providers

import "time"

// Config 是 OpenAI 兼容 Provider 的连接配置
type Config struct {
	// Name 是 Provider 的标识，出现在日志与错误里
	Name    string        `json:"name" yaml:"name" env:"NAME"`
	APIKey  string        `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty" env:"MODEL"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`

	// NativeTools 为 false 时不下发工具定义，由上层解析文本中的工具调用
	NativeTools bool `json:"native_tools" yaml:"native_tools" env:"NATIVE_TOOLS"`
	// MaxToolRounds 限制一次流式请求内的工具往返次数
	MaxToolRounds int `json:"max_tool_rounds" yaml:"max_tool_rounds" env:"MAX_TOOL_ROUNDS"`

	Retry RetryConfig `json:"retry" yaml:"retry" env:"RETRY"`
}

// DefaultConfig 返回 OpenAI 官方端点的默认配置
func DefaultConfig() Config {
	return Config{
		Name:          "openai",
		BaseURL:       "https://api.openai.com",
		Model:         "gpt-4o",
		Timeout:       2 * time.Minute,
		NativeTools:   true,
		MaxToolRounds: 8,
		Retry:         DefaultRetryConfig(),
	}
}
