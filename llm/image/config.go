package image

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/metrics"
)

// AdapterConfig 配置单个服务商适配器。
type AdapterConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// 仅异步服务商使用
	PollAttempts int           `json:"poll_attempts,omitempty" yaml:"poll_attempts,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

const defaultTimeout = 60 * time.Second

// DefaultOpenAIConfig 返回默认 OpenAI 图像配置。
func DefaultOpenAIConfig() AdapterConfig {
	return AdapterConfig{
		BaseURL: "https://api.openai.com",
		Timeout: defaultTimeout,
	}
}

// DefaultGeminiConfig 返回默认 Gemini 图像配置。
func DefaultGeminiConfig() AdapterConfig {
	return AdapterConfig{
		BaseURL: "https://generativelanguage.googleapis.com",
		Timeout: defaultTimeout,
	}
}

// DefaultFluxConfig 返回默认 Flux 配置。
func DefaultFluxConfig() AdapterConfig {
	return AdapterConfig{
		BaseURL:      "https://api.bfl.ai",
		Timeout:      defaultTimeout,
		PollAttempts: 60,
		PollInterval: 1500 * time.Millisecond,
	}
}

// withDefaults 用 def 填补 c 中的零值。
func (c AdapterConfig) withDefaults(def AdapterConfig) AdapterConfig {
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = def.PollAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// Deps 是所有适配器共享的协作者。
type Deps struct {
	Catalog     Capabilities
	Credentials CredentialSource
	Transport   Transport
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

func (d Deps) withDefaults(timeout time.Duration) Deps {
	if d.Transport == nil {
		d.Transport = DefaultTransport(timeout)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}
