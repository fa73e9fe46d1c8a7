// =============================================================================
// 📦 ImageFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("IMAGEFLOW").
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
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ImageFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Auth 认证与默认身份配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Redis 编辑缓冲区存储
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Storage 图像二进制存储
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Providers 图像服务商配置
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Imaging 图像规范化配置
	Imaging ImagingConfig `yaml:"imaging" env:"IMAGING"`

	// Studio 生成/编辑编排配置
	Studio StudioConfig `yaml:"studio" env:"STUDIO"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（需覆盖服务商调用 + 轮询时长）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 请求体上限（字节），参考图以 base64 内联
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// API Keys（未启用 JWT 时使用）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许通过 query 传递 api_key
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每个 IP 的限流
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// JWT 配置；Secret 与 PublicKey 均为空时退回 API Key + 默认身份
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	// 默认用户（API Key 模式）
	DefaultUser string `yaml:"default_user" env:"DEFAULT_USER"`
	// 默认角色（API Key 模式）
	DefaultRoles []string `yaml:"default_roles" env:"DEFAULT_ROLES"`
}

// JWTConfig JWT 校验配置
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 报告是否配置了任何校验密钥
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
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
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// StorageConfig 二进制存储配置
type StorageConfig struct {
	// 后端: local, s3
	Backend string `yaml:"backend" env:"BACKEND"`
	// 本地根目录
	LocalRoot string `yaml:"local_root" env:"LOCAL_ROOT"`
	// 对外访问 URL 前缀
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`
	// S3 兼容存储
	S3 S3Config `yaml:"s3" env:"S3"`
}

// S3Config S3 兼容存储配置
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
}

// ProvidersConfig 三个图像服务商
type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai" env:"OPENAI"`
	Gemini ProviderConfig `yaml:"gemini" env:"GEMINI"`
	Flux   ProviderConfig `yaml:"flux" env:"FLUX"`
}

// ProviderConfig 单个服务商配置
// APIKey 为部署级凭据，优先于数据库中保存的凭据。
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PollAttempts int           `yaml:"poll_attempts" env:"POLL_ATTEMPTS"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// ImagingConfig 规范化配置
type ImagingConfig struct {
	// 解码前的字节上限
	MaxBytes int64 `yaml:"max_bytes" env:"MAX_BYTES"`
	// 解码后的像素上限
	MaxPixels int64 `yaml:"max_pixels" env:"MAX_PIXELS"`
	// 去除透明通道时的背景色 (#rrggbb)
	Background string `yaml:"background" env:"BACKGROUND"`
	// JPEG 质量
	JPEGQuality int `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

// StudioConfig 编排配置
type StudioConfig struct {
	// 编辑缓冲区 TTL（读取时刷新）
	BufferTTL time.Duration `yaml:"buffer_ttl" env:"BUFFER_TTL"`
	// 模型列表缓存 TTL
	ModelCacheTTL time.Duration `yaml:"model_cache_ttl" env:"MODEL_CACHE_TTL"`
	// 模型列表缓存容量
	ModelCacheSize int `yaml:"model_cache_size" env:"MODEL_CACHE_SIZE"`
	// 是否记录历史（默认关闭）
	HistoryEnabled bool `yaml:"history_enabled" env:"HISTORY_ENABLED"`
	// 每个附件保留的历史条数
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`
	// 历史中 prompt 的最大长度（字符）
	PromptMaxLength int `yaml:"prompt_max_length" env:"PROMPT_MAX_LENGTH"`
	// 追加到内置目录的模型（仅 YAML）
	ExtraModels CatalogConfig `yaml:"extra_models"`
}

// CatalogConfig 按服务商追加模型。键为 openai、gemini 或 flux。
type CatalogConfig struct {
	Generate         map[string][]string `yaml:"generate"`
	Edit             map[string][]string `yaml:"edit"`
	MultiReference   map[string][]string `yaml:"multi_reference"`
	CustomResolution map[string][]string `yaml:"custom_resolution"`
}

// IsZero 报告是否没有任何追加项
func (c CatalogConfig) IsZero() bool {
	return len(c.Generate) == 0 && len(c.Edit) == 0 &&
		len(c.MultiReference) == 0 && len(c.CustomResolution) == 0
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
// 🔧 配置加载器
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
		envPrefix:  "IMAGEFLOW",
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

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
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

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
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
// 🔍 辅助函数
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

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			errs = append(errs, "storage.local_root is required for the local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, "storage.s3.bucket is required for the s3 backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported storage backend %q", c.Storage.Backend))
	}

	for name, p := range map[string]ProviderConfig{
		"openai": c.Providers.OpenAI,
		"gemini": c.Providers.Gemini,
		"flux":   c.Providers.Flux,
	} {
		if p.Timeout <= 0 {
			errs = append(errs, name+" timeout must be positive")
		}
	}
	if c.Providers.Flux.PollAttempts <= 0 || c.Providers.Flux.PollInterval <= 0 {
		errs = append(errs, "flux poll bounds must be positive")
	}

	if c.Imaging.MaxBytes <= 0 || c.Imaging.MaxPixels <= 0 {
		errs = append(errs, "imaging ceilings must be positive")
	}
	if c.Imaging.JPEGQuality < 1 || c.Imaging.JPEGQuality > 100 {
		errs = append(errs, "imaging.jpeg_quality must be between 1 and 100")
	}

	if c.Studio.BufferTTL <= 0 || c.Studio.ModelCacheTTL <= 0 {
		errs = append(errs, "studio TTLs must be positive")
	}
	if c.Studio.HistoryLimit <= 0 {
		errs = append(errs, "studio.history_limit must be positive")
	}
	for _, byProvider := range []map[string][]string{
		c.Studio.ExtraModels.Generate,
		c.Studio.ExtraModels.Edit,
		c.Studio.ExtraModels.MultiReference,
		c.Studio.ExtraModels.CustomResolution,
	} {
		for name := range byProvider {
			switch name {
			case "openai", "gemini", "flux":
			default:
				errs = append(errs, fmt.Sprintf("studio.extra_models: unknown provider %q", name))
			}
		}
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
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
