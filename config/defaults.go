// =============================================================================
// 📦 ImageFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      DefaultAuthConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Storage:   DefaultStorageConfig(),
		Providers: DefaultProvidersConfig(),
		Imaging:   DefaultImagingConfig(),
		Studio:    DefaultStudioConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    64 << 20, // 4 张参考图的 base64
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		DefaultUser:  "operator",
		DefaultRoles: []string{"image:generate", "image:edit"},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "imageflow",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "imageflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:       "local",
		LocalRoot:     "data/uploads",
		PublicBaseURL: "/uploads",
		S3: S3Config{
			Region:       "us-east-1",
			UsePathStyle: true,
		},
	}
}

// DefaultProvidersConfig 返回默认服务商配置
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		OpenAI: ProviderConfig{
			BaseURL: "https://api.openai.com",
			Timeout: 60 * time.Second,
		},
		Gemini: ProviderConfig{
			BaseURL: "https://generativelanguage.googleapis.com",
			Timeout: 60 * time.Second,
		},
		Flux: ProviderConfig{
			BaseURL:      "https://api.bfl.ai",
			Timeout:      60 * time.Second,
			PollAttempts: 60,
			PollInterval: 1500 * time.Millisecond,
		},
	}
}

// DefaultImagingConfig 返回默认规范化配置
func DefaultImagingConfig() ImagingConfig {
	return ImagingConfig{
		MaxBytes:    100 << 20,
		MaxPixels:   64_000_000,
		Background:  "#ffffff",
		JPEGQuality: 90,
	}
}

// DefaultStudioConfig 返回默认编排配置
func DefaultStudioConfig() StudioConfig {
	return StudioConfig{
		BufferTTL:       time.Hour,
		ModelCacheTTL:   24 * time.Hour,
		ModelCacheSize:  16,
		HistoryEnabled:  false,
		HistoryLimit:    50,
		PromptMaxLength: 500,
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

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "imageflow",
		SampleRate:   0.1,
	}
}
