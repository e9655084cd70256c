// =============================================================================
// 📦 llmrouter 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Router:    DefaultRouterConfig(),
		Health:    DefaultHealthConfig(),
		Vault:     DefaultVaultConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		JWT:       DefaultJWTConfig(),
		RateLimit: DefaultRateLimitConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AttemptTimeout:     60 * time.Second,
		DefaultMaxTokens:   1000,
		DefaultTemperature: 0.7,
		FallbackVendor:     "openai",
		FallbackModel:      "gpt-4o-mini",
		IdempotencyTTL:     10 * time.Minute,
	}
}

// DefaultHealthConfig 返回默认健康探测配置
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:  true,
		Interval: 60 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// DefaultVaultConfig 返回默认凭据加密配置
func DefaultVaultConfig() VaultConfig {
	return VaultConfig{
		KeyVersion: 1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置，地址为空即不启用缓存
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		CandidateTTL: 30 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，驱动为空即使用静态目录
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "llmrouter",
		Password:        "",
		Name:            "llmrouter",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
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
		ServiceName:  "llmrouter",
		SampleRate:   0.1,
	}
}

// DefaultJWTConfig 返回默认 JWT 配置
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer:     "",
		AdminRoles: []string{"admin", "owner"},
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:   100,
		Burst: 200,
	}
}
