package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// --- 默认配置测试 ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultServerConfig(), cfg.Server)
	assert.Equal(t, DefaultRouterConfig(), cfg.Router)
	assert.Equal(t, DefaultHealthConfig(), cfg.Health)
	assert.Equal(t, DefaultVaultConfig(), cfg.Vault)
	assert.Equal(t, DefaultRedisConfig(), cfg.Redis)
	assert.Equal(t, DefaultDatabaseConfig(), cfg.Database)
	assert.Equal(t, DefaultLogConfig(), cfg.Log)
	assert.Equal(t, DefaultTelemetryConfig(), cfg.Telemetry)
	assert.Equal(t, DefaultJWTConfig(), cfg.JWT)
	assert.Equal(t, DefaultRateLimitConfig(), cfg.RateLimit)
}

func TestDefaultRouterConfig(t *testing.T) {
	c := DefaultRouterConfig()
	assert.Equal(t, 60*time.Second, c.AttemptTimeout)
	assert.Equal(t, 1000, c.DefaultMaxTokens)
	assert.InDelta(t, 0.7, c.DefaultTemperature, 1e-9)
	assert.Equal(t, "openai", c.FallbackVendor)
	assert.Equal(t, "gpt-4o-mini", c.FallbackModel)
	assert.Equal(t, 10*time.Minute, c.IdempotencyTTL)
}

func TestDefaultHealthConfig(t *testing.T) {
	c := DefaultHealthConfig()
	assert.True(t, c.Enabled)
	assert.Equal(t, 60*time.Second, c.Interval)
	assert.Less(t, c.Timeout, c.Interval)
}

func TestDefaultStorageIsOptional(t *testing.T) {
	// 零配置启动时不依赖外部存储
	assert.Empty(t, DefaultRedisConfig().Addr)
	db := DefaultDatabaseConfig()
	assert.Empty(t, db.Driver)
	assert.Empty(t, db.DSN())
	assert.Equal(t, 30*time.Second, DefaultRedisConfig().CandidateTTL)
}

func TestDefaultSecurityConfig(t *testing.T) {
	assert.Empty(t, DefaultJWTConfig().Secret)
	assert.Equal(t, []string{"admin", "owner"}, DefaultJWTConfig().AdminRoles)
	assert.Empty(t, DefaultVaultConfig().Passphrase)
	assert.Equal(t, 1, DefaultVaultConfig().KeyVersion)
}

func TestDefaultLogAndTelemetryConfig(t *testing.T) {
	assert.Equal(t, "info", DefaultLogConfig().Level)
	assert.Equal(t, []string{"stdout"}, DefaultLogConfig().OutputPaths)
	assert.False(t, DefaultTelemetryConfig().Enabled)
	assert.Equal(t, "llmrouter", DefaultTelemetryConfig().ServiceName)
}
