// =============================================================================
// 📦 llmrouter 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("LLMROUTER").
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

// DefaultEnvPrefix 是环境变量前缀
const DefaultEnvPrefix = "LLMROUTER"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 llmrouter 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Router 路由配置
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Health 健康探测配置
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Vault 凭据加密配置
	Vault VaultConfig `yaml:"vault" env:"VAULT"`

	// Providers 静态目录种子，数据库未配置时直接作为目录使用
	Providers []ProviderConfig `yaml:"providers" env:"-"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// JWT 管理接口鉴权
	JWT JWTConfig `yaml:"jwt" env:"JWT"`

	// RateLimit 入口限流
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示挂在 HTTP 端口的 /metrics 上
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，流式响应不受此限制
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RouterConfig 路由配置
type RouterConfig struct {
	// 单次尝试超时
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	// 候选未声明 max_tokens 时的默认值
	DefaultMaxTokens int `yaml:"default_max_tokens" env:"DEFAULT_MAX_TOKENS"`
	// 请求未指定温度时的默认值
	DefaultTemperature float64 `yaml:"default_temperature" env:"DEFAULT_TEMPERATURE"`
	// 直连兜底厂商
	FallbackVendor string `yaml:"fallback_vendor" env:"FALLBACK_VENDOR"`
	// 直连兜底模型
	FallbackModel string `yaml:"fallback_model" env:"FALLBACK_MODEL"`
	// 直连兜底地址，空则使用厂商预设
	FallbackBaseURL string `yaml:"fallback_base_url" env:"FALLBACK_BASE_URL"`
	// 带 Idempotency-Key 的非流式结果保留时间，0 表示不去重
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
}

// HealthConfig 健康探测配置
type HealthConfig struct {
	// 是否启用后台探测
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 探测间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 单次探测超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// VaultConfig 凭据加密配置
type VaultConfig struct {
	// 当前密钥口令
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
	// 当前密钥版本
	KeyVersion int `yaml:"key_version" env:"KEY_VERSION"`
	// 历史密钥，格式 "版本:口令"，用于解密旧密文与轮换
	PreviousKeys []string `yaml:"previous_keys" env:"PREVIOUS_KEYS"`
}

// ProviderConfig 是一条静态目录记录
type ProviderConfig struct {
	Name      string   `yaml:"name"`
	Vendor    string   `yaml:"vendor"`
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url"`
	AccountID string   `yaml:"account_id"`
	IsDefault bool     `yaml:"is_default"`
	UseCases  []string `yaml:"use_cases"`
	MaxTokens int      `yaml:"max_tokens"`
	// 目录中保存的密文，通常留空改用 <VENDOR>_API_KEY
	EncryptedKey string `yaml:"encrypted_key"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址，为空时不启用候选缓存
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 候选列表缓存时间
	CandidateTTL time.Duration `yaml:"candidate_ttl" env:"CANDIDATE_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite，为空时使用静态目录
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
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

// JWTConfig 管理接口的 JWT 配置
type JWTConfig struct {
	// HMAC 密钥，为空时所有请求都视为未授权
	Secret string `yaml:"secret" env:"SECRET"`
	// 期望的签发者，为空时不校验
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 视为已授权的角色
	AdminRoles []string `yaml:"admin_roles" env:"ADMIN_ROLES"`
}

// RateLimitConfig 入口限流配置
type RateLimitConfig struct {
	// 每秒请求数，0 表示不限流
	RPS float64 `yaml:"rps" env:"RPS"`
	// 突发容量
	Burst int `yaml:"burst" env:"BURST"`
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
		envPrefix:  DefaultEnvPrefix,
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

// WithValidator 添加验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
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

		// 如果是结构体，递归处理
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

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	if c.Router.AttemptTimeout <= 0 {
		errs = append(errs, "router.attempt_timeout must be positive")
	}
	if c.Router.DefaultMaxTokens <= 0 {
		errs = append(errs, "router.default_max_tokens must be positive")
	}
	if c.Router.DefaultTemperature < 0 || c.Router.DefaultTemperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}

	if c.Health.Enabled && (c.Health.Interval <= 0 || c.Health.Timeout <= 0) {
		errs = append(errs, "health interval and timeout must be positive")
	}
	if c.Health.Timeout > c.Health.Interval && c.Health.Enabled {
		errs = append(errs, "health timeout must not exceed interval")
	}

	if _, err := c.Vault.ParsePreviousKeys(); err != nil {
		errs = append(errs, err.Error())
	}

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" || p.Vendor == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: name and vendor are required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
	}

	if c.Router.IdempotencyTTL < 0 {
		errs = append(errs, "router idempotency_ttl must not be negative")
	}

	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, "rate_limit burst must be positive when rps is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ParsePreviousKeys 解析 "版本:口令" 列表
func (v VaultConfig) ParsePreviousKeys() (map[int]string, error) {
	out := make(map[int]string, len(v.PreviousKeys))
	for _, entry := range v.PreviousKeys {
		ver, pass, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || pass == "" {
			return nil, fmt.Errorf("vault.previous_keys: entry must be version:passphrase")
		}
		n, err := strconv.Atoi(ver)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("vault.previous_keys: invalid version %q", ver)
		}
		if n == v.KeyVersion {
			return nil, fmt.Errorf("vault.previous_keys: version %d is the current key", n)
		}
		out[n] = pass
	}
	return out, nil
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
