// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// API key 摘要算法
const (
	APIKeyAlgorithmSHA256  = "sha-256"
	APIKeyAlgorithmSHA3256 = "sha3-256"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Log             LogConfig             `mapstructure:"log"`
	CORS            CORSConfig            `mapstructure:"cors"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Security        SecurityConfig        `mapstructure:"security"`
	Toolkit         ToolkitConfig         `mapstructure:"toolkit"`
	PolicyCache     PolicyCacheConfig     `mapstructure:"policy_cache"`
	CredentialCache CredentialCacheConfig `mapstructure:"credential_cache"`
	Idempotency     IdempotencyConfig     `mapstructure:"idempotency"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`
	Timezone        string                `mapstructure:"timezone"` // e.g. "Asia/Shanghai", "UTC"
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Mode 为 gin 运行模式：debug / release / test
	Mode                     string   `mapstructure:"mode"`
	ReadHeaderTimeoutSeconds int      `mapstructure:"read_header_timeout"`
	IdleTimeoutSeconds       int      `mapstructure:"idle_timeout"`
	TrustedProxies           []string `mapstructure:"trusted_proxies"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// 连接池配置
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `mapstructure:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `mapstructure:"conn_max_idle_time_minutes"`
}

func (d *DatabaseConfig) DSN() string {
	// 当密码为空时不包含 password 参数，避免 libpq 解析错误
	if d.Password == "" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.DBName, d.SSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig Redis 连接配置。Enabled=false 时凭证缓存退化为仅 L1。
type RedisConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db"`
	DialTimeoutSeconds  int    `mapstructure:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	PoolSize            int    `mapstructure:"pool_size"`
	MinIdleConns        int    `mapstructure:"min_idle_conns"`
}

func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type SecurityConfig struct {
	APIKey APIKeyConfig `mapstructure:"api_key"`
}

// APIKeyConfig API key 摘要配置。
type APIKeyConfig struct {
	// Pepper 参与摘要计算的服务端盐，不入库。
	Pepper string `mapstructure:"pepper"`
	// Algorithm 摘要算法：sha-256（默认）或 sha3-256。
	Algorithm string `mapstructure:"algorithm"`
	// Prefix 生成的明文 key 前缀，便于日志中辨识泄露。
	Prefix string `mapstructure:"prefix"`
}

// ToolkitConfig 拦截链全局配置。
type ToolkitConfig struct {
	// Enabled 为 false 时所有操作直接透传，不经过任何阶段。
	Enabled bool `mapstructure:"enabled"`
	// MaxPayloadChars 审计载荷字符上限，超出部分截断为预览信封。
	MaxPayloadChars int `mapstructure:"max_payload_chars"`
	// ExcludeTargets 目标类型名前缀列表，命中的操作完全绕过拦截链。
	ExcludeTargets []string `mapstructure:"exclude_targets"`
}

// PolicyCacheConfig 策略读穿缓存配置。
type PolicyCacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	Size       int `mapstructure:"size"`
}

// CredentialCacheConfig API 凭证认证缓存配置。
type CredentialCacheConfig struct {
	L1Size             int  `mapstructure:"l1_size"`
	L1TTLSeconds       int  `mapstructure:"l1_ttl_seconds"`
	L2TTLSeconds       int  `mapstructure:"l2_ttl_seconds"`
	NegativeTTLSeconds int  `mapstructure:"negative_ttl_seconds"`
	JitterPercent      int  `mapstructure:"jitter_percent"`
	Singleflight       bool `mapstructure:"singleflight"`
}

type IdempotencyConfig struct {
	// DefaultTTLSeconds 幂等记录默认 TTL（秒），策略可覆盖。
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
	// WaitBudgetMillis 遇到进行中记录时的短轮询总预算（毫秒）。
	WaitBudgetMillis int `mapstructure:"wait_budget_millis"`
	// PollIntervalMillis 短轮询步长（毫秒）。
	PollIntervalMillis int `mapstructure:"poll_interval_millis"`
	// CleanupSchedule 过期记录清理 cron 表达式（5 段）。
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	// CleanupBatchSize 每次清理的最大记录数。
	CleanupBatchSize int `mapstructure:"cleanup_batch_size"`
}

type MetricsConfig struct {
	// Enabled 为 true 时暴露 /metrics prometheus 端点。
	Enabled bool `mapstructure:"enabled"`
}

// Load 读取并校验完整配置。
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config paths in priority order
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath("/app/data")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/gatekit")

	// 环境变量支持：GATEKIT_SERVER_PORT 等
	viper.SetEnvPrefix("gatekit")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Log.ServiceName = strings.TrimSpace(cfg.Log.ServiceName)
	cfg.Log.Environment = strings.TrimSpace(cfg.Log.Environment)
	cfg.Log.StacktraceLevel = strings.ToLower(strings.TrimSpace(cfg.Log.StacktraceLevel))
	cfg.Log.Output.FilePath = strings.TrimSpace(cfg.Log.Output.FilePath)
	cfg.CORS.AllowedOrigins = normalizeStringSlice(cfg.CORS.AllowedOrigins)
	cfg.Security.APIKey.Pepper = strings.TrimSpace(cfg.Security.APIKey.Pepper)
	cfg.Security.APIKey.Algorithm = strings.ToLower(strings.TrimSpace(cfg.Security.APIKey.Algorithm))
	cfg.Security.APIKey.Prefix = strings.TrimSpace(cfg.Security.APIKey.Prefix)
	cfg.Toolkit.ExcludeTargets = normalizeStringSlice(cfg.Toolkit.ExcludeTargets)
	cfg.Idempotency.CleanupSchedule = strings.TrimSpace(cfg.Idempotency.CleanupSchedule)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)
	viper.SetDefault("server.trusted_proxies", []string{})

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.service_name", "gatekit")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", true)

	// CORS
	viper.SetDefault("cors.allowed_origins", []string{})
	viper.SetDefault("cors.allow_credentials", false)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "gatekit")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime_minutes", 60)
	viper.SetDefault("database.conn_max_idle_time_minutes", 10)

	// Redis
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_seconds", 5)
	viper.SetDefault("redis.read_timeout_seconds", 3)
	viper.SetDefault("redis.write_timeout_seconds", 3)
	viper.SetDefault("redis.pool_size", 20)
	viper.SetDefault("redis.min_idle_conns", 2)

	// Security
	viper.SetDefault("security.api_key.pepper", "")
	viper.SetDefault("security.api_key.algorithm", APIKeyAlgorithmSHA256)
	viper.SetDefault("security.api_key.prefix", "gk")

	// Toolkit
	viper.SetDefault("toolkit.enabled", true)
	viper.SetDefault("toolkit.max_payload_chars", 20000)
	viper.SetDefault("toolkit.exclude_targets", []string{})

	// Policy cache
	viper.SetDefault("policy_cache.ttl_seconds", 30)
	viper.SetDefault("policy_cache.size", 10000)

	// Credential cache
	viper.SetDefault("credential_cache.l1_size", 5000)
	viper.SetDefault("credential_cache.l1_ttl_seconds", 60)
	viper.SetDefault("credential_cache.l2_ttl_seconds", 300)
	viper.SetDefault("credential_cache.negative_ttl_seconds", 30)
	viper.SetDefault("credential_cache.jitter_percent", 10)
	viper.SetDefault("credential_cache.singleflight", true)

	// Idempotency
	viper.SetDefault("idempotency.default_ttl_seconds", 24*3600)
	viper.SetDefault("idempotency.wait_budget_millis", 2000)
	viper.SetDefault("idempotency.poll_interval_millis", 200)
	viper.SetDefault("idempotency.cleanup_schedule", "*/10 * * * *")
	viper.SetDefault("idempotency.cleanup_batch_size", 500)

	// Metrics
	viper.SetDefault("metrics.enabled", true)

	viper.SetDefault("timezone", "UTC")
}

// Validate 校验配置合法性。
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid server mode: %s", c.Server.Mode)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database dbname is required")
	}

	switch c.Security.APIKey.Algorithm {
	case APIKeyAlgorithmSHA256, APIKeyAlgorithmSHA3256:
	default:
		return fmt.Errorf("invalid api key algorithm: %s", c.Security.APIKey.Algorithm)
	}

	if c.Toolkit.MaxPayloadChars < 0 {
		return fmt.Errorf("toolkit.max_payload_chars must be >= 0")
	}
	if c.PolicyCache.TTLSeconds <= 0 {
		return fmt.Errorf("policy_cache.ttl_seconds must be > 0")
	}
	if c.PolicyCache.Size <= 0 {
		return fmt.Errorf("policy_cache.size must be > 0")
	}
	if c.Idempotency.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("idempotency.default_ttl_seconds must be > 0")
	}
	if c.Idempotency.PollIntervalMillis <= 0 {
		return fmt.Errorf("idempotency.poll_interval_millis must be > 0")
	}
	if c.Idempotency.WaitBudgetMillis < 0 {
		return fmt.Errorf("idempotency.wait_budget_millis must be >= 0")
	}
	if c.Idempotency.CleanupBatchSize <= 0 {
		return fmt.Errorf("idempotency.cleanup_batch_size must be > 0")
	}

	return nil
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
