package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the usageguard service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Governance GovernanceConfig `mapstructure:"governance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles public API callers per client IP.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Options  map[string]string `mapstructure:"options"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AdminConfig configures verification of operator bearer tokens.
type AdminConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// GovernanceConfig groups the usage governance knobs.
type GovernanceConfig struct {
	SessionTimeout           time.Duration   `mapstructure:"session_timeout"`
	SessionCacheTTL          time.Duration   `mapstructure:"session_cache_ttl"`
	ConfigCacheTTL           time.Duration   `mapstructure:"config_cache_ttl"`
	FailOpen                 bool            `mapstructure:"fail_open"`
	MinFingerprintConfidence float64         `mapstructure:"min_fingerprint_confidence"`
	Scoring                  ScoringConfig   `mapstructure:"scoring"`
	Scheduler                SchedulerConfig `mapstructure:"scheduler"`
	Retention                RetentionConfig `mapstructure:"retention"`
}

// ScoringConfig carries the sharing score weights and thresholds.
type ScoringConfig struct {
	HardwareWeight      float64       `mapstructure:"hardware_weight"`
	BehaviorWeight      float64       `mapstructure:"behavior_weight"`
	SessionWeight       float64       `mapstructure:"session_weight"`
	PerDeviceScore      int           `mapstructure:"per_device_score"`
	HighDeviceScore     int           `mapstructure:"high_device_score"`
	DeviceThreshold     int           `mapstructure:"device_threshold"`
	SuspicionMultiplier int           `mapstructure:"suspicion_multiplier"`
	SessionMultiplier   int           `mapstructure:"session_multiplier"`
	PermanentThreshold  int           `mapstructure:"permanent_threshold"`
	TemporaryThreshold  int           `mapstructure:"temporary_threshold"`
	TemporaryDuration   time.Duration `mapstructure:"temporary_duration"`
}

// SchedulerConfig controls the daily quota reset job.
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	CheckSchedule string `mapstructure:"check_schedule"`
	AutoStart     bool   `mapstructure:"auto_start"`
}

// RetentionConfig controls pruning of stale governance rows.
type RetentionConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SessionDays     int    `mapstructure:"session_days"`
	FingerprintDays int    `mapstructure:"fingerprint_days"`
	Schedule        string `mapstructure:"schedule"`
	SweepSchedule   string `mapstructure:"sweep_schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("USAGEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests", 600)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/usageguard.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.prefix", "usageguard:")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("admin.jwt.issuer", "usageguard")
	v.SetDefault("admin.jwt.access_token_ttl", "15m")

	v.SetDefault("governance.session_timeout", "30m")
	v.SetDefault("governance.session_cache_ttl", "15s")
	v.SetDefault("governance.config_cache_ttl", "30s")
	v.SetDefault("governance.fail_open", false)
	v.SetDefault("governance.min_fingerprint_confidence", 0.5)

	v.SetDefault("governance.scoring.hardware_weight", 0.4)
	v.SetDefault("governance.scoring.behavior_weight", 0.4)
	v.SetDefault("governance.scoring.session_weight", 0.2)
	v.SetDefault("governance.scoring.per_device_score", 15)
	v.SetDefault("governance.scoring.high_device_score", 60)
	v.SetDefault("governance.scoring.device_threshold", 3)
	v.SetDefault("governance.scoring.suspicion_multiplier", 5)
	v.SetDefault("governance.scoring.session_multiplier", 35)
	v.SetDefault("governance.scoring.permanent_threshold", 85)
	v.SetDefault("governance.scoring.temporary_threshold", 60)
	v.SetDefault("governance.scoring.temporary_duration", "72h")

	v.SetDefault("governance.scheduler.enabled", true)
	v.SetDefault("governance.scheduler.auto_start", true)
	v.SetDefault("governance.scheduler.check_schedule", "@every 1m")

	v.SetDefault("governance.retention.enabled", true)
	v.SetDefault("governance.retention.session_days", 30)
	v.SetDefault("governance.retention.fingerprint_days", 90)
	v.SetDefault("governance.retention.schedule", "@every 6h")
	v.SetDefault("governance.retention.sweep_schedule", "@every 5m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
