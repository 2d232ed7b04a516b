package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	Livestream LivestreamConfig `yaml:"livestream"`
	Pool       PoolConfig       `yaml:"pool"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerPoolConfig holds the configuration for the background job runner.
type WorkerPoolConfig struct {
	Size                 int           `yaml:"size" validate:"min=1"`
	QueueSize            int           `yaml:"queue_size" validate:"min=1"`
	MaxAttempts          int           `yaml:"max_attempts" validate:"min=1"`
	RetryDelaySeconds    int           `yaml:"retry_delay_seconds"`
	RetryDelay           time.Duration `yaml:"-"`
	ShutdownGraceSeconds int           `yaml:"shutdown_grace_seconds"`
	ShutdownGrace        time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key" validate:"required"`
	PrivateKey string `yaml:"vapid_private_key" validate:"required"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port" validate:"min=1,max=65535"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn" validate:"required"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogSQL                 bool   `yaml:"log_sql"`
}

// LivestreamConfig describes the vendor livestreaming API.
type LivestreamConfig struct {
	BaseURL             string        `yaml:"base_url" validate:"required,url"`
	APIKey              string        `yaml:"api_key"`
	AccessKey           string        `yaml:"access_key"`
	Region              string        `yaml:"region"`
	TimeoutSeconds      int           `yaml:"timeout_seconds"`
	Timeout             time.Duration `yaml:"-"`
	CreatesPerSecond    float64       `yaml:"creates_per_second"`
	BreakerMinRequests  uint32        `yaml:"breaker_min_requests"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio" validate:"gte=0,lte=1"`
	BreakerOpenSeconds  int           `yaml:"breaker_open_seconds"`
	BreakerOpen         time.Duration `yaml:"-"`
}

// PoolConfig bounds the livestream pool and its replenishment throughput.
type PoolConfig struct {
	MaxPoolSize               int           `yaml:"max_pool_size" validate:"min=0"`
	MaxCreateRequestsPerCycle int           `yaml:"max_create_requests_per_cycle" validate:"min=0"`
	CreateConcurrency         int           `yaml:"create_concurrency"`
	CleanupAfterHours         int           `yaml:"cleanup_after_hours"`
	CleanupAfter              time.Duration `yaml:"-"`
}

// SchedulerConfig holds the vlog request scheduling configuration.
type SchedulerConfig struct {
	Enabled                bool          `yaml:"enabled"`
	ResponseTimeoutSeconds int           `yaml:"response_timeout_seconds"`
	ResponseTimeout        time.Duration `yaml:"-"`
	ConnectTimeoutSeconds  int           `yaml:"connect_timeout_seconds"`
	ConnectTimeout         time.Duration `yaml:"-"`
	DailyRequestLimit      int           `yaml:"daily_request_limit" validate:"min=1"`
	WindowStartMinute      int           `yaml:"window_start_minute" validate:"min=0,max=1439"`
	WindowEndMinute        int           `yaml:"window_end_minute" validate:"min=0,max=1439"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Load reads the configuration from the given path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"VLOGD_DATABASE_DSN":          &cfg.Database.DSN,
		"VLOGD_VAPID_PUBLIC_KEY":      &cfg.Push.PublicKey,
		"VLOGD_VAPID_PRIVATE_KEY":     &cfg.Push.PrivateKey,
		"VLOGD_LIVESTREAM_API_KEY":    &cfg.Livestream.APIKey,
		"VLOGD_LIVESTREAM_ACCESS_KEY": &cfg.Livestream.AccessKey,
	}
	for key, field := range overrides {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 10
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.Livestream.TimeoutSeconds <= 0 {
		cfg.Livestream.TimeoutSeconds = 30
	}
	cfg.Livestream.Timeout = time.Duration(cfg.Livestream.TimeoutSeconds) * time.Second
	if cfg.Livestream.CreatesPerSecond <= 0 {
		cfg.Livestream.CreatesPerSecond = 2
	}
	if cfg.Livestream.BreakerMinRequests == 0 {
		cfg.Livestream.BreakerMinRequests = 10
	}
	if cfg.Livestream.BreakerFailureRatio == 0 {
		cfg.Livestream.BreakerFailureRatio = 0.6
	}
	if cfg.Livestream.BreakerOpenSeconds <= 0 {
		cfg.Livestream.BreakerOpenSeconds = 60
	}
	cfg.Livestream.BreakerOpen = time.Duration(cfg.Livestream.BreakerOpenSeconds) * time.Second

	if cfg.Pool.CreateConcurrency <= 0 {
		cfg.Pool.CreateConcurrency = 4
	}
	if cfg.Pool.CleanupAfterHours <= 0 {
		cfg.Pool.CleanupAfterHours = 24
	}
	cfg.Pool.CleanupAfter = time.Duration(cfg.Pool.CleanupAfterHours) * time.Hour

	if cfg.Scheduler.DailyRequestLimit == 0 {
		cfg.Scheduler.DailyRequestLimit = 1
	}
	if cfg.Scheduler.ResponseTimeoutSeconds <= 0 {
		cfg.Scheduler.ResponseTimeoutSeconds = 120
	}
	cfg.Scheduler.ResponseTimeout = time.Duration(cfg.Scheduler.ResponseTimeoutSeconds) * time.Second
	if cfg.Scheduler.ConnectTimeoutSeconds <= 0 {
		cfg.Scheduler.ConnectTimeoutSeconds = 60
	}
	cfg.Scheduler.ConnectTimeout = time.Duration(cfg.Scheduler.ConnectTimeoutSeconds) * time.Second

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = cfg.WorkerPool.Size * 16
	}
	if cfg.WorkerPool.MaxAttempts <= 0 {
		cfg.WorkerPool.MaxAttempts = 1
	}
	if cfg.WorkerPool.RetryDelaySeconds <= 0 {
		cfg.WorkerPool.RetryDelaySeconds = 5
	}
	cfg.WorkerPool.RetryDelay = time.Duration(cfg.WorkerPool.RetryDelaySeconds) * time.Second
	if cfg.WorkerPool.ShutdownGraceSeconds <= 0 {
		cfg.WorkerPool.ShutdownGraceSeconds = 10
	}
	cfg.WorkerPool.ShutdownGrace = time.Duration(cfg.WorkerPool.ShutdownGraceSeconds) * time.Second

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
