package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Fetch       FetchConfig       `yaml:"fetch" mapstructure:"fetch"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Aggregation AggregationConfig `yaml:"aggregation" mapstructure:"aggregation"`
	Reliability ReliabilityConfig `yaml:"reliability" mapstructure:"reliability"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Catalog     CatalogConfig     `yaml:"catalog" mapstructure:"catalog"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres or memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP query and admin server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SchedulerConfig controls scrape dispatch.
type SchedulerConfig struct {
	TickIntervalSecs int `yaml:"tick_interval_secs" mapstructure:"tick_interval_secs"`
	Workers          int `yaml:"workers" mapstructure:"workers"`
	JobTimeoutSecs   int `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	// CircuitThreshold is K: consecutive failed jobs before a source is disabled.
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	// CircuitProbeMins enables a half-open probe after the given minutes.
	// Zero leaves a tripped source disabled until an operator re-enables it.
	CircuitProbeMins int `yaml:"circuit_probe_mins" mapstructure:"circuit_probe_mins"`
}

// TickInterval returns the tick interval as a duration.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// JobTimeout returns the hard per-job timeout as a duration.
func (c SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSecs) * time.Second
}

// RetryConfig controls in-job retries of transient fetch failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// FetchConfig configures the HTTP transport used by extractors.
type FetchConfig struct {
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	HostRatePerSec float64 `yaml:"host_rate_per_sec" mapstructure:"host_rate_per_sec"`
	HostBurst      int     `yaml:"host_burst" mapstructure:"host_burst"`
}

// IngestConfig controls the observation hand-off and data-quality gate.
type IngestConfig struct {
	QueueSize      int     `yaml:"queue_size" mapstructure:"queue_size"`
	MaxPrice       float64 `yaml:"max_price" mapstructure:"max_price"`
	FutureSkewSecs int     `yaml:"future_skew_secs" mapstructure:"future_skew_secs"`
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// AggregationConfig controls the consensus price computation.
type AggregationConfig struct {
	LookbackHours       int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MaxObservations     int     `yaml:"max_observations" mapstructure:"max_observations"`
	MinSources          int     `yaml:"min_sources" mapstructure:"min_sources"`
	TargetSources       int     `yaml:"target_sources" mapstructure:"target_sources"`
	OutlierSigma        float64 `yaml:"outlier_sigma" mapstructure:"outlier_sigma"`
	DecayHalfLifeFactor float64 `yaml:"decay_half_life_factor" mapstructure:"decay_half_life_factor"`
	TrendDeadBand       float64 `yaml:"trend_dead_band" mapstructure:"trend_dead_band"`
	Currency            string  `yaml:"currency" mapstructure:"currency"`
	StaleAfterHours     int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	SweepIntervalMins   int     `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
	SweepConcurrency    int     `yaml:"sweep_concurrency" mapstructure:"sweep_concurrency"`
	// ConfidenceHalfLifeHours and ConfidenceFloor shape the age-decayed
	// confidence served to readers.
	ConfidenceHalfLifeHours float64 `yaml:"confidence_half_life_hours" mapstructure:"confidence_half_life_hours"`
	ConfidenceFloor         float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
}

// Lookback returns the observation window as a duration.
func (c AggregationConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// StaleAfter returns the age beyond which an aggregate is stale.
func (c AggregationConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// ReliabilityConfig controls the reliability feedback loop.
type ReliabilityConfig struct {
	Alpha                float64 `yaml:"alpha" mapstructure:"alpha"`
	MaxStep              float64 `yaml:"max_step" mapstructure:"max_step"`
	Tolerance            float64 `yaml:"tolerance" mapstructure:"tolerance"`
	HistoryJobs          int     `yaml:"history_jobs" mapstructure:"history_jobs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PermanentPenalty     float64 `yaml:"permanent_penalty" mapstructure:"permanent_penalty"`
}

// MonitoringConfig configures alerting and health checks.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	TelegramToken        string  `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID       int64   `yaml:"telegram_chat_id" mapstructure:"telegram_chat_id"`
	CheckIntervalMins    int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleKeysThreshold   int     `yaml:"stale_keys_threshold" mapstructure:"stale_keys_threshold"`
}

// CacheConfig configures the Redis read-through cache. An empty Addr
// disables caching.
type CacheConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// CatalogConfig points at the source catalog and watchlist file.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the prefix PRICEWATCH_ and underscores for nesting
// (e.g., PRICEWATCH_STORE_DRIVER).
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricewatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("scheduler.tick_interval_secs", 60)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.job_timeout_secs", 120)
	v.SetDefault("scheduler.circuit_threshold", 5)
	v.SetDefault("scheduler.circuit_probe_mins", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("fetch.user_agent", "pricewatch/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.host_rate_per_sec", 1.0)
	v.SetDefault("fetch.host_burst", 2)
	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("ingest.max_price", 10_000_000.0)
	v.SetDefault("ingest.future_skew_secs", 300)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("aggregation.lookback_hours", 168)
	v.SetDefault("aggregation.max_observations", 200)
	v.SetDefault("aggregation.min_sources", 3)
	v.SetDefault("aggregation.target_sources", 5)
	v.SetDefault("aggregation.outlier_sigma", 2.0)
	v.SetDefault("aggregation.decay_half_life_factor", 1.0)
	v.SetDefault("aggregation.trend_dead_band", 0.02)
	v.SetDefault("aggregation.currency", "USD")
	v.SetDefault("aggregation.stale_after_hours", 48)
	v.SetDefault("aggregation.sweep_interval_mins", 30)
	v.SetDefault("aggregation.sweep_concurrency", 4)
	v.SetDefault("aggregation.confidence_half_life_hours", 72.0)
	v.SetDefault("aggregation.confidence_floor", 0.1)
	v.SetDefault("reliability.alpha", 0.1)
	v.SetDefault("reliability.max_step", 0.05)
	v.SetDefault("reliability.tolerance", 0.10)
	v.SetDefault("reliability.history_jobs", 20)
	v.SetDefault("reliability.failure_rate_threshold", 0.5)
	v.SetDefault("reliability.permanent_penalty", 0.05)
	v.SetDefault("monitoring.check_interval_mins", 15)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stale_keys_threshold", 25)
	v.SetDefault("cache.ttl_secs", 300)
	v.SetDefault("cache.prefix", "pricewatch:")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "pricewatch")
	v.SetDefault("catalog.path", "catalog.yaml")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var missing []string
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
	default:
		missing = append(missing, "store.driver must be one of sqlite, postgres, memory")
	}
	if c.Scheduler.Workers <= 0 {
		missing = append(missing, "scheduler.workers must be positive")
	}
	if c.Scheduler.JobTimeoutSecs <= 0 {
		missing = append(missing, "scheduler.job_timeout_secs must be positive")
	}
	if c.Aggregation.MinSources < 1 {
		missing = append(missing, "aggregation.min_sources must be at least 1")
	}
	if c.Aggregation.OutlierSigma <= 0 {
		missing = append(missing, "aggregation.outlier_sigma must be positive")
	}
	if c.Aggregation.Currency == "" {
		missing = append(missing, "aggregation.currency is required")
	}
	if c.Reliability.Alpha <= 0 || c.Reliability.Alpha > 1 {
		missing = append(missing, "reliability.alpha must be in (0,1]")
	}
	if c.Monitoring.TelegramToken != "" && c.Monitoring.TelegramChatID == 0 {
		missing = append(missing, "monitoring.telegram_chat_id is required with telegram_token")
	}
	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
