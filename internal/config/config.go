package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"deal-radar/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Source      SourceConfig      `mapstructure:"source"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Prediction  PredictionConfig  `mapstructure:"prediction"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SourceConfig covers the product-search data source.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// MonitorConfig governs the check scheduler.
type MonitorConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	DefaultInterval     time.Duration `mapstructure:"default_interval"`
	MinInterval         time.Duration `mapstructure:"min_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MaxConcurrentChecks int           `mapstructure:"max_concurrent_checks"`
	FetchRatePerMinute  float64       `mapstructure:"fetch_rate_per_minute"`
	FetchBurst          int           `mapstructure:"fetch_burst"`
	MaxRetryAttempts    int           `mapstructure:"max_retry_attempts"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter         float64       `mapstructure:"retry_jitter"`
	FailureLimit        int           `mapstructure:"failure_limit"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
}

// AnalysisConfig tunes the trend analyzer.
type AnalysisConfig struct {
	MinWindow            int     `mapstructure:"min_window"`
	ShortWindow          int     `mapstructure:"short_window"`
	LongWindow           int     `mapstructure:"long_window"`
	SupportPercentile    float64 `mapstructure:"support_percentile"`
	ResistancePercentile float64 `mapstructure:"resistance_percentile"`
}

// ScoringConfig tunes the deal scorer.
type ScoringConfig struct {
	PercentileWeight     float64 `mapstructure:"percentile_weight"`
	TrendWeight          float64 `mapstructure:"trend_weight"`
	VolatilityWeight     float64 `mapstructure:"volatility_weight"`
	SlopeSaturation      float64 `mapstructure:"slope_saturation"`
	VolatilitySaturation float64 `mapstructure:"volatility_saturation"`
	DealThreshold        float64 `mapstructure:"deal_threshold"`
}

// PredictionConfig tunes the forecasting engine.
type PredictionConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinTrainSamples  int           `mapstructure:"min_train_samples"`
	RetrainCount     int           `mapstructure:"retrain_count"`
	MaxModelAge      time.Duration `mapstructure:"max_model_age"`
	EnsembleTrees    int           `mapstructure:"ensemble_trees"`
	Horizons         []int         `mapstructure:"horizons"`
	DefaultHorizon   int           `mapstructure:"default_horizon"`
	AlertConfidence  float64       `mapstructure:"alert_confidence"`
	HistoryWindowMax int           `mapstructure:"history_window_max"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	PriceDropPct      float64        `mapstructure:"price_drop_pct"`
	Cooldown          time.Duration  `mapstructure:"cooldown"`
	Channels          []string       `mapstructure:"channels"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
	Slack             SlackConfig    `mapstructure:"slack"`
	Email             EmailConfig    `mapstructure:"email"`
	PredictionEnabled bool           `mapstructure:"prediction_alerts"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SlackConfig describes the Slack webhook channel.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
	IconEmoji  string `mapstructure:"icon_emoji"`
}

// EmailConfig describes the SMTP channel.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	CronSpec      string `mapstructure:"cron_spec"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEALRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dealradar")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("source.base_url", "https://serpapi.com")
	v.SetDefault("source.request_timeout", "30s")
	v.SetDefault("source.user_agent", "dealradar/1.0")

	v.SetDefault("monitor.tick_interval", "30s")
	v.SetDefault("monitor.default_interval", "1h")
	v.SetDefault("monitor.min_interval", "15m")
	v.SetDefault("monitor.max_interval", "24h")
	v.SetDefault("monitor.max_concurrent_checks", 5)
	v.SetDefault("monitor.fetch_rate_per_minute", 20.0)
	v.SetDefault("monitor.fetch_burst", 10)
	v.SetDefault("monitor.max_retry_attempts", 3)
	v.SetDefault("monitor.retry_base_delay", "1s")
	v.SetDefault("monitor.retry_max_delay", "30s")
	v.SetDefault("monitor.retry_jitter", 0.2)
	v.SetDefault("monitor.failure_limit", 5)
	v.SetDefault("monitor.drain_timeout", "30s")
	v.SetDefault("monitor.advisory_lock_key", int64(0x6472616461))

	v.SetDefault("analysis.min_window", 2)
	v.SetDefault("analysis.short_window", 7)
	v.SetDefault("analysis.long_window", 30)
	v.SetDefault("analysis.support_percentile", 10.0)
	v.SetDefault("analysis.resistance_percentile", 90.0)

	v.SetDefault("scoring.percentile_weight", 0.5)
	v.SetDefault("scoring.trend_weight", 0.3)
	v.SetDefault("scoring.volatility_weight", 0.2)
	v.SetDefault("scoring.slope_saturation", 1.0)
	v.SetDefault("scoring.volatility_saturation", 0.5)
	v.SetDefault("scoring.deal_threshold", 0.7)

	v.SetDefault("prediction.enabled", true)
	v.SetDefault("prediction.min_train_samples", 10)
	v.SetDefault("prediction.retrain_count", 12)
	v.SetDefault("prediction.max_model_age", "168h")
	v.SetDefault("prediction.ensemble_trees", 25)
	v.SetDefault("prediction.horizons", []int{1, 3, 7, 14, 30})
	v.SetDefault("prediction.default_horizon", 7)
	v.SetDefault("prediction.alert_confidence", 0.7)
	v.SetDefault("prediction.history_window_max", 500)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.price_drop_pct", 5.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.prediction_alerts", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.slack.channel", "#deals")
	v.SetDefault("alerting.slack.username", "Deal Radar")
	v.SetDefault("alerting.slack.icon_emoji", ":shopping_bags:")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.host", "smtp.gmail.com")
	v.SetDefault("alerting.email.port", 587)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.cron_spec", "0 2 * * *")
	v.SetDefault("maintenance.retention_days", 90)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9190")

	v.SetDefault("export.max_data_points", 100000)
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

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	m := c.Monitor
	if m.MinInterval <= 0 || m.MaxInterval <= 0 || m.MinInterval > m.MaxInterval {
		return fmt.Errorf("monitor.min_interval/max_interval must be positive with min <= max")
	}
	if m.DefaultInterval < m.MinInterval || m.DefaultInterval > m.MaxInterval {
		return fmt.Errorf("monitor.default_interval must be within [%s, %s]", m.MinInterval, m.MaxInterval)
	}
	if m.TickInterval <= 0 {
		return fmt.Errorf("monitor.tick_interval must be greater than zero")
	}
	if m.MaxConcurrentChecks <= 0 {
		return fmt.Errorf("monitor.max_concurrent_checks must be greater than zero")
	}
	if m.FetchRatePerMinute <= 0 || m.FetchBurst <= 0 {
		return fmt.Errorf("monitor.fetch_rate_per_minute and fetch_burst must be greater than zero")
	}
	if m.MaxRetryAttempts < 1 {
		return fmt.Errorf("monitor.max_retry_attempts must be at least 1")
	}
	if m.FailureLimit < 1 {
		return fmt.Errorf("monitor.failure_limit must be at least 1")
	}

	a := c.Analysis
	if a.MinWindow < 2 {
		return fmt.Errorf("analysis.min_window must be at least 2")
	}
	if a.ShortWindow <= 0 || a.LongWindow < a.ShortWindow {
		return fmt.Errorf("analysis.short_window/long_window must be positive with short <= long")
	}
	if a.SupportPercentile < 0 || a.SupportPercentile > 100 ||
		a.ResistancePercentile < 0 || a.ResistancePercentile > 100 ||
		a.SupportPercentile >= a.ResistancePercentile {
		return fmt.Errorf("analysis percentiles must satisfy 0 <= support < resistance <= 100")
	}

	s := c.Scoring
	sum := s.PercentileWeight + s.TrendWeight + s.VolatilityWeight
	if s.PercentileWeight < 0 || s.TrendWeight < 0 || s.VolatilityWeight < 0 {
		return fmt.Errorf("scoring weights cannot be negative")
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1, got %g", sum)
	}
	if s.DealThreshold < 0 || s.DealThreshold > 1 {
		return fmt.Errorf("scoring.deal_threshold must be within [0, 1]")
	}
	if s.SlopeSaturation <= 0 || s.VolatilitySaturation <= 0 {
		return fmt.Errorf("scoring saturations must be greater than zero")
	}

	p := c.Prediction
	if p.MinTrainSamples < 2 {
		return fmt.Errorf("prediction.min_train_samples must be at least 2")
	}
	if p.RetrainCount <= 0 || p.MaxModelAge <= 0 {
		return fmt.Errorf("prediction.retrain_count and max_model_age must be greater than zero")
	}
	if p.DefaultHorizon <= 0 {
		return fmt.Errorf("prediction.default_horizon must be greater than zero")
	}

	if c.Alerting.PriceDropPct < 0 {
		return fmt.Errorf("alerting.price_drop_pct cannot be negative")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.slack.webhook_url is required when slack is enabled")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" || c.Alerting.Email.From == "" || c.Alerting.Email.To == "" {
			return fmt.Errorf("alerting.email requires host, from, and to when enabled")
		}
	}

	if c.Maintenance.RetentionDays <= 0 {
		return fmt.Errorf("maintenance.retention_days must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	return nil
}

// ClampInterval bounds a per-product check interval to the configured range.
func (c *Config) ClampInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return c.Monitor.DefaultInterval
	}
	if interval < c.Monitor.MinInterval {
		return c.Monitor.MinInterval
	}
	if interval > c.Monitor.MaxInterval {
		return c.Monitor.MaxInterval
	}
	return interval
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
