package config

import (
	"testing"
	"time"

	"deal-radar/internal/logging"
)

func validConfig() *Config {
	return &Config{
		App:     AppConfig{Name: "dealradar", Environment: "test"},
		Logging: logging.Config{Level: "info", Format: "json"},
		Monitor: MonitorConfig{
			TickInterval:        30 * time.Second,
			DefaultInterval:     time.Hour,
			MinInterval:         15 * time.Minute,
			MaxInterval:         24 * time.Hour,
			MaxConcurrentChecks: 5,
			FetchRatePerMinute:  20,
			FetchBurst:          10,
			MaxRetryAttempts:    3,
			RetryBaseDelay:      time.Second,
			RetryMaxDelay:       30 * time.Second,
			RetryJitter:         0.2,
			FailureLimit:        5,
			DrainTimeout:        30 * time.Second,
		},
		Analysis: AnalysisConfig{
			MinWindow:            2,
			ShortWindow:          7,
			LongWindow:           30,
			SupportPercentile:    10,
			ResistancePercentile: 90,
		},
		Scoring: ScoringConfig{
			PercentileWeight:     0.5,
			TrendWeight:          0.3,
			VolatilityWeight:     0.2,
			SlopeSaturation:      1.0,
			VolatilitySaturation: 0.5,
			DealThreshold:        0.7,
		},
		Prediction: PredictionConfig{
			Enabled:          true,
			MinTrainSamples:  10,
			RetrainCount:     12,
			MaxModelAge:      7 * 24 * time.Hour,
			EnsembleTrees:    25,
			Horizons:         []int{1, 7},
			DefaultHorizon:   7,
			AlertConfidence:  0.7,
			HistoryWindowMax: 500,
		},
		Alerting: AlertingConfig{
			Enabled:      true,
			PriceDropPct: 5,
			Cooldown:     30 * time.Minute,
			Channels:     []string{"telegram"},
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			CronSpec:      "0 2 * * *",
			RetentionDays: 90,
		},
		Export: ExportConfig{MaxDataPoints: 1000},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("合法配置不应被拒绝: %v", err)
	}
}

func TestValidateRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "min interval above max interval",
			mutate: func(c *Config) {
				c.Monitor.MinInterval = 48 * time.Hour
			},
		},
		{
			name: "default interval outside range",
			mutate: func(c *Config) {
				c.Monitor.DefaultInterval = 48 * time.Hour
			},
		},
		{
			name: "non-positive tick interval",
			mutate: func(c *Config) {
				c.Monitor.TickInterval = 0
			},
		},
		{
			name: "non-positive concurrency",
			mutate: func(c *Config) {
				c.Monitor.MaxConcurrentChecks = 0
			},
		},
		{
			name: "non-positive fetch rate",
			mutate: func(c *Config) {
				c.Monitor.FetchRatePerMinute = 0
			},
		},
		{
			name: "retry attempts below one",
			mutate: func(c *Config) {
				c.Monitor.MaxRetryAttempts = 0
			},
		},
		{
			name: "failure limit below one",
			mutate: func(c *Config) {
				c.Monitor.FailureLimit = 0
			},
		},
		{
			name: "analysis window below two",
			mutate: func(c *Config) {
				c.Analysis.MinWindow = 1
			},
		},
		{
			name: "long window below short window",
			mutate: func(c *Config) {
				c.Analysis.LongWindow = 3
			},
		},
		{
			name: "support percentile above resistance",
			mutate: func(c *Config) {
				c.Analysis.SupportPercentile = 95
			},
		},
		{
			name: "weights not summing to one",
			mutate: func(c *Config) {
				c.Scoring.TrendWeight = 0.4
			},
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Scoring.PercentileWeight = -0.1
				c.Scoring.TrendWeight = 0.9
			},
		},
		{
			name: "deal threshold above one",
			mutate: func(c *Config) {
				c.Scoring.DealThreshold = 1.5
			},
		},
		{
			name: "non-positive slope saturation",
			mutate: func(c *Config) {
				c.Scoring.SlopeSaturation = 0
			},
		},
		{
			name: "min train samples below two",
			mutate: func(c *Config) {
				c.Prediction.MinTrainSamples = 1
			},
		},
		{
			name: "non-positive default horizon",
			mutate: func(c *Config) {
				c.Prediction.DefaultHorizon = 0
			},
		},
		{
			name: "negative price drop threshold",
			mutate: func(c *Config) {
				c.Alerting.PriceDropPct = -1
			},
		},
		{
			name: "non-positive cooldown",
			mutate: func(c *Config) {
				c.Alerting.Cooldown = 0
			},
		},
		{
			name: "telegram enabled without token",
			mutate: func(c *Config) {
				c.Alerting.Telegram.Enabled = true
				c.Alerting.Telegram.ChatID = "123"
			},
		},
		{
			name: "slack enabled without webhook",
			mutate: func(c *Config) {
				c.Alerting.Slack.Enabled = true
			},
		},
		{
			name: "email enabled without recipient",
			mutate: func(c *Config) {
				c.Alerting.Email.Enabled = true
				c.Alerting.Email.Host = "smtp.example.com"
				c.Alerting.Email.From = "a@example.com"
			},
		},
		{
			name: "non-positive retention",
			mutate: func(c *Config) {
				c.Maintenance.RetentionDays = 0
			},
		},
		{
			name: "non-positive export points",
			mutate: func(c *Config) {
				c.Export.MaxDataPoints = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("非法配置应在校验时被拒绝")
			}
		})
	}
}

func TestClampInterval(t *testing.T) {
	cfg := validConfig()

	if got := cfg.ClampInterval(0); got != cfg.Monitor.DefaultInterval {
		t.Fatalf("零值应回落到默认间隔, 实际 %s", got)
	}
	if got := cfg.ClampInterval(time.Minute); got != cfg.Monitor.MinInterval {
		t.Fatalf("低于下限应被钳制, 实际 %s", got)
	}
	if got := cfg.ClampInterval(48 * time.Hour); got != cfg.Monitor.MaxInterval {
		t.Fatalf("高于上限应被钳制, 实际 %s", got)
	}
	if got := cfg.ClampInterval(time.Hour); got != time.Hour {
		t.Fatalf("区间内的值应原样保留, 实际 %s", got)
	}
}
