package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Platform  PlatformConfig  `yaml:"platform"`
	Creative  CreativeConfig  `yaml:"creative"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Fatigue   FatigueConfig   `yaml:"fatigue"`
	Audit     AuditConfig     `yaml:"audit"`
	Tenant    TenantDefaults  `yaml:"tenant_defaults"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for rate limiting and locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PlatformConfig holds ad-platform API settings.
type PlatformConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	// HonorsIdempotency indicates the platform deduplicates on the
	// idempotency key; when false the client does read-after-write
	// reconciliation on retries.
	HonorsIdempotency bool `yaml:"honors_idempotency"`
}

// CreativeConfig holds the upstream creative-generator endpoint.
type CreativeConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// EmbeddingConfig holds the embedding service endpoint for winner patterns.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SchedulerConfig holds decision-cycle cadence settings.
type SchedulerConfig struct {
	CycleInterval time.Duration `yaml:"cycle_interval"`
	CycleDeadline time.Duration `yaml:"cycle_deadline"`
	// TenantIdleEviction is how long a tenant's cached runtime state
	// survives without activity before it is rebuilt from the store.
	TenantIdleEviction time.Duration `yaml:"tenant_idle_eviction"`
}

// ExecutorConfig holds safe-executor worker settings.
type ExecutorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	BatchSize        int           `yaml:"batch_size"`
	ClaimDeadline    time.Duration `yaml:"claim_deadline"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	RetentionDays    int           `yaml:"retention_days"`
	Workers          int           `yaml:"workers"`
}

// FatigueConfig holds fatigue-detector cadence settings.
type FatigueConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// AuditConfig holds S3 archival settings for dead-change response bodies.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Prefix   string `yaml:"prefix"`
}

// TenantDefaults are the per-tenant optimization knobs, applied when a
// tenant has no explicit override row. All money in integer cents.
type TenantDefaults struct {
	Mode                   string  `yaml:"mode"` // pipeline | direct
	CohortBaseline         string  `yaml:"cohort_baseline"` // mean | median
	IgnoranceZoneDays      float64 `yaml:"ignorance_zone_days"`
	IgnoranceZoneDaysDirect float64 `yaml:"ignorance_zone_days_direct"`
	IgnoranceZoneSpendCents int64   `yaml:"ignorance_zone_spend_cents"`
	MaxBudgetStepPct       float64 `yaml:"max_budget_step_pct"`
	MaxChangesPerHour      int     `yaml:"max_changes_per_hour"`
	MaxVelocityPct6h       float64 `yaml:"max_velocity_pct_6h"`
	JitterMinSeconds       int     `yaml:"jitter_min_s"`
	JitterMaxSeconds       int     `yaml:"jitter_max_s"`
	BatchThreshold         int     `yaml:"batch_threshold"`
	MaxAttempts            int     `yaml:"max_attempts"`
	BlendedDecayGamma      float64 `yaml:"blended_decay_gamma"`
	SoftmaxTemperature     float64 `yaml:"softmax_temperature"`
	KillROASThreshold      float64 `yaml:"kill_roas_threshold"`
	KillROASThresholdDirect float64 `yaml:"kill_roas_threshold_direct"`
	KillStreak             int     `yaml:"kill_streak"`
	ScaleROASThreshold     float64 `yaml:"scale_roas_threshold"`
	WinnerCTRThreshold     float64 `yaml:"winner_ctr_threshold"`
	WinnerROASThreshold    float64 `yaml:"winner_roas_threshold"`
	WinnerSpendCents       int64   `yaml:"winner_spend_cents"`
	DefaultDealValueCents  int64   `yaml:"default_deal_value_cents"`
	SaturationImpressions  int64   `yaml:"saturation_impressions"`
	FatigueRulesEnabled    []string `yaml:"fatigue_rules_enabled"`
}

// Load reads configuration from a YAML file and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.fillDefaults()
	return &cfg, nil
}

func (cfg *Config) fillDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Platform.CallTimeout == 0 {
		cfg.Platform.CallTimeout = 30 * time.Second
	}
	if cfg.Scheduler.CycleInterval == 0 {
		cfg.Scheduler.CycleInterval = 15 * time.Minute
	}
	if cfg.Scheduler.CycleDeadline == 0 {
		cfg.Scheduler.CycleDeadline = 10 * time.Minute
	}
	if cfg.Scheduler.TenantIdleEviction == 0 {
		cfg.Scheduler.TenantIdleEviction = time.Hour
	}
	if cfg.Executor.PollInterval == 0 {
		cfg.Executor.PollInterval = 5 * time.Second
	}
	if cfg.Executor.BatchSize == 0 {
		cfg.Executor.BatchSize = 25
	}
	if cfg.Executor.ClaimDeadline == 0 {
		cfg.Executor.ClaimDeadline = 60 * time.Second
	}
	if cfg.Executor.RecoveryInterval == 0 {
		cfg.Executor.RecoveryInterval = 2 * time.Minute
	}
	if cfg.Executor.CleanupInterval == 0 {
		cfg.Executor.CleanupInterval = time.Hour
	}
	if cfg.Executor.RetentionDays == 0 {
		cfg.Executor.RetentionDays = 90
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = 2
	}
	if cfg.Fatigue.TickInterval == 0 {
		cfg.Fatigue.TickInterval = 2 * time.Hour
	}
	if cfg.Audit.Prefix == "" {
		cfg.Audit.Prefix = "dead-changes"
	}
	cfg.Tenant.fillDefaults()
}

func (t *TenantDefaults) fillDefaults() {
	if t.Mode == "" {
		t.Mode = "pipeline"
	}
	if t.CohortBaseline == "" {
		t.CohortBaseline = "mean"
	}
	if t.IgnoranceZoneDays == 0 {
		t.IgnoranceZoneDays = 2
	}
	if t.IgnoranceZoneDaysDirect == 0 {
		t.IgnoranceZoneDaysDirect = 1
	}
	if t.IgnoranceZoneSpendCents == 0 {
		t.IgnoranceZoneSpendCents = 10000 // $100
	}
	if t.MaxBudgetStepPct == 0 {
		t.MaxBudgetStepPct = 0.20
	}
	if t.MaxChangesPerHour == 0 {
		t.MaxChangesPerHour = 15
	}
	if t.MaxVelocityPct6h == 0 {
		t.MaxVelocityPct6h = 0.20
	}
	if t.JitterMinSeconds == 0 {
		t.JitterMinSeconds = 3
	}
	if t.JitterMaxSeconds == 0 {
		t.JitterMaxSeconds = 18
	}
	if t.BatchThreshold == 0 {
		t.BatchThreshold = 10
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.BlendedDecayGamma == 0 {
		t.BlendedDecayGamma = 0.3
	}
	if t.SoftmaxTemperature == 0 {
		t.SoftmaxTemperature = 1.0
	}
	if t.KillROASThreshold == 0 {
		t.KillROASThreshold = 1.0
	}
	if t.KillROASThresholdDirect == 0 {
		t.KillROASThresholdDirect = 0.8
	}
	if t.KillStreak == 0 {
		t.KillStreak = 2
	}
	if t.ScaleROASThreshold == 0 {
		t.ScaleROASThreshold = 2.0
	}
	if t.WinnerCTRThreshold == 0 {
		t.WinnerCTRThreshold = 0.03
	}
	if t.WinnerROASThreshold == 0 {
		t.WinnerROASThreshold = 3.0
	}
	if t.WinnerSpendCents == 0 {
		t.WinnerSpendCents = 20000 // $200
	}
	if t.DefaultDealValueCents == 0 {
		t.DefaultDealValueCents = 500000 // $5,000
	}
	if t.SaturationImpressions == 0 {
		t.SaturationImpressions = 500000
	}
	if len(t.FatigueRulesEnabled) == 0 {
		t.FatigueRulesEnabled = []string{"ctr_decline", "saturation", "cpm_spike", "flatline"}
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PLATFORM_API_KEY"); v != "" {
		cfg.Platform.APIKey = v
	}
	if v := os.Getenv("PLATFORM_BASE_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("CREATIVE_API_KEY"); v != "" {
		cfg.Creative.APIKey = v
	}
	if v := os.Getenv("CREATIVE_BASE_URL"); v != "" {
		cfg.Creative.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("AUDIT_S3_BUCKET"); v != "" {
		cfg.Audit.S3Bucket = v
		cfg.Audit.Enabled = true
	}
	if v := os.Getenv("AUDIT_S3_REGION"); v != "" {
		cfg.Audit.S3Region = v
	}

	return cfg, nil
}
