package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Policy     PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Executor   ExecutorConfig   `yaml:"executor" mapstructure:"executor"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the serve command's status endpoints.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PolicyConfig holds the auto-apply policy. These are business settings,
// not structural invariants.
type PolicyConfig struct {
	AutoApplyThreshold float64  `yaml:"auto_apply_threshold" mapstructure:"auto_apply_threshold"`
	AllowListedFields  []string `yaml:"allow_listed_fields" mapstructure:"allow_listed_fields"`
	ProtectedFields    []string `yaml:"protected_fields" mapstructure:"protected_fields"`
}

// MatchConfig tunes the entity matcher.
type MatchConfig struct {
	ExactConfidence float64 `yaml:"exact_confidence" mapstructure:"exact_confidence"`
	FuzzyFloor      float64 `yaml:"fuzzy_floor" mapstructure:"fuzzy_floor"`
	AutoConfirm     float64 `yaml:"auto_confirm" mapstructure:"auto_confirm"`
	LocationBonus   float64 `yaml:"location_bonus" mapstructure:"location_bonus"`
	MaxCandidates   int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// SourcesConfig tunes source reliability and pacing.
type SourcesConfig struct {
	ReliabilityFloor   float64 `yaml:"reliability_floor" mapstructure:"reliability_floor"`
	InitialReliability float64 `yaml:"initial_reliability" mapstructure:"initial_reliability"`
	EWMAWeight         float64 `yaml:"ewma_weight" mapstructure:"ewma_weight"`
	RecalcWeight       float64 `yaml:"recalc_weight" mapstructure:"recalc_weight"`
	RecalcWindowDays   int     `yaml:"recalc_window_days" mapstructure:"recalc_window_days"`
	RecalcMinSample    int     `yaml:"recalc_min_sample" mapstructure:"recalc_min_sample"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
	BreakerFailures    int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs   int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// JobsConfig tunes the scheduler.
type JobsConfig struct {
	DefaultPriority map[string]int `yaml:"default_priority" mapstructure:"default_priority"`
	// LeaseTimeoutMins fails running jobs older than this. Zero disables
	// the reaper.
	LeaseTimeoutMins int `yaml:"lease_timeout_mins" mapstructure:"lease_timeout_mins"`
	AdmitScanLimit   int `yaml:"admit_scan_limit" mapstructure:"admit_scan_limit"`
}

// LeaseTimeout returns the reaper threshold, or zero when disabled.
func (c JobsConfig) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutMins) * time.Minute
}

// ExecutorConfig tunes cycles.
type ExecutorConfig struct {
	MaxParallel     int    `yaml:"max_parallel" mapstructure:"max_parallel"`
	InflightTTLMins int    `yaml:"inflight_ttl_mins" mapstructure:"inflight_ttl_mins"`
	CycleSchedule   string `yaml:"cycle_schedule" mapstructure:"cycle_schedule"`
	RecalcSchedule  string `yaml:"recalc_schedule" mapstructure:"recalc_schedule"`
}

// DiscoveryConfig selects and configures the discovery collaborator.
type DiscoveryConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	FixtureDir  string `yaml:"fixture_dir" mapstructure:"fixture_dir"`
}

// MonitoringConfig sets alert thresholds evaluated by the checker.
type MonitoringConfig struct {
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateAlert    float64 `yaml:"failure_rate_alert" mapstructure:"failure_rate_alert"`
	ReviewBacklogAlert  int     `yaml:"review_backlog_alert" mapstructure:"review_backlog_alert"`
	PendingMatchesAlert int     `yaml:"pending_matches_alert" mapstructure:"pending_matches_alert"`
	// WebhookURL receives alerts as JSON posts. Alerts are always logged.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	// A .env file in the working directory seeds the environment. Real
	// environment variables win.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("policy.auto_apply_threshold", 0.85)
	v.SetDefault("policy.allow_listed_fields", []string{
		"phone", "email", "facebook_url", "instagram_url", "twitter_url",
		"linkedin_url", "youtube_url", "logo_url", "photo_url",
	})
	v.SetDefault("policy.protected_fields", []string{
		"name", "address", "city", "state", "zip", "website", "listing_id",
		"price", "price_min", "price_max", "hoa_fee",
	})

	v.SetDefault("match.exact_confidence", 0.95)
	v.SetDefault("match.fuzzy_floor", 0.80)
	v.SetDefault("match.auto_confirm", 0.95)
	v.SetDefault("match.location_bonus", 0.05)
	v.SetDefault("match.max_candidates", 500)

	v.SetDefault("sources.reliability_floor", 0.3)
	v.SetDefault("sources.initial_reliability", 0.7)
	v.SetDefault("sources.ewma_weight", 0.1)
	v.SetDefault("sources.recalc_weight", 0.5)
	v.SetDefault("sources.recalc_window_days", 30)
	v.SetDefault("sources.recalc_min_sample", 10)
	v.SetDefault("sources.requests_per_second", 1.0)
	v.SetDefault("sources.burst", 1)
	v.SetDefault("sources.breaker_failures", 5)
	v.SetDefault("sources.breaker_reset_secs", 300)

	v.SetDefault("jobs.default_priority", map[string]int{
		"update":    8,
		"inventory": 6,
		"discovery": 5,
		"refresh":   3,
	})
	v.SetDefault("jobs.lease_timeout_mins", 0)
	v.SetDefault("jobs.admit_scan_limit", 100)

	v.SetDefault("executor.max_parallel", 4)
	v.SetDefault("executor.inflight_ttl_mins", 60)
	v.SetDefault("executor.cycle_schedule", "@every 5m")
	v.SetDefault("executor.recalc_schedule", "@daily")

	v.SetDefault("discovery.mode", "http")
	v.SetDefault("discovery.timeout_secs", 90)
	v.SetDefault("discovery.max_attempts", 3)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_alert", 0.5)
	v.SetDefault("monitoring.review_backlog_alert", 500)
	v.SetDefault("monitoring.pending_matches_alert", 200)
}

// Validate checks policy values that would otherwise silently disable or
// break the pipeline.
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"policy.auto_apply_threshold": c.Policy.AutoApplyThreshold,
		"match.exact_confidence":      c.Match.ExactConfidence,
		"match.fuzzy_floor":           c.Match.FuzzyFloor,
		"match.auto_confirm":          c.Match.AutoConfirm,
		"sources.reliability_floor":   c.Sources.ReliabilityFloor,
		"sources.ewma_weight":         c.Sources.EWMAWeight,
	} {
		if v < 0 || v > 1 {
			return eris.Errorf("config: %s must be within [0,1], got %v", name, v)
		}
	}
	if c.Match.ExactConfidence < 0.9 {
		return eris.Errorf("config: match.exact_confidence must be at least 0.9, got %v", c.Match.ExactConfidence)
	}
	if c.Executor.MaxParallel < 1 {
		return eris.Errorf("config: executor.max_parallel must be positive, got %d", c.Executor.MaxParallel)
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
