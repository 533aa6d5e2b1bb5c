package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ingestion system
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Ranking      RankingConfig      `mapstructure:"ranking"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// OrchestratorConfig controls plan execution behaviour.
type OrchestratorConfig struct {
	MaxParallelism    int           `mapstructure:"max_parallelism"`
	DefaultDeadline   time.Duration `mapstructure:"default_deadline"`
	SourceCallTimeout time.Duration `mapstructure:"source_call_timeout"`
	RateLimitWait     time.Duration `mapstructure:"rate_limit_wait"`
}

func (o OrchestratorConfig) Validate() error {
	if o.MaxParallelism <= 0 {
		return fmt.Errorf("orchestrator.max_parallelism must be > 0")
	}
	if o.DefaultDeadline <= 0 {
		return fmt.Errorf("orchestrator.default_deadline must be > 0")
	}
	if o.SourceCallTimeout <= 0 {
		return fmt.Errorf("orchestrator.source_call_timeout must be > 0")
	}
	return nil
}

// SourcesConfig contains per-connector settings.
type SourcesConfig struct {
	Web        WebConfig        `mapstructure:"web"`
	Academic   AcademicConfig   `mapstructure:"academic"`
	Biomedical BiomedicalConfig `mapstructure:"biomedical"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Email      EmailConfig      `mapstructure:"email"`
	Social     SocialConfig     `mapstructure:"social"`
}

// WebConfig configures the web search connector.
type WebConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	Extract    bool   `mapstructure:"extract"`
	ExtractTop int    `mapstructure:"extract_top"`
}

// AcademicConfig configures the academic paper index connector.
type AcademicConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// BiomedicalConfig configures the biomedical literature connector.
type BiomedicalConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// FeedConfig configures the RSS/Atom connector.
type FeedConfig struct {
	URLs []string `mapstructure:"urls"`
}

// EmailConfig configures the mail gateway connector.
type EmailConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// SocialConfig configures the social feed connector.
type SocialConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	UserAgent string `mapstructure:"user_agent"`
}

// LimitConfig is a single token bucket definition.
type LimitConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

// RateLimitConfig contains per-source token bucket settings plus the
// adaptive throttling knobs applied on upstream 429 responses.
type RateLimitConfig struct {
	Default       LimitConfig            `mapstructure:"default"`
	PerSource     map[string]LimitConfig `mapstructure:"per_source"`
	ThrottleDecay float64                `mapstructure:"throttle_decay"`
	ThrottleFloor float64                `mapstructure:"throttle_floor"`
	Cooldown      time.Duration          `mapstructure:"cooldown"`
}

func (r RateLimitConfig) Validate() error {
	if r.Default.Capacity <= 0 {
		return fmt.Errorf("rate_limit.default.capacity must be > 0")
	}
	if r.Default.RefillPerSec <= 0 {
		return fmt.Errorf("rate_limit.default.refill_per_sec must be > 0")
	}
	if r.ThrottleDecay <= 0 || r.ThrottleDecay >= 1 {
		return fmt.Errorf("rate_limit.throttle_decay must be in (0,1)")
	}
	if r.ThrottleFloor <= 0 || r.ThrottleFloor > 1 {
		return fmt.Errorf("rate_limit.throttle_floor must be in (0,1]")
	}
	return nil
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

func (b BreakerConfig) Validate() error {
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if b.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be > 0")
	}
	return nil
}

// RedisConfig contains redis connection settings for the redis cache backend.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("cache.redis.host is required when backend is redis")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("cache.redis.port is required when backend is redis")
	}
	return nil
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"` // memory or redis
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	Redis      RedisConfig   `mapstructure:"redis"`
}

func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "memory":
		if c.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be > 0 for the memory backend")
		}
	case "redis":
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Backend)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	return nil
}

// RankingConfig contains dedup similarity and composite score weights.
// All of these are tunable; the defaults are starting points, not constants
// the engine depends on.
type RankingConfig struct {
	TitleSimilarity  float64       `mapstructure:"title_similarity"`
	DateWindow       time.Duration `mapstructure:"date_window"`
	WeightConfidence float64       `mapstructure:"weight_confidence"`
	WeightPriority   float64       `mapstructure:"weight_priority"`
	WeightRecency    float64       `mapstructure:"weight_recency"`
	RecencyHalfLife  time.Duration `mapstructure:"recency_half_life"`
}

func (r RankingConfig) Validate() error {
	if r.TitleSimilarity <= 0 || r.TitleSimilarity > 1 {
		return fmt.Errorf("ranking.title_similarity must be in (0,1]")
	}
	if r.WeightConfidence < 0 || r.WeightPriority < 0 || r.WeightRecency < 0 {
		return fmt.Errorf("ranking weights must be >= 0")
	}
	if r.WeightConfidence+r.WeightPriority+r.WeightRecency == 0 {
		return fmt.Errorf("at least one ranking weight must be > 0")
	}
	if r.RecencyHalfLife <= 0 {
		return fmt.Errorf("ranking.recency_half_life must be > 0")
	}
	return nil
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")

	v.SetDefault("orchestrator.max_parallelism", 6)
	v.SetDefault("orchestrator.default_deadline", "30s")
	v.SetDefault("orchestrator.source_call_timeout", "15s")
	v.SetDefault("orchestrator.rate_limit_wait", "2s")

	v.SetDefault("sources.web.endpoint", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("sources.web.extract_top", 3)
	v.SetDefault("sources.academic.endpoint", "https://export.arxiv.org/api/query")
	v.SetDefault("sources.biomedical.endpoint", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("sources.social.endpoint", "https://www.reddit.com")
	v.SetDefault("sources.social.user_agent", "gatherer/1.0")

	v.SetDefault("rate_limit.default.capacity", 5)
	v.SetDefault("rate_limit.default.refill_per_sec", 1.0)
	v.SetDefault("rate_limit.throttle_decay", 0.5)
	v.SetDefault("rate_limit.throttle_floor", 0.1)
	v.SetDefault("rate_limit.cooldown", "30s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "60s")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("ranking.title_similarity", 0.85)
	v.SetDefault("ranking.date_window", "72h")
	v.SetDefault("ranking.weight_confidence", 0.5)
	v.SetDefault("ranking.weight_priority", 0.2)
	v.SetDefault("ranking.weight_recency", 0.3)
	v.SetDefault("ranking.recency_half_life", "48h")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_port", 9091)
}

// Load reads config from the given file (or the usual lookup paths when path
// is empty), applies GATHERER_* env overrides and validates every section.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("GATHERER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus env are a valid configuration; only a malformed
		// file is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Ranking.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}
