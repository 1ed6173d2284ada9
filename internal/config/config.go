// Package config loads application settings from an optional config.yaml
// and RESOLVE_-prefixed environment variables. Every tunable carries a
// default, so the binary runs in free-tier-only mode with no credentials
// at all.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Valve      ValveConfig      `yaml:"valve" mapstructure:"valve"`
	Browser    BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Serp       SerpConfig       `yaml:"serp" mapstructure:"serp"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the metrics server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// CacheConfig configures the two-level cache. An empty DatabaseURL runs
// the cache L1-only.
type CacheConfig struct {
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	L1MaxEntries     int    `yaml:"l1_max_entries" mapstructure:"l1_max_entries"`
	L1MaxBytes       int    `yaml:"l1_max_bytes" mapstructure:"l1_max_bytes"`
	L1TTLCeilingSecs int    `yaml:"l1_ttl_ceiling_secs" mapstructure:"l1_ttl_ceiling_secs"`
}

// LedgerConfig configures the cost ledger and its JSONL writer.
type LedgerConfig struct {
	Path              string `yaml:"path" mapstructure:"path"`
	RingSize          int    `yaml:"ring_size" mapstructure:"ring_size"`
	FlushBatch        int    `yaml:"flush_batch" mapstructure:"flush_batch"`
	FlushIntervalSecs int    `yaml:"flush_interval_secs" mapstructure:"flush_interval_secs"`
}

// ValveConfig configures the concurrency governor.
type ValveConfig struct {
	MinConcurrency int `yaml:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	QueueCeiling   int `yaml:"queue_ceiling" mapstructure:"queue_ceiling"`
}

// BrowserConfig configures the headless browser pool. Disabled skips pool
// construction entirely; the verification gate then never escalates to a
// local browser.
type BrowserConfig struct {
	Enabled            bool `yaml:"enabled" mapstructure:"enabled"`
	MaxInstances       int  `yaml:"max_instances" mapstructure:"max_instances"`
	RequestQuota       int  `yaml:"request_quota" mapstructure:"request_quota"`
	AcquireTimeoutSecs int  `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
	NavTimeoutSecs     int  `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
}

// BreakerConfig configures the financial circuit breaker.
type BreakerConfig struct {
	CostCeilingEUR  float64 `yaml:"cost_ceiling_eur" mapstructure:"cost_ceiling_eur"`
	SafeConcurrency int     `yaml:"safe_concurrency" mapstructure:"safe_concurrency"`
	DwellMins       int     `yaml:"dwell_mins" mapstructure:"dwell_mins"`
	QueueThreshold  int     `yaml:"queue_threshold" mapstructure:"queue_threshold"`
}

// PipelineConfig configures the resolution pipeline.
type PipelineConfig struct {
	QualityFloor   float64 `yaml:"quality_floor" mapstructure:"quality_floor"`
	TrustTier      int     `yaml:"trust_tier" mapstructure:"trust_tier"`
	BleedingTier   int     `yaml:"bleeding_tier" mapstructure:"bleeding_tier"`
	OutputPath     string  `yaml:"output_path" mapstructure:"output_path"`
	OracleDisabled bool    `yaml:"oracle_disabled" mapstructure:"oracle_disabled"`
}

// RegistryConfig configures the local business registry.
type RegistryConfig struct {
	DBPath   string `yaml:"db_path" mapstructure:"db_path"`
	SeedPath string `yaml:"seed_path" mapstructure:"seed_path"`
}

// SerpConfig configures the anonymous SERP client.
type SerpConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina AI Reader settings. An empty key skips adapter
// registration.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	CostEUR       float64 `yaml:"cost_eur" mapstructure:"cost_eur"`
	CreditsEUR    float64 `yaml:"credits_eur" mapstructure:"credits_eur"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Model      string  `yaml:"model" mapstructure:"model"`
	CostEUR    float64 `yaml:"cost_eur" mapstructure:"cost_eur"`
	CreditsEUR float64 `yaml:"credits_eur" mapstructure:"credits_eur"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	Model      string  `yaml:"model" mapstructure:"model"`
	CostEUR    float64 `yaml:"cost_eur" mapstructure:"cost_eur"`
	CreditsEUR float64 `yaml:"credits_eur" mapstructure:"credits_eur"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.l1_max_entries", 10000)
	v.SetDefault("cache.l1_max_bytes", 64<<20)
	v.SetDefault("cache.l1_ttl_ceiling_secs", 300)
	v.SetDefault("ledger.path", "ledger.jsonl")
	v.SetDefault("ledger.ring_size", 5000)
	v.SetDefault("ledger.flush_batch", 20)
	v.SetDefault("ledger.flush_interval_secs", 2)
	v.SetDefault("valve.min_concurrency", 1)
	v.SetDefault("valve.max_concurrency", 8)
	v.SetDefault("valve.queue_ceiling", 1000)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_instances", 2)
	v.SetDefault("browser.request_quota", 30)
	v.SetDefault("browser.acquire_timeout_secs", 20)
	v.SetDefault("browser.nav_timeout_secs", 25)
	v.SetDefault("breaker.cost_ceiling_eur", 0.02)
	v.SetDefault("breaker.safe_concurrency", 2)
	v.SetDefault("breaker.dwell_mins", 10)
	v.SetDefault("breaker.queue_threshold", 50)
	v.SetDefault("pipeline.quality_floor", 0.30)
	v.SetDefault("pipeline.trust_tier", 3)
	v.SetDefault("pipeline.bleeding_tier", 1)
	v.SetDefault("pipeline.output_path", "results.jsonl")
	v.SetDefault("registry.db_path", "registry.db")
	v.SetDefault("serp.base_url", "https://html.duckduckgo.com/html")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.cost_eur", 0.004)
	v.SetDefault("jina.credits_eur", 5.00)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.cost_eur", 0.006)
	v.SetDefault("perplexity.credits_eur", 5.00)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.cost_eur", 0.01)
	v.SetDefault("anthropic.credits_eur", 5.00)

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

// Validate checks the settings a command mode depends on. Modes: "run",
// "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Valve.MinConcurrency < 1 {
		problems = append(problems, "valve.min_concurrency must be >= 1")
	}
	if c.Valve.MaxConcurrency < c.Valve.MinConcurrency {
		problems = append(problems, "valve.max_concurrency must be >= valve.min_concurrency")
	}
	if c.Pipeline.QualityFloor < 0 || c.Pipeline.QualityFloor > 1 {
		problems = append(problems, "pipeline.quality_floor must be in [0, 1]")
	}
	if c.Breaker.CostCeilingEUR <= 0 {
		problems = append(problems, "breaker.cost_ceiling_eur must be > 0")
	}

	switch mode {
	case "run":
		if c.Pipeline.OutputPath == "" {
			problems = append(problems, "pipeline.output_path is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
