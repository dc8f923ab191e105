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
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Registry  RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Scrape    ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Session   SessionConfig    `yaml:"session" mapstructure:"session"`
	Browser   BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Discovery DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Feed      FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitor   MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the catalog backend. Driver is "sqlite",
// "postgres" or "none".
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the optional stream publisher.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr         string `yaml:"addr" mapstructure:"addr"`
	DB           int    `yaml:"db" mapstructure:"db"`
	Password     string `yaml:"password" mapstructure:"password"`
	StreamPrefix string `yaml:"stream_prefix" mapstructure:"stream_prefix"`
	MaxLen       int64  `yaml:"max_len" mapstructure:"max_len"`
}

// RegistryConfig points at a retailer profiles file. Empty uses the
// built-in profiles.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ScrapeConfig configures the fallback chain and batch runner.
type ScrapeConfig struct {
	TierTimeoutSecs    int      `yaml:"tier_timeout_secs" mapstructure:"tier_timeout_secs"`
	BrowserTimeoutSecs int      `yaml:"browser_timeout_secs" mapstructure:"browser_timeout_secs"`
	BackoffMs          []int    `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	SkipTiers          []string `yaml:"skip_tiers" mapstructure:"skip_tiers"`
	Concurrency        int      `yaml:"concurrency" mapstructure:"concurrency"`
	BatchDeadlineSecs  int      `yaml:"batch_deadline_secs" mapstructure:"batch_deadline_secs"`
}

// SessionConfig configures per-retailer sessions.
type SessionConfig struct {
	RatePerSecond    float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	DialTimeoutSecs  int     `yaml:"dial_timeout_secs" mapstructure:"dial_timeout_secs"`
}

// BrowserConfig configures the headless browser tier. Engine is
// "chromedp", "rod" or "none".
type BrowserConfig struct {
	Engine   string `yaml:"engine" mapstructure:"engine"`
	ExecPath string `yaml:"exec_path" mapstructure:"exec_path"`
	SettleMs int    `yaml:"settle_ms" mapstructure:"settle_ms"`
}

// DiscoveryConfig configures new product discovery.
type DiscoveryConfig struct {
	DefaultTerm string `yaml:"default_term" mapstructure:"default_term"`
	MaxResults  int    `yaml:"max_results" mapstructure:"max_results"`
	CacheSize   int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// FeedConfig configures remote target list downloads.
type FeedConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP trigger.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures batch alerts. Alerts are only sent when
// WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinAttempts          int     `yaml:"min_attempts" mapstructure:"min_attempts"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PRICESCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricescout.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream_prefix", "pricescout")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("registry.path", "")
	v.SetDefault("scrape.tier_timeout_secs", 20)
	v.SetDefault("scrape.browser_timeout_secs", 60)
	v.SetDefault("scrape.backoff_ms", []int{2000, 4000, 8000})
	v.SetDefault("scrape.skip_tiers", []string{})
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("scrape.batch_deadline_secs", 0)
	v.SetDefault("session.rate_per_second", 1.0)
	v.SetDefault("session.burst", 2)
	v.SetDefault("session.failure_threshold", 3)
	v.SetDefault("session.reset_timeout_secs", 60)
	v.SetDefault("session.dial_timeout_secs", 10)
	v.SetDefault("browser.engine", "chromedp")
	v.SetDefault("browser.settle_ms", 1500)
	v.SetDefault("discovery.default_term", "paper tissue")
	v.SetDefault("discovery.max_results", 5)
	v.SetDefault("discovery.cache_size", 4096)
	v.SetDefault("feed.timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_attempts", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command needs. mode is "scrape",
// "discover" or "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres", "none", "":
	default:
		errs = append(errs, "store.driver must be sqlite, postgres or none")
	}
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "postgres") && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for "+c.Store.Driver)
	}
	if c.Scrape.Concurrency < 1 || c.Scrape.Concurrency > 64 {
		errs = append(errs, "scrape.concurrency must be between 1 and 64")
	}
	if c.Scrape.TierTimeoutSecs <= 0 || c.Scrape.BrowserTimeoutSecs <= 0 {
		errs = append(errs, "scrape tier timeouts must be > 0")
	}
	for _, ms := range c.Scrape.BackoffMs {
		if ms < 0 {
			errs = append(errs, "scrape.backoff_ms values must be >= 0")
			break
		}
	}
	if c.Session.RatePerSecond <= 0 {
		errs = append(errs, "session.rate_per_second must be > 0")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis.enabled")
	}
	if c.Monitor.FailureRateThreshold < 0 || c.Monitor.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	switch mode {
	case "scrape":
	case "discover":
		if c.Discovery.MaxResults < 1 {
			errs = append(errs, "discovery.max_results must be >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
