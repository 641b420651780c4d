// Package config loads application configuration from file and environment
// and initializes the global logger.
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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Index    IndexConfig    `yaml:"index" mapstructure:"index"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// RuleConfig describes one field comparator for the matcher.
type RuleConfig struct {
	Field     string  `yaml:"field" mapstructure:"field"`
	Kind      string  `yaml:"kind" mapstructure:"kind"`
	Weight    float64 `yaml:"weight" mapstructure:"weight"`
	Tolerance float64 `yaml:"tolerance" mapstructure:"tolerance"`
}

// ResolverConfig holds the match thresholds and merge behavior.
// FlagThreshold must not exceed MergeThreshold; scores in between are
// flagged for review.
type ResolverConfig struct {
	MergeThreshold float64      `yaml:"merge_threshold" mapstructure:"merge_threshold"`
	FlagThreshold  float64      `yaml:"flag_threshold" mapstructure:"flag_threshold"`
	ReviewTopN     int          `yaml:"review_top_n" mapstructure:"review_top_n"`
	Rules          []RuleConfig `yaml:"rules" mapstructure:"rules"`
}

// IndexConfig configures the candidate index.
type IndexConfig struct {
	BlockingStrategy string `yaml:"blocking_strategy" mapstructure:"blocking_strategy"`
}

// IngestConfig configures coordinator behavior.
type IngestConfig struct {
	MaxRetries           int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs       int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	ReadPageSize         int `yaml:"read_page_size" mapstructure:"read_page_size"`
	CandidateTopN        int `yaml:"candidate_top_n" mapstructure:"candidate_top_n"`
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
}

// FetchConfig configures the raw-feed fetchers.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	FTPUser     string  `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword string  `yaml:"ftp_password" mapstructure:"ftp_password"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RETAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "ingest.db")
	v.SetDefault("resolver.merge_threshold", 0.85)
	v.SetDefault("resolver.flag_threshold", 0.60)
	v.SetDefault("resolver.review_top_n", 5)
	v.SetDefault("index.blocking_strategy", "token")
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.retry_backoff_ms", 250)
	v.SetDefault("ingest.read_page_size", 500)
	v.SetDefault("ingest.candidate_top_n", 10)
	v.SetDefault("ingest.max_concurrent_batches", 4)
	v.SetDefault("fetch.user_agent", "ingest-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.rate_per_sec", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
