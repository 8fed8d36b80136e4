package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the enrichment pipeline.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Server     ServerConfig     `mapstructure:"server"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains the completion-service provider configuration.
type LLMConfig struct {
	Provider LLMProvider      `mapstructure:"provider"`
	Routing  LLMRoutingConfig `mapstructure:"routing"`
}

// LLMProvider represents the completion-service connection settings.
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai only, for now
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration. Costs are USD per
// one million tokens, matching the provider's published price sheet.
type LLMModel struct {
	Name         string  `mapstructure:"name"`
	APIName      string  `mapstructure:"api_name"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	CostPer1MIn  float64 `mapstructure:"cost_per_1m_input"`
	CostPer1MOut float64 `mapstructure:"cost_per_1m_output"`
}

// LLMRoutingConfig defines which model handles which pipeline stage.
type LLMRoutingConfig struct {
	Analysis string `mapstructure:"analysis"` // per-article enrichment
	Digest   string `mapstructure:"digest"`   // daily digest synthesis
	Fallback string `mapstructure:"fallback"`
}

func (l LLMConfig) Validate() error {
	if len(l.Provider.Models) == 0 {
		return fmt.Errorf("llm.provider.models must define at least one model")
	}
	resolve := func(key, field string) error {
		if key == "" {
			return nil
		}
		if _, ok := l.Provider.Models[key]; !ok {
			return fmt.Errorf("llm.routing.%s references unknown model %q", field, key)
		}
		return nil
	}
	if err := resolve(l.Routing.Analysis, "analysis"); err != nil {
		return err
	}
	if err := resolve(l.Routing.Digest, "digest"); err != nil {
		return err
	}
	return resolve(l.Routing.Fallback, "fallback")
}

// EnrichmentConfig controls batch selection and worker behaviour.
type EnrichmentConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	RetryCeiling    int           `mapstructure:"retry_ceiling"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	MaxContentWords int           `mapstructure:"max_content_words"`
	TopStories      int           `mapstructure:"top_stories"`
	PendingTTL      time.Duration `mapstructure:"pending_ttl"`
}

func (e EnrichmentConfig) Validate() error {
	if e.BatchSize <= 0 {
		return fmt.Errorf("enrichment.batch_size must be > 0")
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("enrichment.concurrency must be > 0")
	}
	if e.RetryCeiling < 0 {
		return fmt.Errorf("enrichment.retry_ceiling cannot be negative")
	}
	if e.BackoffBase <= 0 || e.BackoffCap < e.BackoffBase {
		return fmt.Errorf("enrichment.backoff_cap must be >= backoff_base > 0")
	}
	if e.TopStories <= 0 {
		return fmt.Errorf("enrichment.top_stories must be > 0")
	}
	if e.PendingTTL < 0 {
		return fmt.Errorf("enrichment.pending_ttl cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings (scheduler run locks).
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns the host:port pair for the redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// TelemetryConfig contains metrics and cost-tracking settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// ServerConfig contains the ops HTTP surface settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// SchedulerConfig drives the cron trigger loop.
type SchedulerConfig struct {
	EnrichCron   string        `mapstructure:"enrich_cron"`
	DigestCron   string        `mapstructure:"digest_cron"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// LoadConfig loads config from file, with NEWSINTEL_* env overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "60s")
	v.SetDefault("llm.provider.type", "openai")
	v.SetDefault("llm.provider.max_retries", 3)
	v.SetDefault("llm.provider.timeout", "60s")
	v.SetDefault("enrichment.batch_size", 50)
	v.SetDefault("enrichment.concurrency", 5)
	v.SetDefault("enrichment.retry_ceiling", 5)
	v.SetDefault("enrichment.backoff_base", "2s")
	v.SetDefault("enrichment.backoff_cap", "30s")
	v.SetDefault("enrichment.max_content_words", 450)
	v.SetDefault("enrichment.top_stories", 7)
	v.SetDefault("enrichment.pending_ttl", "1h")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.dbname", "newsintel")
	v.SetDefault("server.address", ":10020")
	v.SetDefault("scheduler.enrich_cron", "@hourly")
	v.SetDefault("scheduler.digest_cron", "@daily")
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.lock_ttl", "2m")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("NEWSINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults are enough to run.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The built-in price table keeps a config-less deployment runnable.
	if len(cfg.LLM.Provider.Models) == 0 {
		cfg.LLM.Provider.Models = DefaultModels()
	}
	if cfg.LLM.Routing.Fallback == "" {
		cfg.LLM.Routing.Fallback = "gpt-4o-mini"
	}

	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Enrichment.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultModels returns the built-in price table used when no models are
// configured. Rates are USD per 1M tokens.
func DefaultModels() map[string]LLMModel {
	return map[string]LLMModel{
		"gpt-4o-mini": {
			Name:         "gpt-4o-mini",
			APIName:      "gpt-4o-mini",
			MaxTokens:    1024,
			Temperature:  0.1,
			CostPer1MIn:  0.15,
			CostPer1MOut: 0.60,
		},
		"gpt-4o": {
			Name:         "gpt-4o",
			APIName:      "gpt-4o",
			MaxTokens:    2048,
			Temperature:  0.2,
			CostPer1MIn:  2.50,
			CostPer1MOut: 10.00,
		},
	}
}
