package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI       OpenAIConfig       `yaml:"openai" mapstructure:"openai"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Matching     MatchingConfig     `yaml:"matching" mapstructure:"matching"`
	Classifier   ClassifierConfig   `yaml:"classifier" mapstructure:"classifier"`
	Confirmation ConfirmationConfig `yaml:"confirmation" mapstructure:"confirmation"`
	Policy       PolicyConfig       `yaml:"policy" mapstructure:"policy"`
	Ingest       IngestConfig       `yaml:"ingest" mapstructure:"ingest"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig selects the model provider and bounds every call to it.
type LLMConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RetryAttempts     int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// Timeout returns the per-call deadline.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	ExtractModel string `yaml:"extract_model" mapstructure:"extract_model"`
	JudgeModel   string `yaml:"judge_model" mapstructure:"judge_model"`
}

// OpenAIConfig holds settings for OpenAI and compatible endpoints.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// RedisConfig configures the notification bus. An empty Addr disables it.
type RedisConfig struct {
	Addr                string `yaml:"addr" mapstructure:"addr"`
	Password            string `yaml:"password" mapstructure:"password"`
	DB                  int    `yaml:"db" mapstructure:"db"`
	ConfirmationChannel string `yaml:"confirmation_channel" mapstructure:"confirmation_channel"`
	ReplyChannel        string `yaml:"reply_channel" mapstructure:"reply_channel"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// MatchingConfig configures trip matching.
type MatchingConfig struct {
	DestinationWeight   float64 `yaml:"destination_weight" mapstructure:"destination_weight"`
	DateWeight          float64 `yaml:"date_weight" mapstructure:"date_weight"`
	AcceptanceThreshold float64 `yaml:"acceptance_threshold" mapstructure:"acceptance_threshold"`
}

// ClassifierConfig configures conflict classification.
type ClassifierConfig struct {
	JudgeThreshold    float64 `yaml:"judge_threshold" mapstructure:"judge_threshold"`
	JudgeCacheTTLSecs int     `yaml:"judge_cache_ttl_secs" mapstructure:"judge_cache_ttl_secs"`
}

// ConfirmationConfig configures the confirmation state machine.
type ConfirmationConfig struct {
	TimeoutHours      int     `yaml:"timeout_hours" mapstructure:"timeout_hours"`
	SweepIntervalSecs int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	IntentThreshold   float64 `yaml:"intent_threshold" mapstructure:"intent_threshold"`
	MaxVersionRetries int     `yaml:"max_version_retries" mapstructure:"max_version_retries"`
}

// PolicyConfig points at the field policy file. Empty uses built-in defaults.
type PolicyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// IngestConfig configures document ingestion.
type IngestConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
	// ClaimTTLSecs bounds how long a crashed instance's claim on a source
	// ID blocks redelivery.
	ClaimTTLSecs int `yaml:"claim_ttl_secs" mapstructure:"claim_ttl_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("TRIPINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "trip-ingest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.timeout_secs", 20)
	v.SetDefault("llm.requests_per_second", 5.0)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.retry_attempts", 3)
	v.SetDefault("anthropic.extract_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.judge_model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("redis.confirmation_channel", "trip:confirmations")
	v.SetDefault("redis.reply_channel", "trip:replies")
	v.SetDefault("matching.destination_weight", 0.6)
	v.SetDefault("matching.date_weight", 0.4)
	v.SetDefault("matching.acceptance_threshold", 0.55)
	v.SetDefault("classifier.judge_threshold", 0.9)
	v.SetDefault("classifier.judge_cache_ttl_secs", 600)
	v.SetDefault("confirmation.timeout_hours", 72)
	v.SetDefault("confirmation.sweep_interval_secs", 300)
	v.SetDefault("confirmation.intent_threshold", 0.7)
	v.SetDefault("confirmation.max_version_retries", 3)
	v.SetDefault("ingest.max_concurrent_documents", 4)
	v.SetDefault("ingest.claim_ttl_secs", 600)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
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

// Validate checks that the keys a command mode needs are present and that
// tunables are in range. Modes: "serve", "ingest", "reply", "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "ingest", "reply", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode != "store" {
		switch c.LLM.Provider {
		case "", "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required")
			}
		case "openai":
			if c.OpenAI.Key == "" && c.OpenAI.BaseURL == "" {
				errs = append(errs, "openai.key or openai.base_url is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("llm.provider %q is not anthropic or openai", c.LLM.Provider))
		}
		if c.LLM.TimeoutSecs <= 0 {
			errs = append(errs, "llm.timeout_secs must be > 0")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if c.Matching.DestinationWeight < 0 || c.Matching.DateWeight < 0 ||
		c.Matching.DestinationWeight+c.Matching.DateWeight <= 0 {
		errs = append(errs, "matching weights must be >= 0 and not both zero")
	}
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"matching.acceptance_threshold", c.Matching.AcceptanceThreshold},
		{"classifier.judge_threshold", c.Classifier.JudgeThreshold},
		{"confirmation.intent_threshold", c.Confirmation.IntentThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", th.name))
		}
	}
	if c.Confirmation.TimeoutHours <= 0 {
		errs = append(errs, "confirmation.timeout_hours must be > 0")
	}
	if n := c.Ingest.MaxConcurrentDocuments; n < 1 || n > 64 {
		errs = append(errs, "ingest.max_concurrent_documents must be between 1 and 64")
	}
	if c.Ingest.ClaimTTLSecs < 0 {
		errs = append(errs, "ingest.claim_ttl_secs must not be negative")
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
