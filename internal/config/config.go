// Package config loads smartbroker configuration from config.yaml and
// SMARTBROKER_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/smartbroker/internal/cost"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity    PerplexityConfig    `yaml:"perplexity" mapstructure:"perplexity"`
	Jina          JinaConfig          `yaml:"jina" mapstructure:"jina"`
	Search        SearchConfig        `yaml:"search" mapstructure:"search"`
	Investigation InvestigationConfig `yaml:"investigation" mapstructure:"investigation"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`
	Circuit       CircuitConfig       `yaml:"circuit" mapstructure:"circuit"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Notion        NotionConfig        `yaml:"notion" mapstructure:"notion"`
	Pricing       cost.Rates          `yaml:"pricing" mapstructure:"pricing"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model" validate:"required"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gt=0"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature" validate:"gte=0,lte=1"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// SearchConfig configures the search tool adapter.
type SearchConfig struct {
	Provider   string        `yaml:"provider" mapstructure:"provider" validate:"oneof=perplexity jina"`
	CacheTTL   time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"gte=0"`
	CacheSize  int           `yaml:"cache_size" mapstructure:"cache_size" validate:"gte=0"`
	RatePerSec float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gte=0"`
}

// InvestigationConfig configures the elimination scheduler.
type InvestigationConfig struct {
	ToolBudget           int    `yaml:"tool_budget" mapstructure:"tool_budget" validate:"gte=1,lte=10"`
	Concurrency          int    `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=32"`
	Pause                bool   `yaml:"pause" mapstructure:"pause"`
	QuestionsFile        string `yaml:"questions_file" mapstructure:"questions_file"`
	MinPromoteConfidence string `yaml:"min_promote_confidence" mapstructure:"min_promote_confidence" validate:"oneof=LOW MEDIUM HIGH"`
}

// RetryConfig configures caller-side retries of upstream calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs" validate:"gte=0"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres none"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// NotionConfig holds Notion API credentials and database IDs.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	LeadDB     string `yaml:"lead_db" mapstructure:"lead_db"`
	LeadStatus string `yaml:"lead_status" mapstructure:"lead_status"`
	QuestionDB string `yaml:"question_db" mapstructure:"question_db"`
	WriteBack  bool   `yaml:"write_back" mapstructure:"write_back"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MinPromote returns the configured promotion threshold.
func (c InvestigationConfig) MinPromote() model.Confidence {
	return model.ParseConfidence(c.MinPromoteConfidence)
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SMARTBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials have empty defaults so AutomaticEnv can supply them.
	for _, key := range []string{
		"anthropic.key", "perplexity.key", "jina.key",
		"notion.token", "notion.lead_db", "notion.question_db",
		"investigation.questions_file",
	} {
		v.SetDefault(key, "")
	}

	// Defaults
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("search.provider", "perplexity")
	v.SetDefault("search.cache_ttl", "15m")
	v.SetDefault("search.cache_size", 1000)
	v.SetDefault("search.rate_per_sec", 2.0)
	v.SetDefault("investigation.tool_budget", 3)
	v.SetDefault("investigation.concurrency", 1)
	v.SetDefault("investigation.pause", false)
	v.SetDefault("investigation.min_promote_confidence", string(model.ConfidenceMedium))
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "smartbroker.db")
	v.SetDefault("notion.lead_status", "New")
	v.SetDefault("notion.write_back", true)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.perplexity.per_mtok", 1.00)
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
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}
	cfg.Investigation.MinPromoteConfidence = strings.ToUpper(cfg.Investigation.MinPromoteConfidence)

	return &cfg, nil
}

// Commands with their own credential requirements.
const (
	ModeInvestigate = "investigate"
	ModeServe       = "serve"
	ModeRuns        = "runs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges and the credentials the given command needs. Every
// problem is reported as a *resilience.ConfigurationError; several are
// combined into one error.
func (c *Config) Validate(mode string) error {
	var errs error
	add := func(field, reason string) {
		errs = multierr.Append(errs, &resilience.ConfigurationError{Field: field, Reason: reason})
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range verrs {
			add(fieldPath(fe.Namespace()), "failed "+fe.Tag()+" check")
		}
	}

	needStore := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			add("store.database_url", "is required for the postgres driver")
		}
	}

	switch mode {
	case ModeInvestigate, ModeServe:
		if c.Anthropic.Key == "" {
			add("anthropic.key", "is required")
		}
		switch c.Search.Provider {
		case "perplexity":
			if c.Perplexity.Key == "" {
				add("perplexity.key", "is required for the perplexity search provider")
			}
		case "jina":
			if c.Jina.Key == "" {
				add("jina.key", "is required for the jina search provider")
			}
		}
		if (c.Notion.LeadDB != "" || c.Notion.QuestionDB != "") && c.Notion.Token == "" {
			add("notion.token", "is required when a notion database is configured")
		}
		needStore()
	case ModeRuns:
		if c.Store.Driver == "none" {
			add("store.driver", "must not be none")
		}
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	return errs
}

// fieldPath turns "Config.Search.CacheTTL" into "search.cachettl".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
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
