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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// NotionConfig holds Notion API credentials and the review queue database.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	ReviewDBID string `yaml:"review_db_id" mapstructure:"review_db_id"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	Model        string  `yaml:"model" mapstructure:"model"`
	CriticModel  string  `yaml:"critic_model" mapstructure:"critic_model"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce connected-app credentials.
type SalesforceConfig struct {
	Domain    string `yaml:"domain" mapstructure:"domain"`
	ClientID  string `yaml:"client_id" mapstructure:"client_id"`
	ClientKey string `yaml:"client_key" mapstructure:"client_key"`
	AccountID string `yaml:"account_id" mapstructure:"account_id"`
}

// RulesConfig points at an optional YAML file overriding the built-in
// rule tables.
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FetchConfig configures document packet downloads.
type FetchConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// PipelineConfig configures extraction behavior.
type PipelineConfig struct {
	AcceptanceThreshold     float64 `yaml:"acceptance_threshold" mapstructure:"acceptance_threshold"`
	MaxRefinementIterations int     `yaml:"max_refinement_iterations" mapstructure:"max_refinement_iterations"`
	LowConfidenceThreshold  float64 `yaml:"low_confidence_threshold" mapstructure:"low_confidence_threshold"`
	MaxReasonLength         int     `yaml:"max_reason_length" mapstructure:"max_reason_length"`
	ScoringEnabled          bool    `yaml:"scoring_enabled" mapstructure:"scoring_enabled"`
	ModeStamp               string  `yaml:"mode_stamp" mapstructure:"mode_stamp"`
	StageTimeoutSecs        int     `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
}

// ResilienceConfig configures retry and circuit-breaker behavior for
// outbound API calls.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig holds retry backoff settings.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig holds circuit-breaker settings.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background alert checker in serve mode.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD       float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DLQDepthThreshold      int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	Dev   bool   `yaml:"dev" mapstructure:"dev"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.csm-cli")

	// Environment
	v.SetEnvPrefix("CSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "csm.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.critic_model", "claude-opus-4-6")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.rate_limit_rps", 4)
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("pipeline.acceptance_threshold", 0.85)
	v.SetDefault("pipeline.max_refinement_iterations", 3)
	v.SetDefault("pipeline.low_confidence_threshold", 0.45)
	v.SetDefault("pipeline.max_reason_length", 0)
	v.SetDefault("pipeline.scoring_enabled", true)
	v.SetDefault("pipeline.mode_stamp", "csm-v2")
	v.SetDefault("pipeline.stage_timeout_secs", 180)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.user_agent", "csm-cli/1.0")
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_backoff_ms", 500)
	v.SetDefault("resilience.retry.max_backoff_ms", 8000)
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.jitter_fraction", 0.2)
	v.SetDefault("resilience.circuit.failure_threshold", 5)
	v.SetDefault("resilience.circuit.reset_timeout_secs", 30)
	v.SetDefault("salesforce.domain", "https://login.salesforce.com")
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.review_backlog_threshold", 25)

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

// Validate checks that the configuration required for the given mode is
// present. Mode is one of "run", "serve", "import", "fetch", "export".
func (c *Config) Validate(mode string) error {
	var problems []string

	checkThresholds := func() {
		if c.Pipeline.AcceptanceThreshold < 0 || c.Pipeline.AcceptanceThreshold > 1 {
			problems = append(problems, "pipeline.acceptance_threshold must be between 0 and 1")
		}
		if c.Pipeline.LowConfidenceThreshold < 0 || c.Pipeline.LowConfidenceThreshold > 1 {
			problems = append(problems, "pipeline.low_confidence_threshold must be between 0 and 1")
		}
		if c.Pipeline.MaxRefinementIterations < 0 || c.Pipeline.MaxRefinementIterations > 10 {
			problems = append(problems, "pipeline.max_refinement_iterations must be between 0 and 10")
		}
	}

	switch mode {
	case "run":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		checkThresholds()
	case "serve":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		checkThresholds()
	case "import", "fetch":
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required")
		}
	case "export":
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required")
		}
		if c.Salesforce.Domain == "" || c.Salesforce.ClientID == "" || c.Salesforce.ClientKey == "" {
			problems = append(problems, "salesforce.domain, salesforce.client_id, and salesforce.client_key are required")
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
	if cfg.Dev {
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
