// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration, one sub-struct per
// component. Values are resolved by viper with the usual precedence: flags
// over environment over config file over defaults.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Oracle       OracleConfig       `mapstructure:"oracle" yaml:"oracle"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Detector     DetectorConfig     `mapstructure:"detector" yaml:"detector"`
	Verifier     VerifierConfig     `mapstructure:"verifier" yaml:"verifier"`
	Learner      LearnerConfig      `mapstructure:"learner" yaml:"learner"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json".
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // Megabytes before rotation.
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // Days.
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig selects and configures the knowledge store backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // "postgres" or "in-memory".
	URL  string `mapstructure:"url" yaml:"url"`   // Postgres connection string when Type is "postgres".
}

// BrowserConfig configures the chromedp-backed action executor.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	SnapshotTextLimit int           `mapstructure:"snapshot_text_limit" yaml:"snapshot_text_limit"` // Max runes of visible text kept per snapshot.
}

// OracleConfig configures the decision oracle client.
type OracleConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"` // Currently "gemini".
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"` // Shared budget across concurrent tasks.
	HistoryLookback   int           `mapstructure:"history_lookback" yaml:"history_lookback"`       // Trimmed history window sent with each request.
}

// OrchestratorConfig bounds a single task execution.
type OrchestratorConfig struct {
	MaxSteps    int           `mapstructure:"max_steps" yaml:"max_steps"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// DetectorConfig tunes the loop detector.
type DetectorConfig struct {
	WindowSize  int `mapstructure:"window_size" yaml:"window_size"`   // Unchanged-fingerprint window that triggers a stall.
	RepeatLimit int `mapstructure:"repeat_limit" yaml:"repeat_limit"` // Same (type, target) repetitions that trigger a stall.
	ProbeBudget int `mapstructure:"probe_budget" yaml:"probe_budget"` // Recovery probes attempted before escalating.
	MinDistinct int `mapstructure:"min_distinct" yaml:"min_distinct"` // Distinct actions required before the window rule fires.
}

// RubricWeights are the point caps of the additive completion rubric. They are
// configuration because the right balance is deployment-specific; only the
// structure (additive, 0-100, 70/40 thresholds) is fixed.
type RubricWeights struct {
	Depth           int `mapstructure:"depth" yaml:"depth"`                       // Navigation-depth component cap.
	Coverage        int `mapstructure:"coverage" yaml:"coverage"`                 // Category-appropriate action coverage cap.
	Positive        int `mapstructure:"positive" yaml:"positive"`                 // Positive-indicator component cap.
	Negative        int `mapstructure:"negative" yaml:"negative"`                 // Absence-of-negatives component cap.
	NegativePenalty int `mapstructure:"negative_penalty" yaml:"negative_penalty"` // Deduction per observed negative indicator.
}

// VerifierConfig configures the task verifier.
type VerifierConfig struct {
	Weights          RubricWeights `mapstructure:"weights" yaml:"weights"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
	PartialThreshold int           `mapstructure:"partial_threshold" yaml:"partial_threshold"`
}

// LearnerConfig tunes the workflow learner.
type LearnerConfig struct {
	MaxSequences  int `mapstructure:"max_sequences" yaml:"max_sequences"`   // Cap on stored successful sequences per entry.
	MaxFailures   int `mapstructure:"max_failures" yaml:"max_failures"`     // Cap on stored failure patterns per entry.
	MaxRecoveries int `mapstructure:"max_recoveries" yaml:"max_recoveries"` // Cap on stored recovery strategies per entry.
}

// SchedulerConfig bounds concurrent task execution.
type SchedulerConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// Logger defaults.
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "waypoint-cli")
	v.SetDefault("logger.log_file", "waypoint.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// Database defaults.
	v.SetDefault("database.type", "in-memory")
	v.SetDefault("database.url", "")

	// Browser defaults.
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.post_load_wait", "1500ms")
	v.SetDefault("browser.snapshot_text_limit", 4000)

	// Oracle defaults.
	v.SetDefault("oracle.provider", "gemini")
	v.SetDefault("oracle.model", "gemini-2.0-flash")
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_output_tokens", 1024)
	v.SetDefault("oracle.request_timeout", "60s")
	v.SetDefault("oracle.requests_per_minute", 60)
	v.SetDefault("oracle.history_lookback", 10)

	// Orchestrator defaults.
	v.SetDefault("orchestrator.max_steps", 30)
	v.SetDefault("orchestrator.task_timeout", "10m")

	// Detector defaults.
	v.SetDefault("detector.window_size", 8)
	v.SetDefault("detector.repeat_limit", 2)
	v.SetDefault("detector.probe_budget", 2)
	v.SetDefault("detector.min_distinct", 2)

	// Verifier defaults. The weights must sum to 100.
	v.SetDefault("verifier.weights.depth", 20)
	v.SetDefault("verifier.weights.coverage", 30)
	v.SetDefault("verifier.weights.positive", 25)
	v.SetDefault("verifier.weights.negative", 25)
	v.SetDefault("verifier.weights.negative_penalty", 10)
	v.SetDefault("verifier.success_threshold", 70)
	v.SetDefault("verifier.partial_threshold", 40)

	// Learner defaults.
	v.SetDefault("learner.max_sequences", 10)
	v.SetDefault("learner.max_failures", 25)
	v.SetDefault("learner.max_recoveries", 10)

	// Scheduler defaults.
	v.SetDefault("scheduler.max_concurrent", 5)
}

// Load reads configuration from the given file (or the default search path
// when cfgFile is empty), applies environment overrides with the WAYPOINT
// prefix, and unmarshals into a validated Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.GetViper()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WAYPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	w := c.Verifier.Weights
	if sum := w.Depth + w.Coverage + w.Positive + w.Negative; sum != 100 {
		return fmt.Errorf("verifier rubric weights must sum to 100, got %d", sum)
	}
	if c.Verifier.SuccessThreshold <= c.Verifier.PartialThreshold {
		return fmt.Errorf("verifier success threshold (%d) must exceed partial threshold (%d)",
			c.Verifier.SuccessThreshold, c.Verifier.PartialThreshold)
	}
	if c.Orchestrator.MaxSteps <= 0 {
		return fmt.Errorf("orchestrator.max_steps must be positive, got %d", c.Orchestrator.MaxSteps)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Database.Type == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.type is postgres")
	}
	if c.Detector.ProbeBudget <= 0 {
		return fmt.Errorf("detector.probe_budget must be positive, got %d", c.Detector.ProbeBudget)
	}
	return nil
}
