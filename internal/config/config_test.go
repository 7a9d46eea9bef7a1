package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "in-memory", cfg.Database.Type)
	assert.Equal(t, 30, cfg.Orchestrator.MaxSteps)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.TaskTimeout)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 2, cfg.Detector.ProbeBudget)
	assert.Equal(t, 8, cfg.Detector.WindowSize)
	assert.Equal(t, 70, cfg.Verifier.SuccessThreshold)
	assert.Equal(t, 40, cfg.Verifier.PartialThreshold)
	assert.Equal(t, 100, cfg.Verifier.Weights.Depth+cfg.Verifier.Weights.Coverage+
		cfg.Verifier.Weights.Positive+cfg.Verifier.Weights.Negative)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 60, cfg.Oracle.RequestsPerMinute)
}

func TestValidate(t *testing.T) {
	t.Run("weights must sum to 100", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Verifier.Weights.Depth = 50
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sum to 100")
	})

	t.Run("thresholds must be ordered", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Verifier.SuccessThreshold = 30
		assert.Error(t, cfg.Validate())
	})

	t.Run("postgres requires a URL", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Database.Type = "postgres"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url")

		cfg.Database.URL = "postgres://localhost/waypoint"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("positive budgets", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Orchestrator.MaxSteps = 0
		assert.Error(t, cfg.Validate())

		cfg = defaultConfig(t)
		cfg.Scheduler.MaxConcurrent = -1
		assert.Error(t, cfg.Validate())

		cfg = defaultConfig(t)
		cfg.Detector.ProbeBudget = 0
		assert.Error(t, cfg.Validate())
	})
}
