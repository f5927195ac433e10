package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/agentflow")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AGENT_DAILY_ENDPOINT", "https://agents.example.com/daily")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 5*time.Minute, cfg.Agents.DailyTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Agents.MonthlyTimeout)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.InterStageDelay)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.InterAccountDelay)
	assert.Equal(t, 3, cfg.Pipeline.UnitMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.UnitRetryDelay)
	assert.Equal(t, 3, cfg.Pipeline.CallMaxAttempts)
	assert.True(t, cfg.Pipeline.PMSDataAvailable)
	assert.Equal(t, 1, cfg.Pipeline.MonthlyMinDay)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AGENT_DAILY_ENDPOINT", "https://agents.example.com/daily")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_MissingDailyEndpoint(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/agentflow")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AGENT_DAILY_ENDPOINT", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_DAILY_ENDPOINT")
}

func TestLoad_RejectsNonHTTPEndpoint(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AGENT_SUMMARY_ENDPOINT", "ftp://agents.example.com/summary")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_SUMMARY_ENDPOINT")
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_PMS_DATA_AVAILABLE", "false")
	t.Setenv("PIPELINE_UNIT_MAX_ATTEMPTS", "5")
	t.Setenv("PIPELINE_INTER_STAGE_DELAY", "1s")
	t.Setenv("AGENT_MONTHLY_TIMEOUT", "7m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Pipeline.PMSDataAvailable)
	assert.Equal(t, 5, cfg.Pipeline.UnitMaxAttempts)
	assert.Equal(t, time.Second, cfg.Pipeline.InterStageDelay)
	assert.Equal(t, 7*time.Minute, cfg.Agents.MonthlyTimeout)
}

func TestLoad_InvalidRetryBound(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_UNIT_MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPELINE_UNIT_MAX_ATTEMPTS")
}
