package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the AgentFlow server and runner.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Agents   AgentsConfig
	Pipeline PipelineConfig
	OAuth    OAuthConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AgentsConfig holds the webhook endpoint per agent type. An empty endpoint
// means that agent is unavailable in this deployment; invoking it fails
// without a network call.
type AgentsConfig struct {
	DailyEndpoint        string
	SummaryEndpoint      string
	OpportunityEndpoint  string
	CROOptimizerEndpoint string
	RankingEndpoint      string
	DailyTimeout         time.Duration
	MonthlyTimeout       time.Duration
}

// PipelineConfig tunes the orchestrator and batch coordinators. The
// PMS-availability flag gates monthly eligibility and is deliberately
// configuration, not a compile-time constant.
type PipelineConfig struct {
	PMSDataAvailable  bool
	MonthlyMinDay     int
	InterStageDelay   time.Duration
	InterAccountDelay time.Duration
	UnitMaxAttempts   int
	UnitRetryDelay    time.Duration
	CallMaxAttempts   int
	CallRetryDelay    time.Duration
	RankingMaxRetries int
	RankingRetryDelay time.Duration
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

type MetricsConfig struct {
	AnalyticsBaseURL string
	SearchBaseURL    string
	BusinessBaseURL  string
	Timeout          time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("AGENTFLOW_PORT", 8080),
			Env:  envString("AGENTFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Agents: AgentsConfig{
			DailyEndpoint:        os.Getenv("AGENT_DAILY_ENDPOINT"),
			SummaryEndpoint:      os.Getenv("AGENT_SUMMARY_ENDPOINT"),
			OpportunityEndpoint:  os.Getenv("AGENT_OPPORTUNITY_ENDPOINT"),
			CROOptimizerEndpoint: os.Getenv("AGENT_CRO_OPTIMIZER_ENDPOINT"),
			RankingEndpoint:      os.Getenv("AGENT_RANKING_ENDPOINT"),
			DailyTimeout:         envDuration("AGENT_DAILY_TIMEOUT", 5*time.Minute),
			MonthlyTimeout:       envDuration("AGENT_MONTHLY_TIMEOUT", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			PMSDataAvailable:  envBool("PIPELINE_PMS_DATA_AVAILABLE", true),
			MonthlyMinDay:     envInt("PIPELINE_MONTHLY_MIN_DAY", 1),
			InterStageDelay:   envDuration("PIPELINE_INTER_STAGE_DELAY", 15*time.Second),
			InterAccountDelay: envDuration("PIPELINE_INTER_ACCOUNT_DELAY", 15*time.Second),
			UnitMaxAttempts:   envInt("PIPELINE_UNIT_MAX_ATTEMPTS", 3),
			UnitRetryDelay:    envDuration("PIPELINE_UNIT_RETRY_DELAY", 30*time.Second),
			CallMaxAttempts:   envInt("PIPELINE_CALL_MAX_ATTEMPTS", 3),
			CallRetryDelay:    envDuration("PIPELINE_CALL_RETRY_DELAY", 30*time.Second),
			RankingMaxRetries: envInt("RANKING_MAX_RETRIES", 3),
			RankingRetryDelay: envDuration("RANKING_RETRY_DELAY", 30*time.Second),
		},
		OAuth: OAuthConfig{
			ClientID:     os.Getenv("OAUTH_CLIENT_ID"),
			ClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
			TokenURL:     envString("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		},
		Metrics: MetricsConfig{
			AnalyticsBaseURL: os.Getenv("METRICS_ANALYTICS_BASE_URL"),
			SearchBaseURL:    os.Getenv("METRICS_SEARCH_BASE_URL"),
			BusinessBaseURL:  os.Getenv("METRICS_BUSINESS_BASE_URL"),
			Timeout:          envDuration("METRICS_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Agents.DailyEndpoint == "" {
		return fmt.Errorf("AGENT_DAILY_ENDPOINT is required")
	}
	for name, endpoint := range map[string]string{
		"AGENT_DAILY_ENDPOINT":         c.Agents.DailyEndpoint,
		"AGENT_SUMMARY_ENDPOINT":       c.Agents.SummaryEndpoint,
		"AGENT_OPPORTUNITY_ENDPOINT":   c.Agents.OpportunityEndpoint,
		"AGENT_CRO_OPTIMIZER_ENDPOINT": c.Agents.CROOptimizerEndpoint,
		"AGENT_RANKING_ENDPOINT":       c.Agents.RankingEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, endpoint)
		}
	}

	if c.Pipeline.UnitMaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_UNIT_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.UnitMaxAttempts)
	}
	if c.Pipeline.CallMaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_CALL_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.CallMaxAttempts)
	}
	if c.Pipeline.MonthlyMinDay < 1 || c.Pipeline.MonthlyMinDay > 28 {
		return fmt.Errorf("PIPELINE_MONTHLY_MIN_DAY must be between 1 and 28, got %d", c.Pipeline.MonthlyMinDay)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
