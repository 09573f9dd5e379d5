package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the toolhub service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	// DatabaseURL selects Postgres stores; empty keeps everything in memory.
	DatabaseURL string
	// RedisURL enables distributed leases and the Redis stream audit sink.
	RedisURL string

	NATSURL          string
	AuditNATSSubject string
	AuditSQLitePath  string
	AuditRedisStream string
	AuditQueueSize   int

	PipelineStageTimeout time.Duration
	PipelineMaxAttempts  int
	PipelineRetryBase    time.Duration
	PipelineRetryMax     time.Duration
	LeaseTTL             time.Duration
	// LeaseRenew extends held leases while a run is live. With renewal off
	// LeaseTTL must cover a whole run.
	LeaseRenew bool

	TaskStepTimeout        time.Duration
	TaskMaxStepAttempts    int
	TaskTimeout            time.Duration
	TaskCancelPollInterval time.Duration

	SchedulerEnabled      bool
	SchedulerTickInterval time.Duration
	SchedulerMaxStaleness time.Duration
	SchedulerConcurrency  int

	LLMBackendsFile string

	// DeployGatewayURL points at the deployment gateway; empty uses the
	// in-process gateway.
	DeployGatewayURL string
	GitHubAPIURL     string
	GitHubToken      string
	UpstreamTimeout  time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "toolhub"),
		LogLevel:               strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		RedisURL:               stringsTrimSpace("REDIS_URL"),
		NATSURL:                stringsTrimSpace("NATS_URL"),
		AuditNATSSubject:       envOrDefault("AUDIT_NATS_SUBJECT", "toolhub.audit"),
		AuditSQLitePath:        stringsTrimSpace("AUDIT_SQLITE_PATH"),
		AuditRedisStream:       envOrDefault("AUDIT_REDIS_STREAM", "toolhub:audit"),
		AuditQueueSize:         1024,
		LLMBackendsFile:        stringsTrimSpace("LLM_BACKENDS_FILE"),
		DeployGatewayURL:       stringsTrimSpace("DEPLOY_GATEWAY_URL"),
		GitHubAPIURL:           envOrDefault("GITHUB_API_URL", "https://api.github.com"),
		GitHubToken:            stringsTrimSpace("GITHUB_TOKEN"),
		ShutdownTimeout:        15 * time.Second,
		PipelineStageTimeout:   30 * time.Second,
		PipelineMaxAttempts:    4,
		PipelineRetryBase:      200 * time.Millisecond,
		PipelineRetryMax:       5 * time.Second,
		LeaseTTL:               5 * time.Minute,
		LeaseRenew:             true,
		TaskStepTimeout:        2 * time.Minute,
		TaskMaxStepAttempts:    3,
		TaskTimeout:            20 * time.Minute,
		TaskCancelPollInterval: time.Second,
		SchedulerEnabled:       true,
		SchedulerTickInterval:  30 * time.Second,
		SchedulerMaxStaleness:  time.Hour,
		SchedulerConcurrency:   4,
		UpstreamTimeout:        15 * time.Second,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"PIPELINE_STAGE_TIMEOUT", &cfg.PipelineStageTimeout},
		{"PIPELINE_RETRY_BASE", &cfg.PipelineRetryBase},
		{"PIPELINE_RETRY_MAX", &cfg.PipelineRetryMax},
		{"LEASE_TTL", &cfg.LeaseTTL},
		{"TASK_STEP_TIMEOUT", &cfg.TaskStepTimeout},
		{"TASK_TIMEOUT", &cfg.TaskTimeout},
		{"TASK_CANCEL_POLL_INTERVAL", &cfg.TaskCancelPollInterval},
		{"SCHEDULER_TICK_INTERVAL", &cfg.SchedulerTickInterval},
		{"SCHEDULER_MAX_STALENESS", &cfg.SchedulerMaxStaleness},
		{"UPSTREAM_TIMEOUT", &cfg.UpstreamTimeout},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PIPELINE_MAX_ATTEMPTS", &cfg.PipelineMaxAttempts},
		{"TASK_MAX_STEP_ATTEMPTS", &cfg.TaskMaxStepAttempts},
		{"SCHEDULER_CONCURRENCY", &cfg.SchedulerConcurrency},
		{"AUDIT_QUEUE_SIZE", &cfg.AuditQueueSize},
	}
	for _, n := range ints {
		v, err := intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", n.key)
		}
		*n.dst = v
	}

	var err error
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SchedulerEnabled, err = boolFromEnv("SCHEDULER_ENABLED", cfg.SchedulerEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.LeaseRenew, err = boolFromEnv("LEASE_RENEW", cfg.LeaseRenew)
	if err != nil {
		return Config{}, err
	}

	if cfg.PipelineRetryMax < cfg.PipelineRetryBase {
		return Config{}, fmt.Errorf("PIPELINE_RETRY_MAX must be >= PIPELINE_RETRY_BASE")
	}
	if cfg.TaskTimeout < cfg.TaskStepTimeout {
		return Config{}, fmt.Errorf("TASK_TIMEOUT must be >= TASK_STEP_TIMEOUT")
	}
	if !cfg.LeaseRenew && cfg.LeaseTTL < cfg.TaskTimeout {
		return Config{}, fmt.Errorf("LEASE_TTL must be >= TASK_TIMEOUT when LEASE_RENEW is off")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
