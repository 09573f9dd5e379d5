package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("DatabaseURL/RedisURL = %q/%q, want empty defaults", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.LeaseTTL != 5*time.Minute {
		t.Fatalf("LeaseTTL = %v, want %v", cfg.LeaseTTL, 5*time.Minute)
	}
	if !cfg.SchedulerEnabled {
		t.Fatalf("SchedulerEnabled = false, want true")
	}
	if !cfg.LeaseRenew {
		t.Fatalf("LeaseRenew = false, want true")
	}
	if cfg.TaskMaxStepAttempts != 3 {
		t.Fatalf("TaskMaxStepAttempts = %d, want 3", cfg.TaskMaxStepAttempts)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("TASK_STEP_TIMEOUT", "45s")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("PIPELINE_MAX_ATTEMPTS", "6")
	t.Setenv("DEPLOY_GATEWAY_URL", "  http://gateway:7070  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.TaskStepTimeout != 45*time.Second {
		t.Fatalf("TaskStepTimeout = %v, want 45s", cfg.TaskStepTimeout)
	}
	if cfg.SchedulerEnabled {
		t.Fatalf("SchedulerEnabled = true, want false")
	}
	if cfg.PipelineMaxAttempts != 6 {
		t.Fatalf("PipelineMaxAttempts = %d, want 6", cfg.PipelineMaxAttempts)
	}
	if cfg.DeployGatewayURL != "http://gateway:7070" {
		t.Fatalf("DeployGatewayURL = %q, want trimmed value", cfg.DeployGatewayURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"LEASE_TTL":              "soon",
		"TASK_MAX_STEP_ATTEMPTS": "0",
		"APP_ALLOW_ANY_ORIGIN":   "maybe",
		"LOG_LEVEL":              "verbose",
		"PIPELINE_RETRY_MAX":     "1ms",
		"TASK_TIMEOUT":           "1s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadLeaseRenewalBounds(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LEASE_RENEW", "off")
	t.Setenv("LEASE_TTL", "1m")
	t.Setenv("TASK_TIMEOUT", "10m")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with LEASE_RENEW=off and LEASE_TTL < TASK_TIMEOUT error = nil, want error")
	}

	t.Setenv("LEASE_TTL", "15m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LeaseRenew {
		t.Fatalf("LeaseRenew = true, want false")
	}

	t.Setenv("LEASE_RENEW", "on")
	t.Setenv("LEASE_TTL", "30s")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() with renewal and short LEASE_TTL error = %v, want nil", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_URL",
		"NATS_URL",
		"AUDIT_NATS_SUBJECT",
		"AUDIT_SQLITE_PATH",
		"AUDIT_REDIS_STREAM",
		"AUDIT_QUEUE_SIZE",
		"PIPELINE_STAGE_TIMEOUT",
		"PIPELINE_MAX_ATTEMPTS",
		"PIPELINE_RETRY_BASE",
		"PIPELINE_RETRY_MAX",
		"LEASE_TTL",
		"LEASE_RENEW",
		"TASK_STEP_TIMEOUT",
		"TASK_MAX_STEP_ATTEMPTS",
		"TASK_TIMEOUT",
		"TASK_CANCEL_POLL_INTERVAL",
		"SCHEDULER_ENABLED",
		"SCHEDULER_TICK_INTERVAL",
		"SCHEDULER_MAX_STALENESS",
		"SCHEDULER_CONCURRENCY",
		"LLM_BACKENDS_FILE",
		"DEPLOY_GATEWAY_URL",
		"GITHUB_API_URL",
		"GITHUB_TOKEN",
		"UPSTREAM_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
