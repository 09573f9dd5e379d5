package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute(%v) error = %v", args, err)
	}
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := runCLI(t, "version")
	if !strings.Contains(out, "toolhub version dev") {
		t.Fatalf("version output = %q", out)
	}
}

func TestValidateTableCommand(t *testing.T) {
	out := runCLI(t, "validate-table")
	if !strings.Contains(out, "transition table ok") {
		t.Fatalf("validate-table output = %q", out)
	}
	if !strings.Contains(out, "processor: WAITING_REVIEW") {
		t.Fatalf("validate-table output missing processors: %q", out)
	}
}

func TestLoadConfigLogLevelOverride(t *testing.T) {
	cfg, err := loadConfig(" DEBUG ")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}
