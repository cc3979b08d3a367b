package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadAppliesFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	fileCfg := map[string]interface{}{
		"worker_concurrency": 8,
		"max_retries":        5,
	}
	data, _ := json.Marshal(fileCfg)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("IMAGEGEN_MAX_RETRIES", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("expected file override to apply, got %d", cfg.WorkerConcurrency)
	}
	if cfg.MaxRetries != 9 {
		t.Fatalf("expected env override to win over file, got %d", cfg.MaxRetries)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load with missing file should not error: %v", err)
	}
	if cfg.WorkerConcurrency != Default().WorkerConcurrency {
		t.Fatalf("expected default worker concurrency, got %d", cfg.WorkerConcurrency)
	}
}

func TestValidateRejectsExternalModeWithoutWorkerURL(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeExternal
	cfg.Queue.WorkerURL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for external mode without worker_url")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateRejectsNonPositiveTaskBudget(t *testing.T) {
	cfg := Default()
	cfg.TaskBudgetSeconds = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive task_budget_seconds")
	}
}
