package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.AckTimeout != 60*time.Second {
		t.Fatalf("AckTimeout = %v, want 60s", cfg.AckTimeout)
	}
	if cfg.InitTimeout != 15*time.Minute {
		t.Fatalf("InitTimeout = %v, want 15m", cfg.InitTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COURIER_BIND_ADDR", ":9999")
	t.Setenv("COURIER_BATCH_SIZE", "7")
	t.Setenv("SANDBOX_ACK_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9999")
	}
	if cfg.BatchSize != 7 {
		t.Fatalf("BatchSize = %d, want 7", cfg.BatchSize)
	}
	if cfg.AckTimeout != 5*time.Second {
		t.Fatalf("AckTimeout = %v, want 5s", cfg.AckTimeout)
	}
}

func TestLoadFileOverlayEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	body := "bind_addr: \":7070\"\nbatch_size: 11\ntask_timeout: 10m\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("COURIER_CONFIG_FILE", path)
	t.Setenv("COURIER_BATCH_SIZE", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":7070")
	}
	if cfg.BatchSize != 3 {
		t.Fatalf("BatchSize = %d, want env override 3", cfg.BatchSize)
	}
	if cfg.TaskTimeout != 10*time.Minute {
		t.Fatalf("TaskTimeout = %v, want 10m", cfg.TaskTimeout)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("COURIER_BATCH_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with zero batch size: expected error")
	}
}

func TestLoadRejectsBadScheme(t *testing.T) {
	t.Setenv("SANDBOX_WS_BASE_URL", "http://example.com")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with http scheme: expected error")
	}
}

func TestLoadJobsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	body := `jobs:
  - id: nightly-report
    topic_id: topic-reports
    project_id: proj-1
    prompt: summarize yesterday
    schedule: "0 6 * * *"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("COURIER_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("Jobs has %d entries, want 1", len(cfg.Jobs))
	}
	j := cfg.Jobs[0]
	if j.ID != "nightly-report" || j.TopicID != "topic-reports" || j.Schedule != "0 6 * * *" {
		t.Fatalf("job = %+v, want nightly-report on topic-reports at 0 6 * * *", j)
	}
}

func TestLoadRejectsIncompleteJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	body := "jobs:\n  - id: broken\n    prompt: no topic\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("COURIER_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("Load() with incomplete job: expected error")
	}
}
