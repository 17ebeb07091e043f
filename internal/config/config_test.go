package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom with no file: %v", err)
	}
	if cfg.Server.Port != "8090" {
		t.Fatalf("port = %s", cfg.Server.Port)
	}
	if cfg.Worker.Count != 2 || cfg.Worker.Queue != "default" {
		t.Fatalf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Worker.MaxStepRetries != 3 {
		t.Fatalf("max_step_retries = %d", cfg.Worker.MaxStepRetries)
	}
	if cfg.Engines.Default != "codex-cli" {
		t.Fatalf("default engine = %s", cfg.Engines.Default)
	}
	if cfg.Worker.VisibilityTimeout != 30*time.Minute {
		t.Fatalf("visibility timeout = %v", cfg.Worker.VisibilityTimeout)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devgodzilla.yaml")
	yaml := `
server:
  port: "9100"
worker:
  count: 5
  poll_interval: 250ms
engines:
  default: claude-cli
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Fatalf("port = %s", cfg.Server.Port)
	}
	if cfg.Worker.Count != 5 || cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Engines.Default != "claude-cli" {
		t.Fatalf("engine = %s", cfg.Engines.Default)
	}
	// Untouched sections keep their defaults.
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("redis url = %s", cfg.Redis.URL)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devgodzilla.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9100\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DEVGODZILLA_PORT", "9200")
	t.Setenv("DEVGODZILLA_WORKER_COUNT", "7")
	t.Setenv("DEVGODZILLA_AUTO_QA_AFTER_EXEC", "true")
	t.Setenv("DEVGODZILLA_WORKER_POLL_INTERVAL", "500ms")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9200" {
		t.Fatalf("env did not win: port = %s", cfg.Server.Port)
	}
	if cfg.Worker.Count != 7 {
		t.Fatalf("worker count = %d", cfg.Worker.Count)
	}
	if !cfg.Worker.AutoQAAfterExec {
		t.Fatal("auto_qa_after_exec not set from env")
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Worker.PollInterval)
	}
}

func TestValidateQueueBackend(t *testing.T) {
	t.Setenv("DEVGODZILLA_REDIS_URL", "")
	t.Setenv("DEVGODZILLA_QUEUE_ALLOW_MEMORY", "")

	// No redis and no allow_memory is a config error.
	path := filepath.Join(t.TempDir(), "devgodzilla.yaml")
	if err := os.WriteFile(path, []byte("redis:\n  url: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("empty redis.url without allow_memory accepted")
	}

	// allow_memory opts into the in-memory queue.
	if err := os.WriteFile(path, []byte("redis:\n  url: \"\"\n  allow_memory: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("allow_memory rejected: %v", err)
	}
	if cfg.Redis.URL != "" || !cfg.Redis.AllowMemory {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
}

func TestValidateBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devgodzilla.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  poll_interval: 10ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("10ms poll interval accepted")
	}

	if err := os.WriteFile(path, []byte("worker:\n  count: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("zero worker count accepted")
	}
}
