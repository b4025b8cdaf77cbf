package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platform-q-ai/taskrun/internal/taskrun/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskrun.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASKRUN_SANDBOX_IMAGE", "ghcr.io/platform-q-ai/agent-sandbox:stable")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "./taskrun.db" {
		t.Errorf("database path %q", cfg.DatabasePath)
	}
	if cfg.Agent.HealthAttempts != 30 {
		t.Errorf("health attempts %d", cfg.Agent.HealthAttempts)
	}
	if cfg.PollInterval.Std() != 2*time.Second {
		t.Errorf("poll interval %s", cfg.PollInterval.Std())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
database_path: /var/lib/taskrun/tasks.db
poll_interval: 10s
sandbox:
  image: registry.local/sandbox:v2
  control_port: 9000
agent:
  health_attempts: 5
  health_initial_delay: 250ms
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "/var/lib/taskrun/tasks.db" {
		t.Errorf("database path %q", cfg.DatabasePath)
	}
	if cfg.PollInterval.Std() != 10*time.Second {
		t.Errorf("poll interval %s", cfg.PollInterval.Std())
	}
	if cfg.Sandbox.Image != "registry.local/sandbox:v2" {
		t.Errorf("image %q", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.ControlPort != 9000 {
		t.Errorf("control port %d", cfg.Sandbox.ControlPort)
	}
	if cfg.Agent.HealthAttempts != 5 {
		t.Errorf("health attempts %d", cfg.Agent.HealthAttempts)
	}
	if cfg.Agent.HealthInitialDelay.Std() != 250*time.Millisecond {
		t.Errorf("health initial delay %s", cfg.Agent.HealthInitialDelay.Std())
	}
	// Unset file keys keep their defaults.
	if cfg.Sandbox.Network != "taskrun" {
		t.Errorf("network %q", cfg.Sandbox.Network)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  image: registry.local/sandbox:v2
`)
	t.Setenv("TASKRUN_SANDBOX_IMAGE", "registry.local/sandbox:v3")
	t.Setenv("TASKRUN_LOG_FORMAT", "json")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Image != "registry.local/sandbox:v3" {
		t.Errorf("env override lost: %q", cfg.Sandbox.Image)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format %q", cfg.Log.Format)
	}
}

func TestLoad_MissingImage(t *testing.T) {
	if _, err := config.Load(""); err == nil {
		t.Fatal("expected validation error without a sandbox image")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "poll_interval: shortly\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for explicitly named missing file")
	}
}
