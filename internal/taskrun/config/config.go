// Package config loads daemon configuration from an optional YAML file, with
// environment variables taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platform-q-ai/taskrun/common/environment"
)

// Duration wraps time.Duration so YAML accepts human-readable values
// ("30s", "2m") instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	DatabasePath string        `yaml:"database_path"`
	PollInterval Duration      `yaml:"poll_interval"`
	Log          LogConfig     `yaml:"log"`
	Sandbox      SandboxConfig `yaml:"sandbox"`
	Agent        AgentConfig   `yaml:"agent"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SandboxConfig controls sandbox provisioning.
type SandboxConfig struct {
	Image       string `yaml:"image"`
	Network     string `yaml:"network"`
	ControlPort int    `yaml:"control_port"`
}

// AgentConfig bounds the pre-running health-check loop.
type AgentConfig struct {
	HealthAttempts     int      `yaml:"health_attempts"`
	HealthInitialDelay Duration `yaml:"health_initial_delay"`
	HealthMaxDelay     Duration `yaml:"health_max_delay"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DatabasePath: "./taskrun.db",
		PollInterval: Duration(2 * time.Second),
		Log:          LogConfig{Level: "info", Format: "text"},
		Sandbox: SandboxConfig{
			Network:     "taskrun",
			ControlPort: 4096,
		},
		Agent: AgentConfig{
			HealthAttempts:     30,
			HealthInitialDelay: Duration(time.Second),
			HealthMaxDelay:     Duration(5 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty it must exist), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DatabasePath = environment.StringOr("TASKRUN_DATABASE_PATH", c.DatabasePath)
	c.PollInterval = Duration(environment.DurationOr("TASKRUN_POLL_INTERVAL", c.PollInterval.Std()))
	c.Log.Level = environment.StringOr("TASKRUN_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("TASKRUN_LOG_FORMAT", c.Log.Format)
	c.Sandbox.Image = environment.StringOr("TASKRUN_SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.Network = environment.StringOr("TASKRUN_SANDBOX_NETWORK", c.Sandbox.Network)
	c.Sandbox.ControlPort = environment.IntOr("TASKRUN_SANDBOX_CONTROL_PORT", c.Sandbox.ControlPort)
	c.Agent.HealthAttempts = environment.IntOr("TASKRUN_HEALTH_ATTEMPTS", c.Agent.HealthAttempts)
	c.Agent.HealthInitialDelay = Duration(environment.DurationOr("TASKRUN_HEALTH_INITIAL_DELAY", c.Agent.HealthInitialDelay.Std()))
	c.Agent.HealthMaxDelay = Duration(environment.DurationOr("TASKRUN_HEALTH_MAX_DELAY", c.Agent.HealthMaxDelay.Std()))
}

// Validate checks settings the daemon cannot run without.
func (c Config) Validate() error {
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required (TASKRUN_SANDBOX_IMAGE)")
	}
	if c.Agent.HealthAttempts <= 0 {
		return fmt.Errorf("agent.health_attempts must be positive")
	}
	return nil
}
