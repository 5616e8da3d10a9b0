package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Missing keys fall back to
// Defaults; ${ENV_VAR} references in the file are expanded before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with their environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func validate(cfg *Config) error {
	switch cfg.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("state.backend must be \"file\" or \"sqlite\", got %q", cfg.State.Backend)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Workspace.BaseDir == "" {
		return fmt.Errorf("workspace.base_dir is required")
	}
	if cfg.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}
	if cfg.Effect.Dir == "" {
		return fmt.Errorf("effect.dir is required")
	}
	if len(cfg.Dispatch.Command) == 0 {
		return fmt.Errorf("dispatch.command is required")
	}
	if cfg.Dispatch.BatchSizeCap <= 0 {
		return fmt.Errorf("dispatch.batch_size_cap must be positive, got %d", cfg.Dispatch.BatchSizeCap)
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.PerTaskTimeout <= 0 {
		return fmt.Errorf("dispatch.per_task_timeout must be positive")
	}
	if cfg.Dispatch.CooldownWindow < 0 {
		return fmt.Errorf("dispatch.cooldown_window must not be negative")
	}
	if cfg.Dispatch.ActivityWindow <= 0 {
		return fmt.Errorf("dispatch.activity_window must be positive")
	}
	switch cfg.Dispatch.IdempotencyFailurePolicy {
	case PolicyProceed, PolicyBlockTask:
	default:
		return fmt.Errorf("dispatch.idempotency_failure_policy must be %q or %q, got %q",
			PolicyProceed, PolicyBlockTask, cfg.Dispatch.IdempotencyFailurePolicy)
	}
	return nil
}
