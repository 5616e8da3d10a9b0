package config

import "time"

// Config represents the complete redrive configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Source    SourceConfig    `yaml:"source"`
	Effect    EffectConfig    `yaml:"effect"`
	Monitor   MonitorConfig   `yaml:"monitor,omitempty"`
}

// SourceConfig points at the external task discovery output.
type SourceConfig struct {
	Path string `yaml:"path"`
}

// EffectConfig defines where performed side effects land.
type EffectConfig struct {
	Dir string `yaml:"dir"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines retry/processed bookkeeping storage.
type StateConfig struct {
	// Backend selects the persisted store implementation: "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the state directory (file backend) or database path (sqlite).
	Path string `yaml:"path"`
}

// WorkspaceConfig defines per-task workspace settings.
type WorkspaceConfig struct {
	BaseDir string `yaml:"base_dir"`
	// Remote is the repository tasks are materialized from. Empty disables
	// materialization (the workspace is just an empty scratch directory).
	Remote string `yaml:"remote,omitempty"`
}

// IdempotencyPolicy controls behavior when the duplicate-effect check itself fails.
type IdempotencyPolicy string

const (
	// PolicyProceed performs the action anyway and logs a warning. A duplicate
	// effect is recoverable; a permanently stuck task is not.
	PolicyProceed IdempotencyPolicy = "proceed"
	// PolicyBlockTask skips the action and counts the run as a failure.
	PolicyBlockTask IdempotencyPolicy = "block_task"
)

// DispatchConfig defines admission gates and retry budgets.
type DispatchConfig struct {
	// Command is the argv executed per task, in the task's workspace. The
	// task id and revision are passed via REDRIVE_TASK_ID / REDRIVE_REVISION.
	Command        []string      `yaml:"command"`
	BatchSizeCap   int           `yaml:"batch_size_cap"`
	CooldownWindow time.Duration `yaml:"cooldown_window"`
	MaxAttempts    int           `yaml:"max_attempts"`
	PerTaskTimeout time.Duration `yaml:"per_task_timeout"`
	// ActivityWindow bounds task discovery to recently active tasks.
	ActivityWindow time.Duration `yaml:"activity_window,omitempty"`

	IdempotencyFailurePolicy IdempotencyPolicy `yaml:"idempotency_failure_policy"`
}

// MonitorConfig defines the batch-scoped monitor.
type MonitorConfig struct {
	// Listen enables the status HTTP endpoint for the duration of the batch.
	// Empty disables it.
	Listen   string        `yaml:"listen,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "redrive",
			LogLevel: "info",
		},
		State: StateConfig{
			Backend: "file",
			Path:    "./data/state",
		},
		Workspace: WorkspaceConfig{
			BaseDir: "./data/workspaces",
		},
		Dispatch: DispatchConfig{
			BatchSizeCap:             5,
			CooldownWindow:           1 * time.Hour,
			MaxAttempts:              3,
			PerTaskTimeout:           10 * time.Minute,
			ActivityWindow:           24 * time.Hour,
			IdempotencyFailurePolicy: PolicyProceed,
		},
		Source: SourceConfig{
			Path: "./data/tasks.yaml",
		},
		Effect: EffectConfig{
			Dir: "./data/artifacts",
		},
		Monitor: MonitorConfig{
			Interval: 15 * time.Second,
		},
	}
}
