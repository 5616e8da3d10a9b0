// Package log owns the process-wide structured logger. Everything goes to
// stderr as JSON; stdout belongs to the batch status lines and summary.
package log

import (
	"log/slog"
	"os"
	"strings"
)

var (
	level  slog.LevelVar // defaults to Info
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
)

func init() {
	slog.SetDefault(logger)
}

// Setup applies the configured log level. Unknown values keep the default.
func Setup(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "INFO":
		level.Set(slog.LevelInfo)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	}
}

// Get returns the process logger.
func Get() *slog.Logger { return logger }

// WithComponent returns a logger tagged with the subsystem name.
func WithComponent(name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

// WithTask returns a logger tagged with the task id.
func WithTask(id string) *slog.Logger {
	return logger.With(slog.String("task_id", id))
}

// WithRun returns a logger tagged with the batch run id.
func WithRun(id string) *slog.Logger {
	return logger.With(slog.String("run_id", id))
}

func Info(msg string, args ...any)  { logger.Info(msg, args...) }
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }
func Warn(msg string, args ...any)  { logger.Warn(msg, args...) }
func Error(msg string, args ...any) { logger.Error(msg, args...) }
