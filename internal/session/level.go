package session

import (
	"cdr.dev/slog/v3"

	"github.com/beacon-sdk/beacon/internal/config"
)

// LevelFor returns the minimum log level of a tracker. Outside the sandbox
// the level is raised to error unless a log level was configured.
func LevelFor(cfg *config.Config) slog.Level {
	if cfg.LogLevel == "" && config.NormalizeEnvironment(cfg.Environment) != config.EnvironmentSandbox {
		return slog.LevelError
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	switch level {
	case 0, 1:
		return slog.LevelDebug
	case 2:
		return slog.LevelInfo
	case 3:
		return slog.LevelWarn
	case 4:
		return slog.LevelError
	default:
		return slog.LevelCritical
	}
}
