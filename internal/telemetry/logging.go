// Package telemetry wires EverTask's structured logging and OpenTelemetry
// tracing/metrics, following the same conventions as the rest of the engine's
// ambient stack.
package telemetry

import (
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls how InitLogging builds the default slog logger.
type LogConfig struct {
	// JSON selects the JSON handler instead of text.
	JSON bool
	// Level is one of "debug", "info", "warn", "error" (default "info").
	Level string
	// FilePath, when set, rotates log output through lumberjack instead of
	// writing to stdout.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitLogging configures a global slog logger for the named service and
// returns it. JSON vs text and the level can also be driven from the
// EVERTASK_JSON_LOG / EVERTASK_LOG_LEVEL environment variables when cfg is
// the zero value, mirroring the teacher's env-driven Init().
func InitLogging(service string, cfg LogConfig) *slog.Logger {
	if !cfg.JSON {
		mode := strings.ToLower(os.Getenv("EVERTASK_JSON_LOG"))
		cfg.JSON = mode == "1" || mode == "true" || mode == "json"
	}
	if cfg.Level == "" {
		cfg.Level = strings.ToLower(os.Getenv("EVERTASK_LOG_LEVEL"))
	}

	var out *os.File = os.Stdout
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromString(cfg.Level)}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 3),
			MaxAge:     nonZero(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		if cfg.JSON {
			handler = slog.NewJSONHandler(rotator, opts)
		} else {
			handler = slog.NewTextHandler(rotator, opts)
		}
	} else if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", cfg.JSON, "file", cfg.FilePath != "")
	return logger
}

func levelFromString(lvl string) slog.Leveler {
	switch lvl {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
