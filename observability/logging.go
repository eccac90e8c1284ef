// Package observability wires the ambient stack shared by every long-running
// component of the core: structured logging, OTel tracing/metrics, a
// Prometheus gauge registry, and the in-process observer event bus.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger, mirroring the reference
// logging.Init: text handler by default, JSON when TASKFORGE_JSON_LOG is
// truthy, level from TASKFORGE_LOG_LEVEL.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("TASKFORGE_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("TASKFORGE_LOG_LEVEL")) {
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
