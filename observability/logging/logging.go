// Package logging configures structured JSON logging for the distribution
// daemon. Log level follows the deployment environment: development and test
// environments log at debug, everything else at info.
package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the standard library logger to emit structured JSON and
// returns the underlying slog.Logger for richer logging within the daemon.
// Every line carries the service name and, when provided, the environment.
func Setup(service, env string) *slog.Logger {
	env = strings.TrimSpace(env)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: false,
		Level:     LevelFor(env),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so dependencies logging through
	// package log stay structured.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// LevelFor maps a deployment environment onto the minimum log level.
func LevelFor(env string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "test":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a child logger tagged with the subsystem emitting the
// lines (gateway, vesting, launch, storage) so one daemon's output can be
// filtered per concern.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	component = strings.TrimSpace(component)
	if component == "" {
		return logger
	}
	return logger.With(slog.String("component", component))
}
