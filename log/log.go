// Package log provides context-scoped structured logging on log/slog with
// redaction of credential-bearing attributes.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type contextKey string

const loggerKey contextKey = "logger"

// Levels re-exported so callers do not import log/slog for Log.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

const redacted = "[REDACTED]"

var (
	defaultLogger *slog.Logger //nolint:gochecknoglobals // protected by loggerOnce
	loggerOnce    sync.Once    //nolint:gochecknoglobals

	fallbackLogger *slog.Logger //nolint:gochecknoglobals // protected by fallbackOnce
	fallbackOnce   sync.Once    //nolint:gochecknoglobals
)

// InitializeLogger sets up the process-wide logger. Only the first call
// has an effect. Format is "json" (default) or "text".
func InitializeLogger(debugLogging bool, format string) {
	loggerOnce.Do(func() {
		defaultLogger = New(os.Stdout, debugLogging, format)
	})
}

// New builds a redacting logger writing to w.
func New(w io.Writer, debugLogging bool, format string) *slog.Logger {
	level := LevelInfo
	if debugLogging {
		level = LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if IsSensitiveKey(attr.Key) {
				return slog.String(attr.Key, redacted)
			}

			return attr
		},
	}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithValues returns a context whose logger carries the given pairs.
func WithValues(ctx context.Context, keysAndValues ...any) context.Context {
	return WithLogger(ctx, fromContext(ctx).With(keysAndValues...))
}

// WithName returns a context whose logger tags records with component.
func WithName(ctx context.Context, name string) context.Context {
	return WithLogger(ctx, fromContext(ctx).With("component", name))
}

func fromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}

	if defaultLogger != nil {
		return defaultLogger
	}

	fallbackOnce.Do(func() {
		fallbackLogger = New(os.Stderr, false, "json")
	})

	return fallbackLogger
}

// Log logs at an explicit level.
func Log(ctx context.Context, level slog.Level, msg string, keysAndValues ...any) {
	fromContext(ctx).Log(ctx, level, msg, keysAndValues...)
}

// Info logs an info message with key-value pairs.
func Info(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).InfoContext(ctx, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs.
func Error(ctx context.Context, err error, msg string, keysAndValues ...any) {
	args := append([]any{"error", err}, keysAndValues...)
	fromContext(ctx).ErrorContext(ctx, msg, args...)
}

// Debug logs a debug message with key-value pairs.
func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).DebugContext(ctx, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs.
func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).WarnContext(ctx, msg, keysAndValues...)
}

// IsSensitiveKey reports whether an attribute key names credential
// material that must not reach the log output.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)

	switch lower {
	case "token_age", "token_expired", "cache_key", "key", "keys":
		return false
	}

	for _, word := range []string{
		"token", "secret", "password", "fingerprint", "authorization",
		"credential", "bearer", "seed", "nonce",
	} {
		if strings.Contains(lower, word) {
			return true
		}
	}

	return strings.HasSuffix(lower, "_key") || strings.HasSuffix(lower, "-key")
}
