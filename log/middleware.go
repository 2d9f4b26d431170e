package log

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationIDHeader carries the request correlation ID.
const CorrelationIDHeader = "X-Correlation-ID"

// WithCorrelationID adds a correlation ID to the logging context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return WithValues(ctx, "correlation_id", correlationID)
}

// CorrelationIDMiddleware tags each request with a correlation ID. The
// caller's X-Request-ID is reused when no correlation header is sent.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		correlationID := request.Header.Get(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = request.Header.Get("X-Request-ID")
		}

		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		writer.Header().Set(CorrelationIDHeader, correlationID)

		ctx := WithCorrelationID(request.Context(), correlationID)

		next.ServeHTTP(writer, request.WithContext(ctx))
	})
}

// LoggingMiddleware logs each request and its status. Health probes log
// at debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()

		level := LevelInfo
		if strings.HasPrefix(request.URL.Path, "/health/") {
			level = LevelDebug
		}

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request)

		Log(ctx, level, "HTTP request completed",
			"method", request.Method,
			"path", request.URL.Path,
			"remote_addr", request.RemoteAddr,
			"extension_id", request.Header.Get("X-Extension-ID"),
			"status_code", wrapped.statusCode,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
