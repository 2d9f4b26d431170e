package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/middleware"
	"github.com/jkoelker/newtab/tracing"
)

// HTTP status code constants.
const (
	statusCodeClientError = 400 // Client error threshold (4xx)
	statusCodeServerError = 500 // Server error threshold (5xx)
)

// MetricsMiddleware instruments HTTP requests with metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request)

		duration := time.Since(start)

		// The matched pattern keeps per-extension paths from exploding
		// label cardinality.
		endpoint := request.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}

		method := request.Method
		statusCode := strconv.Itoa(wrapped.statusCode)

		metrics.RecordCounter(ctx, "http_requests_total", 1,
			"method", method,
			"endpoint", endpoint,
			"status_code", statusCode,
		)

		metrics.RecordHistogram(ctx, "http_request_duration_seconds", duration.Seconds(),
			"method", method,
			"endpoint", endpoint,
			"status_code", statusCode,
		)

		if wrapped.bytesWritten > 0 {
			metrics.RecordHistogram(ctx, "http_response_size_bytes", float64(wrapped.bytesWritten),
				"method", method,
				"endpoint", endpoint,
				"status_code", statusCode,
			)
		}
	})
}

// TracingMiddleware instruments HTTP requests with distributed tracing.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()

		spanName := request.Method + " " + request.URL.Path
		ctx, span := tracing.StartSpan(ctx, spanName)

		defer span.End()

		tracing.SetAttributes(ctx,
			"http.method", request.Method,
			"http.url", request.URL.String(),
			"http.scheme", request.URL.Scheme,
			"http.host", request.Host,
			"http.user_agent", request.Header.Get("User-Agent"),
			"extension.id", request.Header.Get("X-Extension-ID"),
			"http.remote_addr", middleware.GetRealIP(request),
		)

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request.WithContext(ctx))

		tracing.SetAttributes(ctx,
			"http.status_code", strconv.Itoa(wrapped.statusCode),
		)

		if wrapped.bytesWritten > 0 {
			tracing.SetAttributes(ctx,
				"http.response_size", strconv.FormatInt(wrapped.bytesWritten, 10),
			)
		}

		if wrapped.statusCode >= statusCodeClientError {
			tracing.SetAttributes(ctx, "error", "true")

			if wrapped.statusCode >= statusCodeServerError {
				// Server errors are considered span errors
				tracing.SetError(ctx, &httpError{
					statusCode: wrapped.statusCode,
					message:    http.StatusText(wrapped.statusCode),
				})
			}
		} else {
			tracing.SetOK(ctx)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture response metrics.
type responseWriter struct {
	http.ResponseWriter

	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	bytesWritten, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += int64(bytesWritten)

	if err != nil {
		return bytesWritten, fmt.Errorf("failed to write response data: %w", err)
	}

	return bytesWritten, nil
}

// httpError represents an HTTP error for tracing.
type httpError struct {
	statusCode int
	message    string
}

func (e *httpError) Error() string {
	return e.message
}
