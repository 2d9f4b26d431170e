// Package health aggregates component checks into liveness and readiness
// responses.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/log"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a single health check.
type Check struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response.
type Response struct {
	Status  Status           `json:"status"`
	Version string           `json:"version,omitempty"`
	Checks  map[string]Check `json:"checks"`
	Summary map[string]int   `json:"summary"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Check(ctx context.Context) Check
	Name() string
}

// Manager runs the registered checkers.
type Manager struct {
	checkers []Checker
	config   *Config
	clock    clock.Clock
}

// NewManager creates a manager reporting version.
func NewManager(version string) *Manager {
	config := DefaultConfig()
	config.Version = version

	return NewManagerWithConfig(config, nil)
}

// NewManagerWithConfig creates a manager with custom config and clock.
func NewManagerWithConfig(config *Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}

	return &Manager{
		checkers: make([]Checker, 0),
		config:   config,
		clock:    clk,
	}
}

// AddChecker adds a health checker.
func (hc *Manager) AddChecker(checker Checker) {
	hc.checkers = append(hc.checkers, checker)
}

// CheckLiveness reports healthy whenever the process can respond.
func (hc *Manager) CheckLiveness(_ context.Context) Response {
	return Response{
		Status:  StatusHealthy,
		Version: hc.config.Version,
		Checks: map[string]Check{
			"server": {
				Name:        "server",
				Status:      StatusHealthy,
				Message:     "Server is responding",
				LastChecked: hc.clock.Now(),
			},
		},
		Summary: map[string]int{
			"healthy":   1,
			"unhealthy": 0,
			"degraded":  0,
		},
	}
}

// CheckReadiness runs every checker. Any unhealthy check makes the whole
// response unhealthy; otherwise any degraded check makes it degraded.
func (hc *Manager) CheckReadiness(ctx context.Context) Response {
	checks := make(map[string]Check)
	summary := map[string]int{
		"healthy":   0,
		"unhealthy": 0,
		"degraded":  0,
	}

	for _, checker := range hc.checkers {
		start := hc.clock.Now()
		check := checker.Check(ctx)
		check.Duration = hc.clock.Now().Sub(start)
		checks[check.Name] = check

		switch check.Status {
		case StatusHealthy:
			summary["healthy"]++
		case StatusUnhealthy:
			summary["unhealthy"]++
		case StatusDegraded:
			summary["degraded"]++
		}
	}

	overallStatus := StatusHealthy
	if summary["unhealthy"] > 0 {
		overallStatus = StatusUnhealthy
	} else if summary["degraded"] > 0 {
		overallStatus = StatusDegraded
	}

	return Response{
		Status:  overallStatus,
		Version: hc.config.Version,
		Checks:  checks,
		Summary: summary,
	}
}

// HTTPHandler serves the health endpoints.
type HTTPHandler struct {
	manager           *Manager
	debugHealthChecks bool
}

// HTTPHandlerOptions holds configuration for the HTTP handler.
type HTTPHandlerOptions struct {
	DebugHealthChecks bool
}

// WithDebugHealthChecks enables or disables debug logging for health check endpoints.
func WithDebugHealthChecks(enabled bool) func(*HTTPHandlerOptions) {
	return func(opts *HTTPHandlerOptions) {
		opts.DebugHealthChecks = enabled
	}
}

// NewHTTPHandler creates a new HTTP handler for health checks.
func NewHTTPHandler(manager *Manager, opts ...func(*HTTPHandlerOptions)) *HTTPHandler {
	options := &HTTPHandlerOptions{}

	for _, opt := range opts {
		opt(options)
	}

	return &HTTPHandler{
		manager:           manager,
		debugHealthChecks: options.DebugHealthChecks,
	}
}

// Register mounts the liveness and readiness handlers on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.LivenessHandler)
	mux.HandleFunc("GET /health/ready", h.ReadinessHandler)
	mux.HandleFunc("GET /health", h.ReadinessHandler)
}

// LivenessHandler handles liveness probe requests.
func (h *HTTPHandler) LivenessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	response := h.manager.CheckLiveness(ctx)

	h.write(ctx, writer, http.StatusOK, response)
}

// ReadinessHandler handles readiness probe requests.
func (h *HTTPHandler) ReadinessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	response := h.manager.CheckReadiness(ctx)

	statusCode := http.StatusServiceUnavailable

	switch response.Status {
	case StatusHealthy:
		statusCode = http.StatusOK
	case StatusDegraded:
		if !h.manager.config.StrictReadiness {
			statusCode = http.StatusOK
		}
	case StatusUnhealthy:
	}

	h.write(ctx, writer, statusCode, response)

	if h.debugHealthChecks {
		log.Debug(ctx, "Readiness check completed",
			"status", string(response.Status),
			"status_code", statusCode,
			"healthy_checks", response.Summary["healthy"],
			"unhealthy_checks", response.Summary["unhealthy"],
			"degraded_checks", response.Summary["degraded"],
		)
	}
}

func (h *HTTPHandler) write(ctx context.Context, writer http.ResponseWriter, statusCode int, response Response) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Error(ctx, err, "Failed to encode health response")
	}
}
