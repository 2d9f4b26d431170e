// Package backend is the registration server for extension installations:
// it records sessions, authenticates extension requests, and exposes
// session administration.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/health"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/middleware"
	"github.com/jkoelker/newtab/registration"
	"github.com/jkoelker/newtab/storage"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// sessionContextKey carries the authenticated session.
const sessionContextKey contextKey = "extension_session"

const (
	// CleanupInterval is how often inactive sessions are removed.
	CleanupInterval = time.Hour

	maxRegistrationBody = 64 << 10
)

// Options configures a Server.
type Options struct {
	Store  storage.Store
	Clock  clock.Clock
	Digest identity.DigestProvider

	// AdminAPIKey enables the admin endpoints when set.
	AdminAPIKey string

	MaxSessions       int
	RequestsPerMinute int

	Version           string
	StrictReadiness   bool
	DebugHealthChecks bool

	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
}

// Server handles registration, validation, and admin requests.
type Server struct {
	mux      *http.ServeMux
	registry *Registry
	limiter  *RateLimiter
	clock    clock.Clock
	digest   identity.DigestProvider
	adminKey string
	health   *health.Manager
}

// NewServer creates a server and mounts its routes.
func NewServer(opts Options) *Server {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	digest := opts.Digest
	if digest == nil {
		digest = identity.SHA256{}
	}

	perMinute := opts.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}

	registry := NewRegistry(opts.Store, clk, opts.MaxSessions)

	manager := health.NewManagerWithConfig(&health.Config{
		StrictReadiness: opts.StrictReadiness,
		Version:         opts.Version,
	}, clk)
	manager.AddChecker(health.NewStorageChecker(opts.Store, clk))
	manager.AddChecker(NewCapacityChecker(registry, clk))

	server := &Server{
		mux:      http.NewServeMux(),
		registry: registry,
		limiter:  NewRateLimiter(time.Minute, perMinute, clk),
		clock:    clk,
		digest:   digest,
		adminKey: opts.AdminAPIKey,
		health:   manager,
	}

	server.setupRoutes(opts)

	return server
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Health returns the health manager.
func (s *Server) Health() *health.Manager {
	return s.health
}

func (s *Server) setupRoutes(opts Options) {
	health.NewHTTPHandler(s.health, health.WithDebugHealthChecks(opts.DebugHealthChecks)).Register(s.mux)

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	s.mux.HandleFunc("POST "+registration.Path, s.handleRegister)
	s.mux.HandleFunc("GET /api/auth/validate", s.withExtensionAuth(s.handleValidate))
	s.mux.HandleFunc("GET /api/auth/stats", s.withExtensionAuth(s.handleStats))

	s.mux.HandleFunc("GET /api/admin/sessions", s.withAPIAuth(s.handleListSessions))
	s.mux.HandleFunc("GET /api/admin/sessions/{id}", s.withAPIAuth(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/admin/sessions/{id}", s.withAPIAuth(s.handleDeleteSession))
}

// Run removes inactive sessions and prunes the rate limiter every
// CleanupInterval until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ctx = log.WithName(ctx, "session-cleanup")

	ticker := s.clock.NewTicker(CleanupInterval)
	defer ticker.Stop()

	log.Info(ctx, "Starting session cleanup", "interval", CleanupInterval.String())

	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, "Session cleanup stopped")

			return nil
		case <-ticker.C():
			s.Cleanup(ctx)
		}
	}
}

// Cleanup runs one cleanup pass.
func (s *Server) Cleanup(ctx context.Context) {
	expired, err := s.registry.Cleanup(ctx)
	if err != nil {
		log.Error(ctx, err, "Session cleanup failed")
	}

	for _, session := range expired {
		securityEvent(ctx, EventSessionExpired,
			"extension_id", session.Identity.ExtensionID,
			"last_activity", session.LastActivity.Unix(),
		)
	}

	s.limiter.Prune()

	if count, err := s.registry.Count(ctx); err == nil {
		metrics.RecordGauge(ctx, "extension_sessions", int64(count))
	}
}

// withExtensionAuth requires the extension headers, a verified token, an
// active session, and rate limit headroom. The touched session is placed
// in the request context.
func (s *Server) withExtensionAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()

		token := request.Header.Get(auth.HeaderToken)
		extensionID := request.Header.Get(auth.HeaderID)
		fingerprint := request.Header.Get(auth.HeaderFingerprint)

		securityEvent(ctx, EventAuthAttempt,
			"extension_id", extensionID,
			"extension_version", request.Header.Get(auth.HeaderVersion),
			"request_id", request.Header.Get(auth.HeaderRequestID),
			"endpoint", request.URL.Path,
			"method", request.Method,
			"remote_ip", middleware.GetRealIP(request),
		)

		if token == "" || extensionID == "" {
			http.Error(writer, "Missing authentication headers", http.StatusUnauthorized)

			return
		}

		if _, err := identity.VerifyToken(ctx, token, extensionID, fingerprint, s.clock.Now(), s.digest); err != nil {
			securityEvent(ctx, EventInvalidToken,
				"extension_id", extensionID,
				"reason", err.Error(),
			)
			http.Error(writer, "Invalid token", http.StatusUnauthorized)

			return
		}

		session, found, err := s.registry.Get(ctx, extensionID)
		if err != nil {
			log.Error(ctx, err, "Failed to load session", "extension_id", extensionID)
			http.Error(writer, "Failed to load session", http.StatusInternalServerError)

			return
		}

		if !found || !session.Active {
			securityEvent(ctx, EventUnregisteredExtension,
				"extension_id", extensionID,
				"registered", found,
				"active", found && session.Active,
			)
			http.Error(writer, "Extension not registered or inactive", http.StatusUnauthorized)

			return
		}

		if !s.limiter.Allow(extensionID) {
			securityEvent(ctx, EventRateLimitExceeded, "extension_id", extensionID)
			http.Error(writer, "Rate limit exceeded", http.StatusTooManyRequests)

			return
		}

		session, err = s.registry.Touch(ctx, extensionID)
		if err != nil {
			log.Error(ctx, err, "Failed to update session activity", "extension_id", extensionID)
			http.Error(writer, "Failed to load session", http.StatusInternalServerError)

			return
		}

		ctx = context.WithValue(ctx, sessionContextKey, session)
		ctx = log.WithValues(ctx, "extension_id", extensionID)

		next(writer, request.WithContext(ctx))
	}
}

// withAPIAuth requires the admin bearer key.
func (s *Server) withAPIAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if s.adminKey == "" {
			http.Error(writer, "Admin API not configured", http.StatusForbidden)

			return
		}

		if request.Header.Get("Authorization") != "Bearer "+s.adminKey {
			http.Error(writer, "Unauthorized", http.StatusUnauthorized)

			return
		}

		next(writer, request)
	}
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(Session)

	return session, ok
}

func (s *Server) handleRegister(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	var req registration.Request
	if err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxRegistrationBody)).Decode(&req); err != nil {
		http.Error(writer, "Invalid request body", http.StatusBadRequest)

		return
	}

	token := request.Header.Get(auth.HeaderToken)
	extensionID := request.Header.Get(auth.HeaderID)

	if extensionID == "" || req.Identity.ExtensionID != extensionID {
		securityEvent(ctx, EventRegistrationMismatch,
			"header_extension_id", extensionID,
			"body_extension_id", req.Identity.ExtensionID,
		)
		http.Error(writer, "Extension ID mismatch", http.StatusBadRequest)

		return
	}

	if _, err := s.registry.Register(ctx, token, req.Identity); err != nil {
		if errors.Is(err, ErrCapacity) {
			securityEvent(ctx, EventMaxExtensionsReached, "max_allowed", s.registry.Capacity())
			http.Error(writer, "Maximum extensions reached", http.StatusServiceUnavailable)

			return
		}

		log.Error(ctx, err, "Failed to register extension", "extension_id", extensionID)
		http.Error(writer, "Failed to register extension", http.StatusInternalServerError)

		return
	}

	securityEvent(ctx, EventExtensionRegistered,
		"extension_id", extensionID,
		"extension_version", request.Header.Get(auth.HeaderVersion),
		"timezone", req.Identity.Timezone,
		"remote_ip", middleware.GetRealIP(request),
	)

	writeJSON(ctx, writer, http.StatusOK, registration.Response{
		Success:     true,
		Message:     "Extension registered successfully",
		ExtensionID: extensionID,
		Timestamp:   s.clock.Now().Unix(),
	})
}

// ValidateResponse is the body of a successful validation.
type ValidateResponse struct {
	Valid        bool   `json:"valid"`
	ExtensionID  string `json:"extensionId"`
	RegisterTime int64  `json:"registerTime"`
	LastActivity int64  `json:"lastActivity"`
	RequestCount int64  `json:"requestCount"`
}

func (s *Server) handleValidate(writer http.ResponseWriter, request *http.Request) {
	session, ok := sessionFromContext(request.Context())
	if !ok {
		http.Error(writer, "Invalid session", http.StatusUnauthorized)

		return
	}

	writeJSON(request.Context(), writer, http.StatusOK, ValidateResponse{
		Valid:        true,
		ExtensionID:  session.Identity.ExtensionID,
		RegisterTime: session.RegisterTime.Unix(),
		LastActivity: session.LastActivity.Unix(),
		RequestCount: session.RequestCount,
	})
}

// SessionResponse describes a session without its token.
type SessionResponse struct {
	ExtensionID      string  `json:"extensionId"`
	ExtensionVersion string  `json:"extensionVersion"`
	RegisterTime     int64   `json:"registerTime"`
	LastActivity     int64   `json:"lastActivity"`
	RequestCount     int64   `json:"requestCount"`
	Uptime           float64 `json:"uptime"`
	Active           bool    `json:"isActive"`
	Fingerprint      string  `json:"fingerprint"`
	Timezone         string  `json:"timezone,omitempty"`
}

func (s *Server) sessionResponse(session Session) SessionResponse {
	return SessionResponse{
		ExtensionID:      session.Identity.ExtensionID,
		ExtensionVersion: session.Identity.ExtensionVersion,
		RegisterTime:     session.RegisterTime.Unix(),
		LastActivity:     session.LastActivity.Unix(),
		RequestCount:     session.RequestCount,
		Uptime:           s.clock.Now().Sub(session.RegisterTime).Seconds(),
		Active:           session.Active,
		Fingerprint:      session.Identity.Fingerprint,
		Timezone:         session.Identity.Timezone,
	}
}

func (s *Server) handleStats(writer http.ResponseWriter, request *http.Request) {
	session, ok := sessionFromContext(request.Context())
	if !ok {
		http.Error(writer, "Unauthorized", http.StatusUnauthorized)

		return
	}

	writeJSON(request.Context(), writer, http.StatusOK, s.sessionResponse(session))
}

func (s *Server) handleListSessions(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	sessions, err := s.registry.List(ctx)
	if err != nil {
		log.Error(ctx, err, "Failed to list sessions")
		http.Error(writer, "Failed to list sessions", http.StatusInternalServerError)

		return
	}

	response := make([]SessionResponse, len(sessions))
	for i, session := range sessions {
		response[i] = s.sessionResponse(session)
	}

	writeJSON(ctx, writer, http.StatusOK, response)
}

func (s *Server) handleGetSession(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	session, found, err := s.registry.Get(ctx, request.PathValue("id"))
	if err != nil {
		log.Error(ctx, err, "Failed to load session")
		http.Error(writer, "Failed to load session", http.StatusInternalServerError)

		return
	}

	if !found {
		http.Error(writer, "Session not found", http.StatusNotFound)

		return
	}

	writeJSON(ctx, writer, http.StatusOK, s.sessionResponse(session))
}

func (s *Server) handleDeleteSession(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	extensionID := request.PathValue("id")

	if err := s.registry.Delete(ctx, extensionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			http.Error(writer, "Session not found", http.StatusNotFound)

			return
		}

		log.Error(ctx, err, "Failed to delete session", "extension_id", extensionID)
		http.Error(writer, "Failed to delete session", http.StatusInternalServerError)

		return
	}

	s.limiter.Reset(extensionID)
	securityEvent(ctx, EventSessionRevoked, "extension_id", extensionID)

	writer.WriteHeader(http.StatusNoContent)
}

func writeJSON(ctx context.Context, writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)

	if err := json.NewEncoder(writer).Encode(body); err != nil {
		log.Error(ctx, err, "Failed to encode response")
	}
}
