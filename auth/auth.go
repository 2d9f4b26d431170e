// Package auth owns the installation identity and its self-minted bearer
// token: creation, expiry, version gating, and the request headers that
// carry them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/storage"
)

// Version is bumped whenever the token signature scheme changes; stored
// credentials from any other version are discarded.
const Version = 2

// Request headers carrying the credentials.
const (
	HeaderToken       = "X-Extension-Token"
	HeaderID          = "X-Extension-ID"
	HeaderVersion     = "X-Extension-Version"
	HeaderFingerprint = "X-Extension-Fingerprint"
	HeaderRequestID   = "X-Request-ID"
)

// ErrNoCredentials is returned when no token could be produced.
var ErrNoCredentials = errors.New("credentials unavailable")

// Registrar registers credentials with the backend.
type Registrar interface {
	Register(ctx context.Context, token string, id identity.Identity) error
}

// Credentials pairs a token with the identity it was minted for.
type Credentials struct {
	Token    string
	Identity identity.Identity
}

// Options configures a TokenService.
type Options struct {
	Store     storage.Store
	Runtime   identity.Runtime
	Digest    identity.DigestProvider
	Clock     clock.Clock
	Registrar Registrar

	// NewNonce defaults to random UUIDs.
	NewNonce func() string
}

// TokenService manages the installation identity and token.
type TokenService struct {
	state     *State
	runtime   identity.Runtime
	digest    identity.DigestProvider
	clock     clock.Clock
	registrar Registrar
	newNonce  func() string

	// mu serializes credential derivation so concurrent callers never
	// mint competing tokens.
	mu sync.Mutex
}

// NewTokenService creates a token service.
func NewTokenService(opts Options) *TokenService {
	svc := &TokenService{
		state:     NewState(opts.Store),
		runtime:   opts.Runtime,
		digest:    opts.Digest,
		clock:     opts.Clock,
		registrar: opts.Registrar,
		newNonce:  opts.NewNonce,
	}

	if svc.digest == nil {
		svc.digest = identity.DefaultDigest()
	}

	if svc.clock == nil {
		svc.clock = clock.Real()
	}

	if svc.newNonce == nil {
		svc.newNonce = uuid.NewString
	}

	return svc
}

// SetRegistrar wires the registrar after construction.
func (s *TokenService) SetRegistrar(registrar Registrar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registrar = registrar
}

// Runtime returns the host runtime the service derives identities for.
func (s *TokenService) Runtime() identity.Runtime {
	return s.runtime
}

// GetIdentity returns the persisted identity, creating it on first use.
// A stored identity from another extension version is updated in place.
func (s *TokenService) GetIdentity(ctx context.Context) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getIdentity(ctx)
}

func (s *TokenService) getIdentity(ctx context.Context) (identity.Identity, error) {
	stored, found, err := storage.Lookup[identity.Identity](ctx, s.state.Store(), storage.KeyIdentity)
	if err != nil {
		log.Warn(ctx, "Stored identity unreadable, regenerating", "error", err.Error())
	}

	if found && stored.Valid() {
		if s.runtime.Version == "" || stored.ExtensionVersion == s.runtime.Version {
			return stored, nil
		}

		updated, err := stored.WithVersion(ctx, s.runtime.Version, s.digest)
		if err != nil {
			return identity.Identity{}, fmt.Errorf("failed to update identity version: %w", err)
		}

		log.Info(ctx, "Extension version changed, updated identity",
			"from", stored.ExtensionVersion,
			"to", updated.ExtensionVersion,
		)

		s.state.Set(ctx, storage.KeyIdentity, updated)

		return updated, nil
	}

	id, err := identity.New(ctx, s.runtime, s.installTime(ctx), s.digest)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("failed to create identity: %w", err)
	}

	s.state.Set(ctx, storage.KeyIdentity, id)

	log.Info(ctx, "Created extension identity", "extension_id", id.ExtensionID)

	return id, nil
}

// InstallTime returns the persisted install time in epoch seconds,
// recording the current time on first call.
func (s *TokenService) InstallTime(ctx context.Context) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.installTime(ctx)
}

func (s *TokenService) installTime(ctx context.Context) int64 {
	if stored := s.state.Int64(ctx, storage.KeyInstallTime); stored > 0 {
		return stored
	}

	now := s.clock.Now().Unix()
	s.state.Set(ctx, storage.KeyInstallTime, now)

	return now
}

// MintToken mints a new token for id.
func (s *TokenService) MintToken(ctx context.Context, id identity.Identity) (string, error) {
	return identity.Mint(ctx, id, s.clock.Now(), s.newNonce(), s.digest)
}

// GetValidToken returns usable credentials, regenerating them when the
// auth version changed, the stored token uses millisecond timestamps, the
// token is missing, past its validity window, or minted for a different
// identity. New tokens are persisted and registered; registration runs
// after the credential lock is released.
func (s *TokenService) GetValidToken(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	creds, register, err := s.validToken(ctx)
	registrar := s.registrar
	s.mu.Unlock()

	if err != nil {
		return Credentials{}, err
	}

	if register && registrar != nil {
		if err := registrar.Register(ctx, creds.Token, creds.Identity); err != nil {
			log.Warn(ctx, "Extension registration failed", "error", err.Error())
		}
	}

	return creds, nil
}

// validToken resolves credentials under s.mu and reports whether the
// returned token still has to be registered.
func (s *TokenService) validToken(ctx context.Context) (Credentials, bool, error) {
	if version := s.state.Int64(ctx, storage.KeyAuthVersion); version != Version {
		log.Info(ctx, "Auth version changed, discarding stored credentials",
			"stored_version", version,
			"current_version", Version,
		)

		s.clearAuth(ctx)
		s.state.Set(ctx, storage.KeyAuthVersion, Version)
	}

	token := s.state.String(ctx, storage.KeyAuthToken)

	if token != "" {
		if payload, err := identity.ParseToken(token); err == nil && payload.IsStaleFormat() {
			log.Info(ctx, "Discarding token with millisecond timestamp")

			s.clearAuth(ctx)

			token = ""
		}
	}

	id, err := s.getIdentity(ctx)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}

	if token == "" {
		token, err = s.mintAndStore(ctx, id)
		if err != nil {
			return Credentials{}, false, err
		}

		register := !s.state.Bool(ctx, storage.KeyBackendRegistered) && !s.state.Exists(ctx, storage.KeyAuthInitFailed)

		return Credentials{Token: token, Identity: id}, register, nil
	}

	if reason := s.staleReason(token, id); reason != "" {
		log.Info(ctx, "Refreshing token", "reason", reason)

		token, err = s.mintAndStore(ctx, id)
		if err != nil {
			return Credentials{}, false, err
		}

		return Credentials{Token: token, Identity: id}, true, nil
	}

	return Credentials{Token: token, Identity: id}, false, nil
}

func (s *TokenService) staleReason(token string, id identity.Identity) string {
	payload, err := identity.ParseToken(token)

	switch {
	case err != nil:
		return "unparseable"
	case payload.Expired(s.clock.Now()):
		return "expired"
	case payload.FP != id.Fingerprint || payload.Ext != id.ExtensionID:
		return "identity changed"
	default:
		return ""
	}
}

func (s *TokenService) mintAndStore(ctx context.Context, id identity.Identity) (string, error) {
	token, err := s.MintToken(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}

	s.state.Set(ctx, storage.KeyAuthToken, token)
	metrics.RecordCounter(ctx, "auth_tokens_minted_total", 1)

	return token, nil
}

// Reissue mints and stores a new token for the current identity without
// registering it. The identity is created or version-updated as needed.
func (s *TokenService) Reissue(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.getIdentity(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}

	token, err := s.mintAndStore(ctx, id)
	if err != nil {
		return Credentials{}, err
	}

	s.state.Set(ctx, storage.KeyAuthVersion, Version)

	return Credentials{Token: token, Identity: id}, nil
}

// Refresh discards the stored identity and token and derives new ones.
func (s *TokenService) Refresh(ctx context.Context) (Credentials, error) {
	s.ClearAuth(ctx)

	return s.GetValidToken(ctx)
}

// ClearAuth removes the stored token, identity, and session.
func (s *TokenService) ClearAuth(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearAuth(ctx)
}

func (s *TokenService) clearAuth(ctx context.Context) {
	s.state.Remove(ctx, storage.KeyAuthToken, storage.KeyIdentity, storage.KeySession)
}

// Headers returns the authentication headers for a request, with a fresh
// request ID.
func (s *TokenService) Headers(ctx context.Context) (http.Header, error) {
	creds, err := s.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set(HeaderToken, creds.Token)
	header.Set(HeaderID, creds.Identity.ExtensionID)
	header.Set(HeaderVersion, creds.Identity.ExtensionVersion)
	header.Set(HeaderFingerprint, creds.Identity.Fingerprint)
	header.Set(HeaderRequestID, uuid.NewString())
	header.Set("Content-Type", "application/json")

	return header, nil
}

// UsageStats is the persisted request counter.
type UsageStats struct {
	Requests     int64 `json:"requests"`
	LastActivity int64 `json:"lastActivity"` // epoch ms
}

// UpdateUsageStats counts one request.
func (s *TokenService) UpdateUsageStats(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := storage.GetOr(ctx, s.state.Store(), storage.KeyUsageStats, UsageStats{})
	usage.Requests++
	usage.LastActivity = s.clock.Now().UnixMilli()

	s.state.Set(ctx, storage.KeyUsageStats, usage)
}

// Stats summarizes the installation for diagnostics.
type Stats struct {
	Identity     *identity.Identity `json:"identity,omitempty"`
	InstallTime  int64              `json:"installTime"`
	Uptime       time.Duration      `json:"uptime"`
	RequestCount int64              `json:"requestCount"`
	LastActivity int64              `json:"lastActivity"`
}

// ExtensionStats reports identity, uptime, and usage.
func (s *TokenService) ExtensionStats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	installTime := s.installTime(ctx)

	stats := Stats{
		InstallTime:  installTime,
		Uptime:       now.Sub(time.Unix(installTime, 0)),
		LastActivity: now.UnixMilli(),
	}

	if id, found, _ := storage.Lookup[identity.Identity](ctx, s.state.Store(), storage.KeyIdentity); found {
		stats.Identity = &id
	}

	if usage, found, _ := storage.Lookup[UsageStats](ctx, s.state.Store(), storage.KeyUsageStats); found {
		stats.RequestCount = usage.Requests
		stats.LastActivity = usage.LastActivity
	}

	return stats
}
