package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/storage"
)

const (
	// DefaultMaxSessions caps the number of registered installations.
	DefaultMaxSessions = 10000

	// SessionTTL is how long a session may go without activity before
	// cleanup removes it.
	SessionTTL = 7 * 24 * time.Hour

	sessionPrefix = "session:"
)

var (
	// ErrCapacity is returned when the registry is full.
	ErrCapacity = errors.New("maximum extensions reached")

	// ErrSessionNotFound is returned for unknown extension ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is a registered installation.
type Session struct {
	Identity     identity.Identity `json:"identity"`
	Token        string            `json:"token"`
	RegisterTime time.Time         `json:"registerTime"`
	LastActivity time.Time         `json:"lastActivity"`
	RequestCount int64             `json:"requestCount"`
	Active       bool              `json:"active"`
}

// Registry persists sessions keyed by extension id.
type Registry struct {
	store       storage.Store
	clock       clock.Clock
	maxSessions int

	// mu serializes read-modify-write cycles on sessions.
	mu sync.Mutex
}

// NewRegistry creates a registry over store. maxSessions <= 0 uses
// DefaultMaxSessions.
func NewRegistry(store storage.Store, clk clock.Clock, maxSessions int) *Registry {
	if clk == nil {
		clk = clock.Real()
	}

	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	return &Registry{store: store, clock: clk, maxSessions: maxSessions}
}

func sessionKey(extensionID string) string {
	return sessionPrefix + extensionID
}

// Register creates or replaces the session for id. A new installation is
// refused with ErrCapacity once the registry is full; an existing one may
// always re-register.
func (r *Registry) Register(ctx context.Context, token string, id identity.Identity) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists, err := storage.Lookup[Session](ctx, r.store, sessionKey(id.ExtensionID))
	if err != nil {
		return Session{}, err
	}

	if !exists {
		count, err := r.count(ctx)
		if err != nil {
			return Session{}, err
		}

		if count >= r.maxSessions {
			return Session{}, fmt.Errorf("%w: %d", ErrCapacity, count)
		}
	}

	now := r.clock.Now()
	session := Session{
		Identity:     id,
		Token:        token,
		RegisterTime: now,
		LastActivity: now,
		Active:       true,
	}

	if err := r.store.Set(ctx, sessionKey(id.ExtensionID), session); err != nil {
		return Session{}, fmt.Errorf("failed to store session: %w", err)
	}

	return session, nil
}

// Get returns the session for extensionID.
func (r *Registry) Get(ctx context.Context, extensionID string) (Session, bool, error) {
	return storage.Lookup[Session](ctx, r.store, sessionKey(extensionID))
}

// Touch records one request against the session.
func (r *Registry) Touch(ctx context.Context, extensionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, found, err := storage.Lookup[Session](ctx, r.store, sessionKey(extensionID))
	if err != nil {
		return Session{}, err
	}

	if !found {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, extensionID)
	}

	session.LastActivity = r.clock.Now()
	session.RequestCount++

	if err := r.store.Set(ctx, sessionKey(extensionID), session); err != nil {
		return Session{}, fmt.Errorf("failed to store session: %w", err)
	}

	return session, nil
}

// List returns every session ordered by extension id.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	keys, err := r.store.List(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]Session, 0, len(keys))

	for _, key := range keys {
		session, found, err := storage.Lookup[Session](ctx, r.store, key)
		if err != nil {
			return nil, err
		}

		if found {
			sessions = append(sessions, session)
		}
	}

	return sessions, nil
}

// Count returns the number of sessions.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.count(ctx)
}

// Capacity returns the configured session limit.
func (r *Registry) Capacity() int {
	return r.maxSessions
}

func (r *Registry) count(ctx context.Context) (int, error) {
	keys, err := r.store.List(ctx, sessionPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	return len(keys), nil
}

// Delete removes the session for extensionID.
func (r *Registry) Delete(ctx context.Context, extensionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, found, err := storage.Lookup[Session](ctx, r.store, sessionKey(extensionID))
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, extensionID)
	}

	if err := r.store.Delete(ctx, sessionKey(extensionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// Cleanup removes sessions inactive for longer than SessionTTL and
// returns them.
func (r *Registry) Cleanup(ctx context.Context) ([]Session, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	var expired []Session

	for _, session := range sessions {
		if now.Sub(session.LastActivity) <= SessionTTL {
			continue
		}

		key := sessionKey(session.Identity.ExtensionID)

		// Re-read under the lock so a concurrent Touch is not lost.
		current, found, err := storage.Lookup[Session](ctx, r.store, key)
		if err != nil || !found || now.Sub(current.LastActivity) <= SessionTTL {
			continue
		}

		if err := r.store.Delete(ctx, key); err != nil {
			return expired, fmt.Errorf("failed to delete session: %w", err)
		}

		expired = append(expired, current)
	}

	return expired, nil
}
