package auth

import (
	"context"

	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/storage"
)

// State wraps a storage.Store for best-effort state access: read errors
// are logged and reported as missing, write errors are logged and
// dropped. Identity and registration state must never take the caller
// down with it.
type State struct {
	store storage.Store
}

// NewState wraps store.
func NewState(store storage.Store) *State {
	return &State{store: store}
}

// Store returns the wrapped store.
func (s *State) Store() storage.Store {
	return s.store
}

// Bool reads a boolean flag; missing or unreadable flags are false.
func (s *State) Bool(ctx context.Context, key string) bool {
	return lookup(ctx, s, key, false)
}

// Int64 reads an integer, returning 0 when missing.
func (s *State) Int64(ctx context.Context, key string) int64 {
	return lookup[int64](ctx, s, key, 0)
}

// String reads a string, returning "" when missing.
func (s *State) String(ctx context.Context, key string) string {
	return lookup(ctx, s, key, "")
}

// Exists reports whether key holds any value other than null or false.
func (s *State) Exists(ctx context.Context, key string) bool {
	value := lookup[any](ctx, s, key, nil)

	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		return true
	}
}

// Set writes value, logging failures.
func (s *State) Set(ctx context.Context, key string, value any) bool {
	if err := s.store.Set(ctx, key, value); err != nil {
		log.Error(ctx, err, "Failed to persist state", "key", key)

		return false
	}

	return true
}

// Remove deletes keys, logging failures.
func (s *State) Remove(ctx context.Context, keys ...string) {
	if err := s.store.Delete(ctx, keys...); err != nil {
		log.Error(ctx, err, "Failed to remove state", "keys", keys)
	}
}

func lookup[T any](ctx context.Context, s *State, key string, fallback T) T {
	value, found, err := storage.Lookup[T](ctx, s.store, key)
	if err != nil {
		log.Warn(ctx, "Failed to read state", "key", key, "error", err.Error())

		return fallback
	}

	if !found {
		return fallback
	}

	return value
}
