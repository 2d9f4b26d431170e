// Package storage is the persistent key-value port used for identity,
// registration state, and cache entries. Values are JSON encoded.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Change describes a write observed by a subscriber. Value holds the
// JSON encoding of the new value and is nil for deletions.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// ChangeFunc receives changes for subscribed prefixes.
type ChangeFunc func(Change)

// Store is an asynchronous key-value store with change notification.
type Store interface {
	// Get decodes the value for key into value.
	Get(ctx context.Context, key string, value any) error

	// Set stores the JSON encoding of value under key.
	Set(ctx context.Context, key string, value any) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Subscribe delivers changes to keys matching any prefix until the
	// returned cancel func is called or ctx ends. Changes made through
	// any handle on the same underlying store are delivered.
	Subscribe(ctx context.Context, fn ChangeFunc, prefixes ...string) (func(), error)

	Close() error
}

// Lookup reads key into a T, reporting found=false for a missing key.
func Lookup[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var value T

	err := store.Get(ctx, key, &value)

	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, ErrKeyNotFound):
		return value, false, nil
	default:
		return value, false, fmt.Errorf("lookup %s: %w", key, err)
	}
}

// GetOr reads key into a T, returning fallback when the key is missing
// or unreadable.
func GetOr[T any](ctx context.Context, store Store, key string, fallback T) T {
	value, found, err := Lookup[T](ctx, store, key)
	if err != nil || !found {
		return fallback
	}

	return value
}
