package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Subscribers are notified synchronously
// after each write, outside the store lock.
type Memory struct {
	mu          sync.RWMutex
	data        map[string][]byte
	subscribers map[int]subscriber
	nextID      int
	closed      bool
}

type subscriber struct {
	fn       ChangeFunc
	prefixes []string
}

func (s subscriber) matches(key string) bool {
	if len(s.prefixes) == 0 {
		return true
	}

	for _, prefix := range s.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}

	return false
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:        make(map[string][]byte),
		subscribers: make(map[int]subscriber),
	}
}

// Get decodes the stored value for key.
func (m *Memory) Get(_ context.Context, key string, value any) error {
	m.mu.RLock()
	data, ok := m.data[key]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Set stores value under key and notifies subscribers.
func (m *Memory) Set(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	m.data[key] = data
	subs := m.matching(key)
	m.mu.Unlock()

	notify(subs, Change{Key: key, Value: data})

	return nil
}

// Delete removes keys and notifies subscribers of each removal.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	type removal struct {
		key  string
		subs []subscriber
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	removed := make([]removal, 0, len(keys))

	for _, key := range keys {
		if _, ok := m.data[key]; !ok {
			continue
		}

		delete(m.data, key)
		removed = append(removed, removal{key: key, subs: m.matching(key)})
	}
	m.mu.Unlock()

	for _, r := range removed {
		notify(r.subs, Change{Key: r.key, Deleted: true})
	}

	return nil
}

// List returns the keys with prefix in sorted order.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var keys []string

	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Subscribe registers fn for changes under prefixes (all keys when none).
func (m *Memory) Subscribe(ctx context.Context, fn ChangeFunc, prefixes ...string) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil, ErrClosed
	}

	id := m.nextID
	m.nextID++
	m.subscribers[id] = subscriber{fn: fn, prefixes: prefixes}
	m.mu.Unlock()

	var once sync.Once

	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)

			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stop:
			}
		}()
	}

	return cancel, nil
}

// Close drops all data and subscribers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.subscribers = nil

	return nil
}

// matching must be called with m.mu held.
func (m *Memory) matching(key string) []subscriber {
	var subs []subscriber

	for _, sub := range m.subscribers {
		if sub.matches(key) {
			subs = append(subs, sub)
		}
	}

	return subs
}

func notify(subs []subscriber, change Change) {
	for _, sub := range subs {
		sub.fn(change)
	}
}
