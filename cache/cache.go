// Package cache is a two-tier (memory and storage) response cache with
// per-key request coalescing and change propagation between instances
// sharing a store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/storage"
)

// DefaultMaxAge applies when FetchOptions.MaxAge is zero.
const DefaultMaxAge = 5 * time.Minute

// ErrNoFetcher is returned by FetchWithCache when no fetcher is set.
var ErrNoFetcher = errors.New("cache has no fetcher")

// Preset is a named cache configuration for one kind of data.
type Preset struct {
	Key    string
	MaxAge time.Duration
}

var (
	Weather        = Preset{Key: "weather", MaxAge: 15 * time.Minute}
	WeatherUIState = Preset{Key: "weather_ui_state", MaxAge: 7 * 24 * time.Hour}
	// Stocks is the market-hours age; feeds widen it outside trading.
	Stocks        = Preset{Key: "stocks", MaxAge: time.Minute}
	News          = Preset{Key: "news", MaxAge: 30 * time.Minute}
	SearchHistory = Preset{Key: "search_history", MaxAge: 24 * time.Hour}
)

// Fetcher performs the network request behind a cache miss.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header, body []byte) (json.RawMessage, error)
}

// Listener receives the new data for a key.
type Listener func(data json.RawMessage)

// FetchOptions tunes FetchWithCache.
type FetchOptions struct {
	Params       map[string]any
	MaxAge       time.Duration
	ForceRefresh bool
	Method       string
	Header       http.Header
	Body         []byte
}

// Stats reports cache occupancy.
type Stats struct {
	MemoryCacheSize  int   `json:"memoryCacheSize"`
	StorageCacheSize int   `json:"storageCacheSize"`
	TotalBytes       int64 `json:"totalBytes"`
	PendingRequests  int64 `json:"pendingRequests"`
}

// entry is the value stored under cache_<key>.
type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch ms
	Origin    string          `json:"origin,omitempty"`
}

// meta is the value stored under cache_meta_<key>.
type meta struct {
	Timestamp int64 `json:"timestamp"`
}

// Options configures a Service.
type Options struct {
	Store   storage.Store
	Fetcher Fetcher
	Clock   clock.Clock

	// Origin identifies this instance's writes; defaults to a random UUID.
	Origin string
}

// Service is the cache. Construct with New.
type Service struct {
	store   storage.Store
	fetcher Fetcher
	clock   clock.Clock
	origin  string

	mu     sync.RWMutex
	memory map[string]entry

	listenersMu sync.Mutex
	listeners   map[string]map[int]Listener
	nextID      int

	group   singleflight.Group
	pending atomic.Int64

	unsubscribe func()
}

// New creates a cache and starts following changes made to the store by
// other instances. The subscription ends with ctx or Close.
func New(ctx context.Context, opts Options) (*Service, error) {
	svc := &Service{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		clock:     opts.Clock,
		origin:    opts.Origin,
		memory:    make(map[string]entry),
		listeners: make(map[string]map[int]Listener),
	}

	if svc.clock == nil {
		svc.clock = clock.Real()
	}

	if svc.origin == "" {
		svc.origin = uuid.NewString()
	}

	unsubscribe, err := svc.store.Subscribe(ctx, svc.handleChange, storage.PrefixCache)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to cache changes: %w", err)
	}

	svc.unsubscribe = unsubscribe

	return svc, nil
}

// Key returns the canonical cache key for url and params. Parameter
// order does not matter.
func Key(rawURL string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}

	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+fmt.Sprint(params[name]))
	}

	key := storage.PrefixCache + rawURL
	if len(pairs) > 0 {
		key += "?" + strings.Join(pairs, "&")
	}

	return key
}

// name strips the storage prefix from key, yielding the logical name
// used for memory entries and listeners.
func name(key string) string {
	return strings.TrimPrefix(key, storage.PrefixCache)
}

func dataKey(name string) string {
	return storage.PrefixCache + name
}

func metaKey(name string) string {
	return storage.PrefixCacheMeta + name
}

func (s *Service) valid(timestamp int64, maxAge time.Duration) bool {
	return s.clock.Now().UnixMilli()-timestamp < maxAge.Milliseconds()
}

// Get returns the cached data for key if it is younger than maxAge.
// Expired entries are evicted.
func (s *Service) Get(ctx context.Context, key string, maxAge time.Duration) (json.RawMessage, bool) {
	n := name(key)

	s.mu.RLock()
	cached, ok := s.memory[n]
	s.mu.RUnlock()

	if ok {
		if s.valid(cached.Timestamp, maxAge) {
			metrics.RecordCounter(ctx, "cache_hits_total", 1, "tier", "memory")

			return cached.Data, true
		}

		s.mu.Lock()
		delete(s.memory, n)
		s.mu.Unlock()
	}

	stored, found, err := storage.Lookup[entry](ctx, s.store, dataKey(n))
	if err != nil {
		log.Warn(ctx, "Cache read error", "cache_key", n, "error", err.Error())
	}

	if found {
		info, hasMeta, err := storage.Lookup[meta](ctx, s.store, metaKey(n))
		if err != nil {
			log.Warn(ctx, "Cache read error", "cache_key", n, "error", err.Error())
		}

		if hasMeta && s.valid(info.Timestamp, maxAge) {
			s.mu.Lock()
			s.memory[n] = entry{Data: stored.Data, Timestamp: info.Timestamp, Origin: stored.Origin}
			s.mu.Unlock()

			metrics.RecordCounter(ctx, "cache_hits_total", 1, "tier", "storage")

			return stored.Data, true
		}

		s.Remove(ctx, n)
	}

	metrics.RecordCounter(ctx, "cache_misses_total", 1)

	return nil, false
}

// Set stores data in both tiers with the current time and notifies
// listeners. A storage failure is logged and the memory tier kept.
func (s *Service) Set(ctx context.Context, key string, data any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}

	n := name(key)
	now := s.clock.Now().UnixMilli()
	cached := entry{Data: raw, Timestamp: now, Origin: s.origin}

	s.mu.Lock()
	s.memory[n] = cached
	s.mu.Unlock()

	if err := s.store.Set(ctx, metaKey(n), meta{Timestamp: now}); err != nil {
		log.Error(ctx, err, "Cache write error", "cache_key", n)
	} else if err := s.store.Set(ctx, dataKey(n), cached); err != nil {
		log.Error(ctx, err, "Cache write error", "cache_key", n)
	}

	s.notify(n, raw)

	return nil
}

func encode(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("cache data is not valid JSON")
		}

		return raw, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache data: %w", err)
	}

	return raw, nil
}

// Remove deletes key from both tiers.
func (s *Service) Remove(ctx context.Context, key string) {
	n := name(key)

	s.mu.Lock()
	delete(s.memory, n)
	s.mu.Unlock()

	if err := s.store.Delete(ctx, dataKey(n), metaKey(n)); err != nil {
		log.Warn(ctx, "Cache remove error", "cache_key", n, "error", err.Error())
	}
}

// Clear deletes every cache entry from both tiers.
func (s *Service) Clear(ctx context.Context) {
	s.mu.Lock()
	s.memory = make(map[string]entry)
	s.mu.Unlock()

	keys, err := s.store.List(ctx, storage.PrefixCache)
	if err != nil {
		log.Error(ctx, err, "Cache clear error")

		return
	}

	if len(keys) == 0 {
		return
	}

	if err := s.store.Delete(ctx, keys...); err != nil {
		log.Error(ctx, err, "Cache clear error")
	}
}

// FetchWithCache returns cached data for url and params, fetching and
// storing it on a miss. Concurrent misses for the same key share one
// fetch.
func (s *Service) FetchWithCache(ctx context.Context, rawURL string, opts FetchOptions) (json.RawMessage, error) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}

	key := Key(rawURL, opts.Params)

	if !opts.ForceRefresh {
		if data, ok := s.Get(ctx, key, opts.MaxAge); ok {
			return data, nil
		}
	}

	if s.fetcher == nil {
		return nil, ErrNoFetcher
	}

	// The shared fetch outlives any single waiter.
	fetchCtx := context.WithoutCancel(ctx)

	results := s.group.DoChan(key, func() (any, error) {
		s.pending.Add(1)
		defer s.pending.Add(-1)

		data, err := s.fetcher.Fetch(fetchCtx, opts.Method, withQuery(rawURL, opts.Params), opts.Header, opts.Body)
		if err != nil {
			return nil, err
		}

		if err := s.Set(fetchCtx, key, data); err != nil {
			return nil, err
		}

		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", name(key), ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name(key), result.Err)
		}

		if result.Shared {
			metrics.RecordCounter(ctx, "cache_coalesced_total", 1)
		}

		data, _ := result.Val.(json.RawMessage)

		return data, nil
	}
}

// withQuery appends params to rawURL as an encoded query.
func withQuery(rawURL string, params map[string]any) string {
	if len(params) == 0 {
		return rawURL
	}

	query := make(url.Values, len(params))
	for key, value := range params {
		query.Set(key, fmt.Sprint(value))
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}

	return rawURL + sep + query.Encode()
}

// Subscribe registers fn for updates to key, from this instance or
// another one sharing the store.
func (s *Service) Subscribe(key string, fn Listener) func() {
	n := name(key)

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++

	if s.listeners[n] == nil {
		s.listeners[n] = make(map[int]Listener)
	}

	s.listeners[n][id] = fn

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()

		delete(s.listeners[n], id)

		if len(s.listeners[n]) == 0 {
			delete(s.listeners, n)
		}
	}
}

func (s *Service) notify(n string, data json.RawMessage) {
	s.listenersMu.Lock()
	fns := make([]Listener, 0, len(s.listeners[n]))

	for _, fn := range s.listeners[n] {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

// handleChange applies a store change written by another instance.
func (s *Service) handleChange(change storage.Change) {
	if strings.HasPrefix(change.Key, storage.PrefixCacheMeta) {
		return
	}

	n := name(change.Key)

	if change.Deleted {
		s.mu.Lock()
		delete(s.memory, n)
		s.mu.Unlock()

		return
	}

	var updated entry
	if err := json.Unmarshal(change.Value, &updated); err != nil {
		log.Warn(context.Background(), "Ignoring undecodable cache change", "cache_key", n, "error", err.Error())

		return
	}

	if updated.Origin == s.origin {
		return
	}

	s.mu.Lock()
	s.memory[n] = updated
	s.mu.Unlock()

	s.notify(n, updated.Data)
}

// Stats reports the memory and storage occupancy and in-flight fetches.
func (s *Service) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	stats := Stats{
		MemoryCacheSize: len(s.memory),
		PendingRequests: s.pending.Load(),
	}
	s.mu.RUnlock()

	keys, err := s.store.List(ctx, storage.PrefixCache)
	if err != nil {
		log.Warn(ctx, "Failed to get cache stats", "error", err.Error())

		return stats
	}

	for _, key := range keys {
		if strings.HasPrefix(key, storage.PrefixCacheMeta) {
			continue
		}

		stats.StorageCacheSize++

		if stored, found, err := storage.Lookup[entry](ctx, s.store, key); err == nil && found {
			stats.TotalBytes += int64(len(stored.Data))
		}
	}

	return stats
}

// Close stops following store changes.
func (s *Service) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	return nil
}

// FetchJSON is FetchWithCache decoding the result into a T.
func FetchJSON[T any](ctx context.Context, s *Service, rawURL string, opts FetchOptions) (T, error) {
	var value T

	data, err := s.FetchWithCache(ctx, rawURL, opts)
	if err != nil {
		return value, err
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}

	return value, nil
}
