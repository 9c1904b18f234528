package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory state. This is the default
// backend: fast, no persistence, all data lost on process exit.
//
// MemoryStore is thread-safe using sync.RWMutex. A background goroutine
// drops keys whose expiry has passed so idle keys do not accumulate.
type MemoryStore struct {
	keys    map[string]*keyEntries
	buckets map[string]*BucketState
	mu      sync.RWMutex

	cleanupInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
}

// keyEntries holds the timestamped entries for a single key.
type keyEntries struct {
	entries []entry
	expires time.Time
}

// entry is a single cost-tagged sample.
type entry struct {
	at   time.Time
	cost int64
}

// MemoryStoreConfig configures the memory store.
type MemoryStoreConfig struct {
	// CleanupInterval is how often expired keys are dropped.
	// Default: 1 minute
	CleanupInterval time.Duration
}

// NewMemoryStore creates a new in-memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryStoreConfig{CleanupInterval: time.Minute})
}

// NewMemoryStoreWithConfig creates a new in-memory store with custom configuration.
func NewMemoryStoreWithConfig(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &MemoryStore{
		keys:            make(map[string]*keyEntries),
		buckets:         make(map[string]*BucketState),
		cleanupInterval: cfg.CleanupInterval,
		done:            make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// AddEntry appends a timestamped entry and refreshes the key's expiry.
func (s *MemoryStore) AddEntry(ctx context.Context, key string, at time.Time, cost int64, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ke, ok := s.keys[key]
	if !ok {
		ke = &keyEntries{}
		s.keys[key] = ke
	}

	ke.entries = append(ke.entries, entry{at: at, cost: cost})
	ke.expires = time.Now().Add(ttl)

	return nil
}

// CountSince sums entry costs at or after since.
func (s *MemoryStore) CountSince(ctx context.Context, key string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ke, ok := s.keys[key]
	if !ok {
		return 0, nil
	}

	var sum int64
	for _, e := range ke.entries {
		if !e.at.Before(since) {
			sum += e.cost
		}
	}
	return sum, nil
}

// OldestSince returns the oldest entry timestamp at or after since.
func (s *MemoryStore) OldestSince(ctx context.Context, key string, since time.Time) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ke, ok := s.keys[key]
	if !ok {
		return time.Time{}, false, nil
	}

	var oldest time.Time
	found := false
	for _, e := range ke.entries {
		if e.at.Before(since) {
			continue
		}
		if !found || e.at.Before(oldest) {
			oldest = e.at
			found = true
		}
	}
	return oldest, found, nil
}

// TrimBefore removes entries older than cutoff.
func (s *MemoryStore) TrimBefore(ctx context.Context, key string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ke, ok := s.keys[key]
	if !ok {
		return nil
	}

	kept := ke.entries[:0]
	for _, e := range ke.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	ke.entries = kept

	if len(ke.entries) == 0 {
		delete(s.keys, key)
	}
	return nil
}

// LoadBucket returns the bucket state for key, or nil if unseen.
func (s *MemoryStore) LoadBucket(ctx context.Context, key string) (*BucketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.buckets[key]
	if !ok {
		return nil, nil
	}

	// Return a copy so callers cannot mutate stored state in place.
	copied := *state
	return &copied, nil
}

// SaveBucket persists the bucket state for key.
func (s *MemoryStore) SaveBucket(ctx context.Context, key string, state *BucketState) error {
	if state == nil {
		return fmt.Errorf("bucket state cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *state
	s.buckets[key] = &copied
	return nil
}

// DeleteKey removes all state for key.
func (s *MemoryStore) DeleteKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	delete(s.buckets, key)
	return nil
}

// DeletePrefix removes all state for keys with the given prefix.
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key := range s.keys {
		if strings.HasPrefix(key, prefix) {
			delete(s.keys, key)
			deleted++
		}
	}
	for key := range s.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(s.buckets, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// Size returns the number of keys with entries. Useful for tests.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// cleanupLoop periodically drops keys whose expiry has passed.
func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, ke := range s.keys {
				if !ke.expires.IsZero() && ke.expires.Before(now) {
					delete(s.keys, key)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
