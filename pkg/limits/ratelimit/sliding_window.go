package ratelimit

import (
	"context"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
)

// SlidingWindow implements rate limiting over a rolling time window.
//
// Each key maps to an ordered set of timestamped, cost-tagged entries in the
// store. Check counts entries with a timestamp at or after now−window;
// Record trims expired entries before inserting a new one and refreshes the
// key's expiry to the window duration.
type SlidingWindow struct {
	store  storage.Store
	window time.Duration
	locks  keyLocks

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewSlidingWindow creates a sliding window limiter over the given store.
//
// Example:
//
//	sw := NewSlidingWindow(store, time.Minute)
func NewSlidingWindow(store storage.Store, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// Check reports whether cost units fit under limit for key.
func (sw *SlidingWindow) Check(ctx context.Context, key string, limit, cost int64) (*Result, error) {
	now := sw.now()
	since := now.Add(-sw.window)

	current, err := sw.store.CountSince(ctx, key, since)
	if err != nil {
		return nil, err
	}

	resetAt := now.Add(sw.window)
	if oldest, ok, err := sw.store.OldestSince(ctx, key, since); err != nil {
		return nil, err
	} else if ok {
		resetAt = oldest.Add(sw.window)
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:   current+cost <= limit,
		Current:   current,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = resetAt.Sub(now)
	}
	return result, nil
}

// Record trims expired entries, inserts a new timestamped entry, and
// refreshes the key's expiry to the window duration. The limit plays no
// part in sliding-window bookkeeping.
func (sw *SlidingWindow) Record(ctx context.Context, key string, _, cost int64) error {
	now := sw.now()
	if err := sw.store.TrimBefore(ctx, key, now.Add(-sw.window)); err != nil {
		return err
	}
	return sw.store.AddEntry(ctx, key, now, cost, sw.window)
}

// Consume atomically checks and, when allowed, records cost units.
func (sw *SlidingWindow) Consume(ctx context.Context, key string, limit, cost int64) (*Result, error) {
	mu := sw.locks.lock(key)
	mu.Lock()
	defer mu.Unlock()

	result, err := sw.Check(ctx, key, limit, cost)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	if err := sw.Record(ctx, key, limit, cost); err != nil {
		return nil, err
	}
	result.Current += cost
	result.Remaining -= cost
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears all recorded state for key.
func (sw *SlidingWindow) Reset(ctx context.Context, key string) error {
	return sw.store.DeleteKey(ctx, key)
}
