package ratelimit

import (
	"context"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
)

// TokenBucket implements the token bucket algorithm over the store.
//
// Each key holds {tokens, lastRefill}. Refills happen in whole intervals:
// refilled = floor((now − lastRefill) / refillInterval) × refillRate, capped
// at the capacity passed as the limit. A key with no prior state starts at
// full capacity. This yields burst tolerance with smooth longer-term
// throttling.
type TokenBucket struct {
	store          storage.Store
	refillRate     int64
	refillInterval time.Duration
	locks          keyLocks

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewTokenBucket creates a token bucket limiter.
//
// Parameters:
//   - refillRate: tokens added per interval
//   - refillInterval: how often tokens are added
//
// The capacity is the limit passed to Check/Consume, so one limiter can
// serve many configs.
func NewTokenBucket(store storage.Store, refillRate int64, refillInterval time.Duration) *TokenBucket {
	if refillRate <= 0 {
		refillRate = 1
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	return &TokenBucket{
		store:          store,
		refillRate:     refillRate,
		refillInterval: refillInterval,
		now:            time.Now,
	}
}

// Check reports whether cost tokens are available without consuming them.
func (tb *TokenBucket) Check(ctx context.Context, key string, limit, cost int64) (*Result, error) {
	now := tb.now()

	state, err := tb.refreshed(ctx, key, limit, now)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Allowed:   state.Tokens >= cost,
		Current:   limit - state.Tokens,
		Remaining: state.Tokens,
		ResetAt:   tb.availableAt(state, cost, now),
	}
	if !result.Allowed {
		result.RetryAfter = result.ResetAt.Sub(now)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
	}
	return result, nil
}

// Record spends cost tokens against a bucket of the given capacity. It
// applies the same refill Check does, so a Check/Record pair leaves the
// bucket exactly as one Consume would. The caller serializes per key;
// Consume brings its own lock.
func (tb *TokenBucket) Record(ctx context.Context, key string, limit, cost int64) error {
	state, err := tb.refreshed(ctx, key, limit, tb.now())
	if err != nil {
		return err
	}
	state.Tokens -= cost
	if state.Tokens < 0 {
		state.Tokens = 0
	}
	return tb.store.SaveBucket(ctx, key, state)
}

// Consume atomically refills, checks, and spends cost tokens.
func (tb *TokenBucket) Consume(ctx context.Context, key string, limit, cost int64) (*Result, error) {
	mu := tb.locks.lock(key)
	mu.Lock()
	defer mu.Unlock()

	now := tb.now()

	state, err := tb.refreshed(ctx, key, limit, now)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Allowed: state.Tokens >= cost,
		Current: limit - state.Tokens,
		ResetAt: tb.availableAt(state, cost, now),
	}

	if !result.Allowed {
		result.Remaining = state.Tokens
		result.RetryAfter = result.ResetAt.Sub(now)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		// Persist the refill so bookkeeping stays monotonic.
		if err := tb.store.SaveBucket(ctx, key, state); err != nil {
			return nil, err
		}
		return result, nil
	}

	state.Tokens -= cost
	if err := tb.store.SaveBucket(ctx, key, state); err != nil {
		return nil, err
	}

	result.Current = limit - state.Tokens
	result.Remaining = state.Tokens
	return result, nil
}

// Reset clears the bucket state for key.
func (tb *TokenBucket) Reset(ctx context.Context, key string) error {
	return tb.store.DeleteKey(ctx, key)
}

// refreshed loads the bucket and applies whole-interval refills up to
// capacity. A missing bucket initializes full.
func (tb *TokenBucket) refreshed(ctx context.Context, key string, capacity int64, now time.Time) (*storage.BucketState, error) {
	state, err := tb.store.LoadBucket(ctx, key)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &storage.BucketState{Tokens: capacity, LastRefill: now}, nil
	}

	elapsed := now.Sub(state.LastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	intervals := int64(elapsed / tb.refillInterval)
	if intervals > 0 {
		state.Tokens += intervals * tb.refillRate
		if state.Tokens > capacity {
			state.Tokens = capacity
		}
		// Advance by whole intervals only, preserving the fractional
		// remainder for the next refill.
		state.LastRefill = state.LastRefill.Add(time.Duration(intervals) * tb.refillInterval)
	}
	return state, nil
}

// availableAt estimates when cost tokens will be available.
func (tb *TokenBucket) availableAt(state *storage.BucketState, cost int64, now time.Time) time.Time {
	if state.Tokens >= cost {
		return now
	}
	needed := cost - state.Tokens
	intervals := (needed + tb.refillRate - 1) / tb.refillRate
	return state.LastRefill.Add(time.Duration(intervals) * tb.refillInterval)
}
