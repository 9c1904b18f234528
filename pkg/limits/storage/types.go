package storage

import (
	"context"
	"time"
)

// Store defines the counter/bucket primitives used by the rate limiting
// algorithms. Implementations must be thread-safe and support concurrent
// access; every call must honor the context's deadline.
type Store interface {
	// AddEntry appends a timestamped, cost-tagged entry under key and
	// refreshes the key's expiry to ttl from now.
	AddEntry(ctx context.Context, key string, at time.Time, cost int64, ttl time.Duration) error

	// CountSince returns the summed cost of entries under key with a
	// timestamp at or after since.
	CountSince(ctx context.Context, key string, since time.Time) (int64, error)

	// OldestSince returns the timestamp of the oldest entry under key at or
	// after since. The boolean reports whether any such entry exists.
	OldestSince(ctx context.Context, key string, since time.Time) (time.Time, bool, error)

	// TrimBefore removes entries under key older than cutoff.
	TrimBefore(ctx context.Context, key string, cutoff time.Time) error

	// LoadBucket returns the token bucket state for key, or nil if the key
	// has never been seen.
	LoadBucket(ctx context.Context, key string) (*BucketState, error)

	// SaveBucket persists the token bucket state for key.
	SaveBucket(ctx context.Context, key string, state *BucketState) error

	// DeleteKey removes all entry and bucket state for key.
	DeleteKey(ctx context.Context, key string) error

	// DeletePrefix removes all entry and bucket state for keys with the
	// given prefix. Returns the number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// BucketState is the persisted state of one token bucket.
type BucketState struct {
	// Tokens is the number of tokens currently available.
	Tokens int64

	// LastRefill is when tokens were last refilled.
	LastRefill time.Time
}
