package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	// Allowed indicates if the cost fits within the limit.
	Allowed bool

	// Current is the usage already recorded in the window (or tokens spent,
	// for token buckets).
	Current int64

	// Remaining is how much quota remains before the limit is reached.
	Remaining int64

	// ResetAt is when capacity next becomes available.
	ResetAt time.Time

	// RetryAfter suggests how long to wait before retrying (if denied).
	RetryAfter time.Duration
}

// Limiter is the common contract implemented by all three algorithms.
//
// Check answers "would this cost fit" without mutating state. Record
// mutates state; a Check followed by a Record under the same limit must
// leave the key in the same state a single Consume would. The pair is
// not atomic on its own, so callers serialize per key. Consume combines
// both under the limiter's own per-key lock.
type Limiter interface {
	// Check reports whether cost units fit under limit for key.
	Check(ctx context.Context, key string, limit, cost int64) (*Result, error)

	// Record registers cost units against key under limit.
	Record(ctx context.Context, key string, limit, cost int64) error

	// Consume atomically checks and, when allowed, records cost units.
	Consume(ctx context.Context, key string, limit, cost int64) (*Result, error)

	// Reset clears all recorded state for key.
	Reset(ctx context.Context, key string) error
}

// stripes is the number of key lock stripes. Striping bounds memory while
// keeping contention on distinct keys unlikely.
const stripes = 64

// keyLocks provides striped per-key mutexes for check-and-record atomicity.
type keyLocks struct {
	locks [stripes]sync.Mutex
}

// lock returns the mutex guarding key.
func (k *keyLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.locks[h.Sum32()%stripes]
}
