// Package ratelimit provides the rate limiting algorithms used by the
// admission pipeline.
//
// # Overview
//
// Three interchangeable algorithms share one contract (Check / Record /
// Consume) over a common counter/bucket store:
//
//   - Sliding window: per-key timestamped entries counted over a rolling
//     duration. Accurate, no reset spike.
//   - Fixed window: same mechanics keyed by a calendar window start derived
//     from an anchor (hour, day, week, month) in a configured timezone, so
//     the counter resets sharply at the boundary.
//   - Token bucket: {tokens, lastRefill} state refilled in whole intervals,
//     giving burst tolerance with smooth longer-term throttling.
//
// # Atomicity
//
// Check never mutates state; Record is only called after an allowed Check.
// Consume performs check-and-record under a per-key lock so two concurrent
// requests against the same key cannot both win the last unit of quota.
//
// # Thread Safety
//
// All limiters are thread-safe. Per-key locks are striped to bound memory.
package ratelimit
