// Package storage provides the counter/bucket store backing the rate
// limiting algorithms.
//
// The store exposes two primitive families:
//
//   - Timestamped entries per key (a sorted-set-by-timestamp analogue) used
//     by the sliding and fixed window algorithms. Entries carry a cost and
//     are trimmed once they fall outside the window.
//   - Token bucket state per key ({tokens, lastRefill}) used by the token
//     bucket algorithm.
//
// Two backends are provided: an in-memory backend for single-process
// deployments and tests, and a SQLite backend for durability across
// restarts. Both are safe for concurrent use. Atomic check-and-increment
// semantics are provided one level up, in the ratelimit package, via
// per-key locking in front of the store.
package storage
