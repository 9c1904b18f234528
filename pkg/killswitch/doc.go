// Package killswitch provides hierarchical circuit breakers for agent
// actions.
//
// A switch targets everything, one platform, or one action (optionally
// qualified by platform), either globally or for a single client. The
// Checker resolves a request context against the scope hierarchy in strict
// priority order (global-all, client-all, global-platform, client-platform,
// global-action, client-action), consulting a short-TTL cache in front of
// the store. Activation and deactivation are idempotent, append to an
// immutable history log, and invalidate the switch's cache entry.
//
// The Monitor ingests success/failure outcomes per (target, client) and
// activates a matching switch automatically once the error rate crosses a
// configured threshold, with a cooldown suppressing repeat trips.
package killswitch
