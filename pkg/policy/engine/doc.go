// Package engine orchestrates the admission pipeline.
//
// Evaluate runs four stages in a fixed order with short-circuiting:
//
//  1. kill switch: an active switch halts the request
//  2. rate limit: usage is consumed atomically against every applicable config
//  3. rules: the declarative rule set decides allow, deny, or pending
//  4. approval: pending effects resolve against the approval gate
//
// The engine fails closed. An internal error in any stage produces a deny
// attributed to "error"; a context deadline produces a deny attributed to
// "timeout". Every terminal decision emits exactly one audit event. Context
// validation failures are returned to the caller and are not decisions, so
// they are not audited.
//
// Rule sets are fetched per client through a short-TTL cache that merges
// global rules with the client's own; InvalidateCache exposes the cache to
// admin operations and file watchers.
package engine
