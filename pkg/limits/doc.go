// Package limits maps resources to rate limit configurations and evaluates
// them as a group.
//
// A resource may be constrained by several configs simultaneously (for
// example a platform limit AND a business-tier limit). Check evaluates every
// applicable config with its effective limit (a client override when present
// and unexpired, else the config default) and returns the most restrictive
// outcome: any config denying denies the request, remaining is the minimum
// across configs, and resetAt is the earliest reset among denying configs.
//
// Consume checks first and records against every applicable config only on
// an overall allow, so a denied request never leaves partially-recorded
// state. Resources with no configuration are allowed unconditionally.
package limits
