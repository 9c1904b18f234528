// Package audit records the decision trail of the admission pipeline.
//
// Every terminal decision emits exactly one event; admin operations on kill
// switches and rate limits emit their own event types. Events flow through
// an Emitter, with a queryable Log on top. Two implementations ship: an
// in-memory ring for tests and a SQLite store for durable single-node
// deployments. Retention runs on a cron schedule and prunes events older
// than the configured window.
package audit
