package audit

import (
	"context"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventPolicyEvaluated records one terminal admission decision.
	EventPolicyEvaluated EventType = "POLICY_EVALUATED"

	// EventKillSwitchActivated records a switch being turned on.
	EventKillSwitchActivated EventType = "KILL_SWITCH_ACTIVATED"

	// EventKillSwitchDeactivated records a switch being turned off.
	EventKillSwitchDeactivated EventType = "KILL_SWITCH_DEACTIVATED"

	// EventRateLimitExceeded records a decision denied by a rate limit.
	EventRateLimitExceeded EventType = "RATE_LIMIT_EXCEEDED"

	// EventRateLimitReset records an admin clearing recorded usage.
	EventRateLimitReset EventType = "RATE_LIMIT_RESET"
)

// Event is one immutable audit record.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	ClientID string `json:"client_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Action   string `json:"action,omitempty"`
	Resource string `json:"resource,omitempty"`
	Platform string `json:"platform,omitempty"`

	// Effect is the decision outcome for decision events.
	Effect policy.Effect `json:"effect,omitempty"`

	// Reason explains the outcome or the admin operation.
	Reason string `json:"reason,omitempty"`

	// RequestID correlates the event with the caller's request.
	RequestID string `json:"request_id,omitempty"`

	// Details carries event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	At time.Time `json:"at"`
}

// Emitter accepts audit events.
type Emitter interface {
	Emit(ctx context.Context, ev *Event) error
}

// Query narrows a log read. Zero-valued fields match everything.
type Query struct {
	ClientID string
	Type     EventType
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Log is an Emitter whose events can be read back.
type Log interface {
	Emitter

	// Query returns matching events, newest first.
	Query(ctx context.Context, q Query) ([]*Event, error)

	// Prune deletes events recorded before the cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases log resources.
	Close() error
}
