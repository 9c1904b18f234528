package killswitch

import (
	"errors"
	"fmt"
	"time"
)

// Scope determines the breadth of a switch.
type Scope string

const (
	// ScopeGlobal switches apply to every client.
	ScopeGlobal Scope = "global"

	// ScopeClient switches apply to a single client.
	ScopeClient Scope = "client"
)

// TargetType determines what a switch halts.
type TargetType string

const (
	// TargetAll halts every action.
	TargetAll TargetType = "all"

	// TargetPlatform halts every action on one platform.
	TargetPlatform TargetType = "platform"

	// TargetAction halts one action, optionally on one platform.
	TargetAction TargetType = "action"
)

// Switch is a circuit breaker over some slice of agent activity.
//
// At most one switch may exist per (scope, clientId, targetType,
// targetValue, platform) combination; the store enforces this. A switch is
// created inactive and only halts traffic while Active is true.
type Switch struct {
	// ID uniquely identifies the switch.
	ID string `json:"id" yaml:"id"`

	// Scope is the breadth (global, client).
	Scope Scope `json:"scope" yaml:"scope"`

	// TargetType is what the switch halts (all, platform, action).
	TargetType TargetType `json:"target_type" yaml:"target_type"`

	// TargetValue names the platform or action. Empty for TargetAll.
	TargetValue string `json:"target_value,omitempty" yaml:"target_value,omitempty"`

	// ClientID is required for client scope, empty for global scope.
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`

	// Platform optionally narrows a TargetAction switch to one platform.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`

	// Active indicates the switch is currently halting traffic.
	Active bool `json:"active" yaml:"active"`

	// Reason records why the switch was last activated.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// ActivatedBy records who last activated the switch.
	ActivatedBy string `json:"activated_by,omitempty" yaml:"activated_by,omitempty"`

	// ActivatedAt records when the switch was last activated.
	ActivatedAt time.Time `json:"activated_at,omitempty" yaml:"activated_at,omitempty"`

	// AutoTrip, when set, lets the monitor activate this switch on its own
	// thresholds instead of the monitor defaults.
	AutoTrip *AutoTripConfig `json:"auto_trip,omitempty" yaml:"auto_trip,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// AutoTripConfig tunes automatic activation for one switch.
type AutoTripConfig struct {
	// Threshold is the failure fraction (0..1] that trips the switch.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// MinSamples is the minimum outcome count before the threshold is
	// considered.
	MinSamples int `json:"min_samples" yaml:"min_samples"`
}

// Validate checks the switch for structural problems.
func (s *Switch) Validate() error {
	switch s.Scope {
	case ScopeGlobal:
		if s.ClientID != "" {
			return errors.New("global switch must not carry a client id")
		}
	case ScopeClient:
		if s.ClientID == "" {
			return errors.New("client switch requires a client id")
		}
	default:
		return fmt.Errorf("unknown switch scope %q", s.Scope)
	}

	switch s.TargetType {
	case TargetAll:
		if s.TargetValue != "" {
			return errors.New("switch targeting all must not carry a target value")
		}
		if s.Platform != "" {
			return errors.New("switch targeting all must not carry a platform")
		}
	case TargetPlatform:
		if s.TargetValue == "" {
			return errors.New("platform switch requires a target value")
		}
		if s.Platform != "" {
			return errors.New("platform switch carries its platform in the target value")
		}
	case TargetAction:
		if s.TargetValue == "" {
			return errors.New("action switch requires a target value")
		}
	default:
		return fmt.Errorf("unknown switch target type %q", s.TargetType)
	}

	if s.AutoTrip != nil {
		if s.AutoTrip.Threshold <= 0 || s.AutoTrip.Threshold > 1 {
			return fmt.Errorf("auto-trip threshold must be in (0, 1], got %v", s.AutoTrip.Threshold)
		}
		if s.AutoTrip.MinSamples <= 0 {
			return fmt.Errorf("auto-trip min samples must be positive, got %d", s.AutoTrip.MinSamples)
		}
	}
	return nil
}

// Identity returns the uniqueness key for the switch's coordinates.
func (s *Switch) Identity() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", s.Scope, s.ClientID, s.TargetType, s.TargetValue, s.Platform)
}

// HistoryAction is a recorded lifecycle change.
type HistoryAction string

const (
	HistoryCreated     HistoryAction = "created"
	HistoryActivated   HistoryAction = "activated"
	HistoryDeactivated HistoryAction = "deactivated"
)

// HistoryRecord is one immutable entry in a switch's audit trail.
type HistoryRecord struct {
	ID       string        `json:"id"`
	SwitchID string        `json:"switch_id"`
	Action   HistoryAction `json:"action"`
	Actor    string        `json:"actor"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// TripResult reports whether a context is halted and by which switch.
type TripResult struct {
	// Tripped indicates an active switch matched the context.
	Tripped bool

	// Switch is the matching switch when tripped.
	Switch *Switch
}

// Errors returned by the checker and stores.
var (
	// ErrNotFound is returned when no switch exists for an id.
	ErrNotFound = errors.New("kill switch not found")

	// ErrDuplicate is returned when a switch already exists for the same
	// scope, client, and target coordinates.
	ErrDuplicate = errors.New("kill switch already exists for target")

	// ErrReasonTooShort is returned when a human actor supplies a reason
	// under the minimum length.
	ErrReasonTooShort = errors.New("kill switch reason too short")
)
