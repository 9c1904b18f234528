package limits

import (
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/limits/ratelimit"
)

// Category classifies why a limit exists.
type Category string

const (
	// CategoryPlatform limits protect an external platform's own quotas.
	CategoryPlatform Category = "platform"

	// CategorySystem limits protect this system's capacity.
	CategorySystem Category = "system"

	// CategoryBusiness limits enforce a commercial tier.
	CategoryBusiness Category = "business"
)

// Scope selects which identity a limit counts against.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeClient  Scope = "client"
	ScopeAccount Scope = "account"
	ScopeUser    Scope = "user"
)

// WindowKind selects the backing algorithm for a config.
type WindowKind string

const (
	WindowSliding     WindowKind = "sliding"
	WindowFixed       WindowKind = "fixed"
	WindowTokenBucket WindowKind = "token_bucket"
)

// Window describes the limiting window for one config. Exactly the fields
// for its kind are meaningful.
type Window struct {
	// Kind selects the algorithm (sliding, fixed, token_bucket).
	Kind WindowKind `yaml:"kind"`

	// Duration is the rolling window length (sliding).
	Duration time.Duration `yaml:"duration"`

	// Anchor is the calendar boundary (fixed).
	Anchor ratelimit.Anchor `yaml:"anchor"`

	// RefillRate is tokens added per interval (token_bucket).
	RefillRate int64 `yaml:"refill_rate"`

	// RefillInterval is how often tokens are added (token_bucket).
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config constrains one resource under one category.
type Config struct {
	// ID uniquely identifies this config.
	ID string `yaml:"id"`

	// Category classifies the limit (platform, system, business).
	Category Category `yaml:"category"`

	// Resource is the resource name the limit applies to.
	Resource string `yaml:"resource"`

	// Limit is the maximum cost per window (capacity for token buckets).
	Limit int64 `yaml:"limit"`

	// Window describes the limiting window.
	Window Window `yaml:"window"`

	// Scope selects the identity the limit counts against.
	Scope Scope `yaml:"scope"`

	// SoftLimit, when set, marks the usage level worth alerting on.
	SoftLimit int64 `yaml:"soft_limit"`

	// BurstLimit, when set below the limit, caps a token bucket's
	// capacity so at most BurstLimit tokens can be spent back to back.
	// Only meaningful for token_bucket windows.
	BurstLimit int64 `yaml:"burst_limit"`

	// Timezone places fixed-window boundaries; empty means UTC.
	Timezone string `yaml:"timezone"`
}

// Validate checks the config for structural problems.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("rate limit config missing id")
	}
	if c.Resource == "" {
		return fmt.Errorf("config %q: missing resource", c.ID)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("config %q: limit must be positive, got %d", c.ID, c.Limit)
	}
	switch c.Category {
	case CategoryPlatform, CategorySystem, CategoryBusiness:
	default:
		return fmt.Errorf("config %q: unknown category %q", c.ID, c.Category)
	}
	switch c.Scope {
	case ScopeGlobal, ScopeClient, ScopeAccount, ScopeUser:
	case "":
		return fmt.Errorf("config %q: missing scope", c.ID)
	default:
		return fmt.Errorf("config %q: unknown scope %q", c.ID, c.Scope)
	}
	switch c.Window.Kind {
	case WindowSliding:
		if c.Window.Duration <= 0 {
			return fmt.Errorf("config %q: sliding window requires a positive duration", c.ID)
		}
	case WindowFixed:
		if !c.Window.Anchor.Valid() {
			return fmt.Errorf("config %q: unknown window anchor %q", c.ID, c.Window.Anchor)
		}
	case WindowTokenBucket:
		if c.Window.RefillRate <= 0 || c.Window.RefillInterval <= 0 {
			return fmt.Errorf("config %q: token bucket requires positive refill rate and interval", c.ID)
		}
		if c.BurstLimit < 0 {
			return fmt.Errorf("config %q: burst limit must not be negative, got %d", c.ID, c.BurstLimit)
		}
	default:
		return fmt.Errorf("config %q: unknown window kind %q", c.ID, c.Window.Kind)
	}
	return nil
}

// Override replaces a config's limit for one client until it expires.
type Override struct {
	// ClientID is the client the override applies to.
	ClientID string

	// Resource is the resource the override applies to.
	Resource string

	// Limit replaces the config's default limit.
	Limit int64

	// ExpiresAt is when the override stops applying. Zero means no expiry.
	ExpiresAt time.Time

	// SetBy records who installed the override.
	SetBy string
}

// Decision is the aggregated outcome of checking all applicable configs.
type Decision struct {
	// Allowed indicates every applicable config admitted the cost.
	Allowed bool

	// Limited indicates at least one config applied to the resource.
	Limited bool

	// Reason explains the denial (if Allowed=false).
	Reason string

	// DeniedBy lists the IDs of configs that denied.
	DeniedBy []string

	// Remaining is the minimum remaining quota across applicable configs.
	Remaining int64

	// ResetAt is the earliest reset among denying configs, or the earliest
	// reset overall when allowed.
	ResetAt time.Time

	// RetryAfter suggests how long to wait before retrying (if denied).
	RetryAfter time.Duration
}

// Usage reports current consumption against one config.
type Usage struct {
	ConfigID  string
	Resource  string
	Category  Category
	Limit     int64
	Current   int64
	Remaining int64
	ResetAt   time.Time
}

// Errors returned by the service.
var (
	// ErrUnknownResource is returned by admin operations targeting a
	// resource with no configuration.
	ErrUnknownResource = errors.New("no rate limit configuration for resource")

	// ErrInvalidOverride is returned when an override fails validation.
	ErrInvalidOverride = errors.New("invalid rate limit override")
)
