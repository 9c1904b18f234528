package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
)

// Anchor selects the calendar boundary a fixed window aligns to.
type Anchor string

const (
	AnchorHour  Anchor = "hour"
	AnchorDay   Anchor = "day"
	AnchorWeek  Anchor = "week"
	AnchorMonth Anchor = "month"
)

// Valid reports whether the anchor is a known calendar boundary.
func (a Anchor) Valid() bool {
	switch a {
	case AnchorHour, AnchorDay, AnchorWeek, AnchorMonth:
		return true
	}
	return false
}

// FixedWindow implements rate limiting over fixed calendar periods.
//
// Mechanics match the sliding window, but entries are keyed additionally by
// the window start computed from the anchor in the limiter's timezone, so
// all requests inside one calendar period share one counter that resets
// sharply at the boundary.
type FixedWindow struct {
	store    storage.Store
	anchor   Anchor
	location *time.Location
	locks    keyLocks

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewFixedWindow creates a fixed calendar window limiter.
//
// loc determines where the calendar boundary falls; nil means UTC.
func NewFixedWindow(store storage.Store, anchor Anchor, loc *time.Location) (*FixedWindow, error) {
	if !anchor.Valid() {
		return nil, fmt.Errorf("unknown window anchor: %q", anchor)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &FixedWindow{
		store:    store,
		anchor:   anchor,
		location: loc,
		now:      time.Now,
	}, nil
}

// Check reports whether cost units fit under limit for key within the
// current calendar window.
func (fw *FixedWindow) Check(ctx context.Context, key string, limit, cost int64) (*Result, error) {
	now := fw.now().In(fw.location)
	start := fw.windowStart(now)
	end := fw.windowEnd(start)

	current, err := fw.store.CountSince(ctx, fw.windowKey(key, start), start)
	if err != nil {
		return nil, err
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:   current+cost <= limit,
		Current:   current,
		Remaining: remaining,
		ResetAt:   end,
	}
	if !result.Allowed {
		result.RetryAfter = end.Sub(now)
	}
	return result, nil
}

// Record registers cost units in the current calendar window. The limit
// plays no part in calendar-window bookkeeping.
func (fw *FixedWindow) Record(ctx context.Context, key string, _, cost int64) error {
	now := fw.now().In(fw.location)
	start := fw.windowStart(now)
	end := fw.windowEnd(start)

	// Entries expire shortly after the boundary; the next window uses a
	// fresh key so a sharp reset does not depend on eager cleanup.
	ttl := end.Sub(now) + time.Minute
	return fw.store.AddEntry(ctx, fw.windowKey(key, start), now, cost, ttl)
}

// Consume atomically checks and, when allowed, records cost units.
func (fw *FixedWindow) Consume(ctx context.Context, key string, limit, cost int64) (*Result, error) {
	mu := fw.locks.lock(key)
	mu.Lock()
	defer mu.Unlock()

	result, err := fw.Check(ctx, key, limit, cost)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	if err := fw.Record(ctx, key, limit, cost); err != nil {
		return nil, err
	}
	result.Current += cost
	result.Remaining -= cost
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears the current calendar window for key.
func (fw *FixedWindow) Reset(ctx context.Context, key string) error {
	now := fw.now().In(fw.location)
	start := fw.windowStart(now)
	return fw.store.DeleteKey(ctx, fw.windowKey(key, start))
}

// windowKey derives the per-period storage key.
func (fw *FixedWindow) windowKey(key string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", key, fw.anchor, start.Unix())
}

// windowStart computes the calendar boundary at or before t.
func (fw *FixedWindow) windowStart(t time.Time) time.Time {
	switch fw.anchor {
	case AnchorHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, fw.location)
	case AnchorDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, fw.location)
	case AnchorWeek:
		// Weeks start on Monday.
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, fw.location)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case AnchorMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, fw.location)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, fw.location)
	}
}

// windowEnd computes the boundary following start.
func (fw *FixedWindow) windowEnd(start time.Time) time.Time {
	switch fw.anchor {
	case AnchorHour:
		return start.Add(time.Hour)
	case AnchorDay:
		return start.AddDate(0, 0, 1)
	case AnchorWeek:
		return start.AddDate(0, 0, 7)
	case AnchorMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.Add(time.Hour)
	}
}
