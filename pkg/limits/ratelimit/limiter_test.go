package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
)

func newStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeClock returns a controllable clock starting at a fixed instant.
func fakeClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

// ============================================================================
// Sliding Window Tests
// ============================================================================

func TestSlidingWindow_ExactLimit(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(newStore(t), time.Minute)

	// limit+1 sequential Consume calls with cost 1: exactly limit allowed.
	const limit = 10
	allowed := 0
	var last *Result
	for i := 0; i < limit+1; i++ {
		result, err := sw.Consume(ctx, "client-1:publish", limit, 1)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if result.Allowed {
			allowed++
		}
		last = result
	}

	if allowed != limit {
		t.Errorf("Expected %d allowed, got %d", limit, allowed)
	}
	if last.Allowed {
		t.Error("Expected final call to be denied")
	}
	if last.Remaining != 0 {
		t.Errorf("Expected remaining 0 on denied call, got %d", last.Remaining)
	}
}

func TestSlidingWindow_WindowRolls(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(newStore(t), time.Minute)

	now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sw.now = now

	// 10 consumed at t=0; 11th check at t=0 is denied.
	for i := 0; i < 10; i++ {
		result, err := sw.Consume(ctx, "k", 10, 1)
		if err != nil || !result.Allowed {
			t.Fatalf("Consume %d: allowed=%v err=%v", i, result != nil && result.Allowed, err)
		}
	}
	result, err := sw.Check(ctx, "k", 10, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected denial inside window")
	}

	// At t=61s the window has rolled.
	advance(61 * time.Second)
	result, err = sw.Check(ctx, "k", 10, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected allowance after window rolled")
	}
}

func TestSlidingWindow_ResetAt(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(newStore(t), time.Minute)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now, advance := fakeClock(start)
	sw.now = now

	// Empty window: resetAt = now + duration.
	result, err := sw.Check(ctx, "k", 5, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected resetAt %v, got %v", start.Add(time.Minute), result.ResetAt)
	}

	// One entry at t=0, checked at t=30s: resetAt = oldest + duration.
	if _, err := sw.Consume(ctx, "k", 5, 1); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	advance(30 * time.Second)
	result, err = sw.Check(ctx, "k", 5, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected resetAt %v, got %v", start.Add(time.Minute), result.ResetAt)
	}
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(newStore(t), time.Minute)

	// 100 goroutines racing for 50 units: exactly 50 succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := sw.Consume(ctx, "k", 50, 1)
			if err != nil {
				t.Errorf("Consume failed: %v", err)
				return
			}
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed, got %d", allowed)
	}
}

// ============================================================================
// Fixed Window Tests
// ============================================================================

func TestFixedWindow_SharpReset(t *testing.T) {
	ctx := context.Background()
	fw, err := NewFixedWindow(newStore(t), AnchorHour, time.UTC)
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	now, advance := fakeClock(time.Date(2026, 3, 1, 12, 58, 0, 0, time.UTC))
	fw.now = now

	// Fill the 12:00-13:00 window.
	for i := 0; i < 3; i++ {
		result, err := fw.Consume(ctx, "k", 3, 1)
		if err != nil || !result.Allowed {
			t.Fatalf("Consume %d: allowed=%v err=%v", i, result != nil && result.Allowed, err)
		}
	}
	result, err := fw.Check(ctx, "k", 3, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected denial inside calendar window")
	}
	if !result.ResetAt.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected reset at hour boundary, got %v", result.ResetAt)
	}

	// Cross the boundary: counter resets sharply.
	advance(3 * time.Minute)
	result, err = fw.Check(ctx, "k", 3, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected allowance after boundary")
	}
	if result.Current != 0 {
		t.Errorf("Expected fresh window, got current=%d", result.Current)
	}
}

func TestFixedWindow_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}

	fw, err := NewFixedWindow(newStore(t), AnchorDay, loc)
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	// 03:30 UTC on March 2 is still March 1 in New York.
	at := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)
	start := fw.windowStart(at.In(loc))
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, loc)
	if !start.Equal(want) {
		t.Errorf("Expected window start %v, got %v", want, start)
	}
}

func TestFixedWindow_WeekStartsMonday(t *testing.T) {
	fw, err := NewFixedWindow(newStore(t), AnchorWeek, time.UTC)
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	// 2026-03-04 is a Wednesday; the week anchors to Monday 2026-03-02.
	start := fw.windowStart(time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC))
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("Expected week start %v, got %v", want, start)
	}
}

func TestFixedWindow_UnknownAnchor(t *testing.T) {
	if _, err := NewFixedWindow(newStore(t), Anchor("fortnight"), time.UTC); err == nil {
		t.Error("Expected error for unknown anchor")
	}
}

// ============================================================================
// Token Bucket Tests
// ============================================================================

func TestTokenBucket_StartsFull(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(newStore(t), 1, time.Second)

	// A bucket with no prior state initializes at full capacity.
	result, err := tb.Check(ctx, "k", 10, 10)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected fresh bucket to hold full capacity")
	}
	if result.Remaining != 10 {
		t.Errorf("Expected 10 tokens, got %d", result.Remaining)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(newStore(t), 2, time.Second) // 2 tokens/sec

	now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tb.now = now

	// Drain the bucket.
	result, err := tb.Consume(ctx, "k", 10, 10)
	if err != nil || !result.Allowed {
		t.Fatalf("Consume: allowed=%v err=%v", result != nil && result.Allowed, err)
	}

	// After exactly k intervals with no consumption the bucket reports
	// min(capacity, k*rate) tokens.
	for _, tc := range []struct {
		intervals int
		want      int64
	}{
		{intervals: 1, want: 2},
		{intervals: 2, want: 6}, // cumulative: 3 intervals total
		{intervals: 10, want: 10},
	} {
		advance(time.Duration(tc.intervals) * time.Second)
		result, err := tb.Check(ctx, "k", 10, 1)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if result.Remaining != tc.want {
			t.Errorf("After advance: expected %d tokens, got %d", tc.want, result.Remaining)
		}
	}
}

func TestTokenBucket_PartialIntervalDoesNotRefill(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(newStore(t), 5, time.Second)

	now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tb.now = now

	if _, err := tb.Consume(ctx, "k", 5, 5); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	// 900ms is less than one interval: no tokens yet.
	advance(900 * time.Millisecond)
	result, err := tb.Check(ctx, "k", 5, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected no refill before a whole interval elapsed")
	}
}

func TestTokenBucket_Burst(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(newStore(t), 1, time.Minute)

	// Full capacity can be consumed at once; the next unit is denied.
	result, err := tb.Consume(ctx, "k", 20, 20)
	if err != nil || !result.Allowed {
		t.Fatalf("Consume: allowed=%v err=%v", result != nil && result.Allowed, err)
	}
	result, err = tb.Consume(ctx, "k", 20, 1)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected empty bucket to deny")
	}
	if result.RetryAfter <= 0 {
		t.Error("Expected positive RetryAfter on denial")
	}
}

func TestTokenBucket_CheckRecordMatchesConsume(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(newStore(t), 1, time.Second)

	now, advance := fakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tb.now = now

	// A Check/Record pair must drain the bucket exactly like Consume:
	// capacity 5 admits 5 sequential units, the 6th is denied.
	const capacity = 5
	allowed := 0
	for i := 0; i < capacity+1; i++ {
		result, err := tb.Check(ctx, "k", capacity, 1)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !result.Allowed {
			continue
		}
		if err := tb.Record(ctx, "k", capacity, 1); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
		allowed++
	}
	if allowed != capacity {
		t.Errorf("Expected exactly %d allowed, got %d", capacity, allowed)
	}

	// Record applies the pending refill, so tokens earned while the
	// bucket sat idle survive the next spend.
	advance(2 * time.Second)
	result, err := tb.Check(ctx, "k", capacity, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed || result.Remaining != 2 {
		t.Fatalf("Expected 2 tokens after refill, got allowed=%v remaining=%d",
			result.Allowed, result.Remaining)
	}
	if err := tb.Record(ctx, "k", capacity, 1); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	result, err = tb.Check(ctx, "k", capacity, 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Remaining != 1 {
		t.Errorf("Expected 1 token left after spending 1 of 2, got %d", result.Remaining)
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(newStore(t), 1, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := tb.Consume(ctx, "k", 40, 1)
			if err != nil {
				t.Errorf("Consume failed: %v", err)
				return
			}
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 40 {
		t.Errorf("Expected exactly 40 allowed, got %d", allowed)
	}
}
