package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

func sampleEvent(id string, typ EventType, clientID string, at time.Time) *Event {
	return &Event{
		ID:       id,
		Type:     typ,
		ClientID: clientID,
		ActorID:  "agent-1",
		Action:   "publish",
		Resource: "post",
		Effect:   policy.EffectDeny,
		Reason:   "kill switch active",
		Details:  map[string]any{"switch_id": "sw-1"},
		At:       at,
	}
}

// logUnderTest runs the shared Log contract against one implementation.
func logUnderTest(t *testing.T, log Log) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	events := []*Event{
		sampleEvent("ev-1", EventPolicyEvaluated, "client-1", base),
		sampleEvent("ev-2", EventRateLimitExceeded, "client-1", base.Add(time.Minute)),
		sampleEvent("ev-3", EventPolicyEvaluated, "client-2", base.Add(2*time.Minute)),
	}
	for _, ev := range events {
		if err := log.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	t.Run("query all newest first", func(t *testing.T) {
		got, err := log.Query(ctx, Query{})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Expected 3 events, got %d", len(got))
		}
		if got[0].ID != "ev-3" || got[2].ID != "ev-1" {
			t.Errorf("Expected newest-first ordering, got %s..%s", got[0].ID, got[2].ID)
		}
	})

	t.Run("filter by client", func(t *testing.T) {
		got, err := log.Query(ctx, Query{ClientID: "client-1"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("Expected 2 events for client-1, got %d", len(got))
		}
	})

	t.Run("filter by type", func(t *testing.T) {
		got, err := log.Query(ctx, Query{Type: EventRateLimitExceeded})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "ev-2" {
			t.Errorf("Expected only ev-2, got %v", got)
		}
	})

	t.Run("time window and limit", func(t *testing.T) {
		got, err := log.Query(ctx, Query{Since: base.Add(30 * time.Second), Limit: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "ev-3" {
			t.Errorf("Expected newest in-window event, got %v", got)
		}
	})

	t.Run("details round trip", func(t *testing.T) {
		got, err := log.Query(ctx, Query{Type: EventPolicyEvaluated, ClientID: "client-1"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(got))
		}
		if got[0].Details["switch_id"] != "sw-1" {
			t.Errorf("Expected details preserved, got %v", got[0].Details)
		}
	})

	t.Run("prune", func(t *testing.T) {
		removed, err := log.Prune(ctx, base.Add(90*time.Second))
		if err != nil {
			t.Fatalf("Prune failed: %v", err)
		}
		if removed != 2 {
			t.Errorf("Expected 2 pruned, got %d", removed)
		}
		got, _ := log.Query(ctx, Query{})
		if len(got) != 1 || got[0].ID != "ev-3" {
			t.Errorf("Expected only ev-3 to survive, got %v", got)
		}
	})
}

func TestMemoryLog(t *testing.T) {
	log := NewMemoryLog(0)
	defer log.Close()
	logUnderTest(t, log)
}

func TestSQLiteLog(t *testing.T) {
	log, err := NewSQLiteLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLog failed: %v", err)
	}
	defer log.Close()
	logUnderTest(t, log)
}

func TestMemoryLog_CapacityBound(t *testing.T) {
	log := NewMemoryLog(3)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := sampleEvent(string(rune('a'+i)), EventPolicyEvaluated, "client-1", base.Add(time.Duration(i)*time.Second))
		if err := log.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	got, _ := log.Query(ctx, Query{})
	if len(got) != 3 {
		t.Fatalf("Expected capacity to hold, got %d events", len(got))
	}
	if got[0].ID != "e" || got[2].ID != "c" {
		t.Errorf("Expected oldest events dropped, got %s..%s", got[0].ID, got[2].ID)
	}
}

func TestRetention_RunOnce(t *testing.T) {
	log := NewMemoryLog(0)
	ctx := context.Background()

	old := sampleEvent("old", EventPolicyEvaluated, "client-1", time.Now().Add(-48*time.Hour))
	fresh := sampleEvent("fresh", EventPolicyEvaluated, "client-1", time.Now())
	log.Emit(ctx, old)
	log.Emit(ctx, fresh)

	ret, err := NewRetention(log, RetentionConfig{Keep: 24 * time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewRetention failed: %v", err)
	}

	removed, err := ret.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	got, _ := log.Query(ctx, Query{})
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("Expected only the fresh event to survive, got %v", got)
	}
}

func TestRetention_InvalidSchedule(t *testing.T) {
	if _, err := NewRetention(NewMemoryLog(0), RetentionConfig{Schedule: "not a cron"}, nil); err == nil {
		t.Error("Expected invalid schedule rejected")
	}
}
