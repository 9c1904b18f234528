package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordsDecisions(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollector(Config{}, registry)

	c.RecordDecision("deny", "kill_switch", 2*time.Millisecond)
	c.RecordDecision("deny", "kill_switch", time.Millisecond)
	c.RecordDecision("allow", "", time.Millisecond)

	expected := `
		# HELP gatehouse_decisions_total Total terminal admission decisions
		# TYPE gatehouse_decisions_total counter
		gatehouse_decisions_total{denied_by="",effect="allow"} 1
		gatehouse_decisions_total{denied_by="kill_switch",effect="deny"} 2
	`
	if err := testutil.CollectAndCompare(c.decisionsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected decision counts: %v", err)
	}
}

func TestCollector_StageCounters(t *testing.T) {
	c := NewCollector(Config{Namespace: "test"}, nil)

	c.RecordRateLimitDenial("post-minute")
	c.RecordKillSwitchTrip("platform")
	c.RecordApprovalRequest()

	if got := testutil.ToFloat64(c.rateLimitDenials.WithLabelValues("post-minute")); got != 1 {
		t.Errorf("Expected 1 rate limit denial, got %v", got)
	}
	if got := testutil.ToFloat64(c.killSwitchTrips.WithLabelValues("platform")); got != 1 {
		t.Errorf("Expected 1 kill switch trip, got %v", got)
	}
	if got := testutil.ToFloat64(c.approvalsRequests); got != 1 {
		t.Errorf("Expected 1 approval request, got %v", got)
	}
}
