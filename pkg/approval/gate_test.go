package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

func approvalCtx() *policy.EvaluationContext {
	return &policy.EvaluationContext{
		Action:    "account.delete",
		Resource:  "account",
		ClientID:  "client-1",
		ActorType: policy.ActorAgent,
		ActorID:   "agent-1",
	}
}

func pendingRule(approvers ...string) *rule.Rule {
	r := &rule.Rule{
		ID:        "require-approval",
		Priority:  100,
		Effect:    policy.EffectPending,
		Actions:   []string{"account.*"},
		Resources: []string{"account"},
		Enabled:   true,
	}
	if len(approvers) > 0 {
		r.Constraints = &rule.Constraints{
			RequireApproval: &rule.ApprovalConstraint{Approvers: approvers, Timeout: time.Hour},
		}
	}
	return r
}

func TestGate_CheckCreatesOnce(t *testing.T) {
	g := NewMemoryGate(nil)
	ctx := context.Background()

	first, err := g.Check(ctx, approvalCtx(), pendingRule())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if first.Status != StatusPending {
		t.Fatalf("Expected pending, got %s", first.Status)
	}

	// The same attempt reuses the open request.
	second, err := g.Check(ctx, approvalCtx(), pendingRule())
	if err != nil {
		t.Fatalf("Second Check failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected deduplicated request, got %s and %s", first.ID, second.ID)
	}

	pending, _ := g.ListPending(ctx, "client-1")
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending request, got %d", len(pending))
	}
}

func TestGate_DistinctAttemptsGetDistinctRequests(t *testing.T) {
	g := NewMemoryGate(nil)
	ctx := context.Background()

	first, _ := g.Check(ctx, approvalCtx(), pendingRule())
	other := approvalCtx()
	other.ActorID = "agent-2"
	second, _ := g.Check(ctx, other, pendingRule())

	if first.ID == second.ID {
		t.Error("Expected different actors to get separate requests")
	}
}

func TestGate_ApprovalAdmitsNextCheck(t *testing.T) {
	g := NewMemoryGate(nil)
	ctx := context.Background()

	req, _ := g.Check(ctx, approvalCtx(), pendingRule())
	if _, err := g.Resolve(ctx, req.ID, "ops@example.com", true, "looks safe"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	again, err := g.Check(ctx, approvalCtx(), pendingRule())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if again.Status != StatusApproved {
		t.Errorf("Expected approved, got %s", again.Status)
	}
	if again.ID != req.ID {
		t.Errorf("Expected the approved request returned, got %s", again.ID)
	}
}

func TestGate_RejectionForcesNewRequest(t *testing.T) {
	g := NewMemoryGate(nil)
	ctx := context.Background()

	req, _ := g.Check(ctx, approvalCtx(), pendingRule())
	if _, err := g.Resolve(ctx, req.ID, "ops@example.com", false, "not during the incident"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	again, err := g.Check(ctx, approvalCtx(), pendingRule())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if again.ID == req.ID {
		t.Error("Expected a fresh request after rejection")
	}
	if again.Status != StatusPending {
		t.Errorf("Expected new request pending, got %s", again.Status)
	}
}

func TestGate_ResolveValidation(t *testing.T) {
	g := NewMemoryGate(nil)
	ctx := context.Background()

	if _, err := g.Resolve(ctx, "missing", "ops", true, ""); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("Expected ErrRequestNotFound, got %v", err)
	}

	req, _ := g.Check(ctx, approvalCtx(), pendingRule("security@example.com"))
	if _, err := g.Resolve(ctx, req.ID, "random@example.com", true, ""); !errors.Is(err, ErrNotApprover) {
		t.Errorf("Expected ErrNotApprover, got %v", err)
	}
	if _, err := g.Resolve(ctx, req.ID, "security@example.com", true, ""); err != nil {
		t.Fatalf("Resolve by listed approver failed: %v", err)
	}
	if _, err := g.Resolve(ctx, req.ID, "security@example.com", false, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}
}

func TestGate_Expiry(t *testing.T) {
	g := NewMemoryGate(nil)
	ctx := context.Background()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }

	req, _ := g.Check(ctx, approvalCtx(), pendingRule("security@example.com"))

	// The rule's one-hour timeout lapses.
	current = current.Add(2 * time.Hour)

	got, err := g.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("Expected expired, got %s", got.Status)
	}

	if _, err := g.Resolve(ctx, req.ID, "security@example.com", true, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved for expired request, got %v", err)
	}

	// A fresh attempt after expiry opens a new request.
	again, _ := g.Check(ctx, approvalCtx(), pendingRule("security@example.com"))
	if again.ID == req.ID {
		t.Error("Expected a new request after expiry")
	}
}
