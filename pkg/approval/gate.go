package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// DefaultTimeout applies when a rule's approval constraint names none.
const DefaultTimeout = 24 * time.Hour

// Request is one approval request awaiting (or past) resolution.
type Request struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	ActorID  string `json:"actor_id"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	RuleID   string `json:"rule_id"`

	// Approvers lists who may resolve the request. Empty means anyone.
	Approvers []string `json:"approvers,omitempty"`

	Status     Status    `json:"status"`
	Comment    string    `json:"comment,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Errors returned by the gate.
var (
	// ErrRequestNotFound is returned when no request exists for an id.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved is returned when resolving a request that is no
	// longer pending.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrNotApprover is returned when the resolver is not in the request's
	// approver list.
	ErrNotApprover = errors.New("actor is not an approver for this request")
)

// Gate decides whether an attempt may proceed, is pending, or needs a new
// approval request.
type Gate interface {
	// Check resolves the approval state for one attempt under one rule.
	// It returns the governing request: an approved unexpired request
	// admits the attempt, an open pending request keeps it pending, and
	// no request at all creates one.
	Check(ctx context.Context, ec *policy.EvaluationContext, r *rule.Rule) (*Request, error)

	// Get returns one request by id.
	Get(ctx context.Context, id string) (*Request, error)

	// Resolve approves or rejects a pending request.
	Resolve(ctx context.Context, id, resolver string, approve bool, comment string) (*Request, error)

	// ListPending returns open requests for a client, oldest first.
	ListPending(ctx context.Context, clientID string) ([]*Request, error)
}

// MemoryGate is an in-process Gate for tests and single-node deployments.
type MemoryGate struct {
	mu       sync.Mutex
	requests map[string]*Request
	open     map[string]string // attempt key -> request id
	logger   *slog.Logger

	now func() time.Time
}

// NewMemoryGate creates an empty in-memory gate.
func NewMemoryGate(logger *slog.Logger) *MemoryGate {
	if logger == nil {
		logger = slog.Default().With("component", "approval")
	}
	return &MemoryGate{
		requests: make(map[string]*Request),
		open:     make(map[string]string),
		logger:   logger,
		now:      time.Now,
	}
}

func (g *MemoryGate) Check(_ context.Context, ec *policy.EvaluationContext, r *rule.Rule) (*Request, error) {
	key := attemptKey(ec, r.ID)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.open[key]; ok {
		req := g.requests[id]
		g.expireLocked(req, now)
		switch req.Status {
		case StatusPending, StatusApproved:
			cp := *req
			return &cp, nil
		default:
			// Rejected or expired requests do not satisfy a new attempt.
			delete(g.open, key)
		}
	}

	constraint := approvalConstraint(r)
	timeout := DefaultTimeout
	if constraint != nil && constraint.Timeout > 0 {
		timeout = constraint.Timeout
	}

	req := &Request{
		ID:        uuid.NewString(),
		ClientID:  ec.ClientID,
		ActorID:   ec.ActorID,
		Action:    ec.Action,
		Resource:  ec.Resource,
		RuleID:    r.ID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	if constraint != nil {
		req.Approvers = append([]string(nil), constraint.Approvers...)
	}

	g.requests[req.ID] = req
	g.open[key] = req.ID

	g.logger.Info("approval request created",
		"request_id", req.ID,
		"client_id", req.ClientID,
		"action", req.Action,
		"rule_id", req.RuleID,
		"expires_at", req.ExpiresAt,
	)

	cp := *req
	return &cp, nil
}

func (g *MemoryGate) Get(_ context.Context, id string) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	g.expireLocked(req, g.now())
	cp := *req
	return &cp, nil
}

func (g *MemoryGate) Resolve(_ context.Context, id, resolver string, approve bool, comment string) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	g.expireLocked(req, g.now())
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, req.Status)
	}
	if len(req.Approvers) > 0 && !contains(req.Approvers, resolver) {
		return nil, fmt.Errorf("%w: %s", ErrNotApprover, resolver)
	}

	if approve {
		req.Status = StatusApproved
	} else {
		req.Status = StatusRejected
	}
	req.ResolvedBy = resolver
	req.ResolvedAt = g.now()
	req.Comment = comment

	g.logger.Info("approval request resolved",
		"request_id", req.ID,
		"status", req.Status,
		"resolved_by", resolver,
	)

	cp := *req
	return &cp, nil
}

func (g *MemoryGate) ListPending(_ context.Context, clientID string) ([]*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []*Request
	for _, req := range g.requests {
		g.expireLocked(req, now)
		if req.Status != StatusPending {
			continue
		}
		if clientID != "" && req.ClientID != clientID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// expireLocked lazily transitions overdue requests. Callers hold g.mu.
// Approved requests expire too: an old approval does not admit a fresh
// attempt indefinitely.
func (g *MemoryGate) expireLocked(req *Request, now time.Time) {
	if req.Status == StatusPending || req.Status == StatusApproved {
		if !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
		}
	}
}

// approvalConstraint digs the approval constraint out of a rule, if any.
func approvalConstraint(r *rule.Rule) *rule.ApprovalConstraint {
	if r.Constraints == nil {
		return nil
	}
	return r.Constraints.RequireApproval
}

// attemptKey identifies one logical attempt for deduplication.
func attemptKey(ec *policy.EvaluationContext, ruleID string) string {
	return ec.ClientID + "\x00" + ec.ActorID + "\x00" + ec.Action + "\x00" + ec.Resource + "\x00" + ruleID
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
