// Package agent is the agent-side half of asynchronous approval: it submits
// requests, queues the ones that wait for a human and polls the store until
// each is approved, denied or revoked.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ppiankov/ward/internal/decision"
)

// DefaultPollInterval is used when Options leave PollInterval unset.
const DefaultPollInterval = 2 * time.Second

// Status is how a queued request ended.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDenied   Status = "denied"
	StatusRevoked  Status = "revoked"
	StatusExecuted Status = "executed"
	StatusError    Status = "error"
)

// Store answers the questions the poller asks about a decision.
type Store interface {
	IsDecisionDenied(ctx context.Context, decisionID string) (bool, error)
	CheckDecisionApproved(ctx context.Context, decisionID string) (string, error)
	IsLeaseRevoked(ctx context.Context, leaseID string) (bool, error)
}

// Requester is the authority an agent asks before acting.
type Requester interface {
	Request(ctx context.Context, agentID, action string, attrs map[string]any) (decision.Decision, error)
}

// ExecuteFunc performs an approved action under the given lease.
type ExecuteFunc func(ctx context.Context, action string, args map[string]any, leaseID string) (any, error)

// Pending is a request waiting for a human.
type Pending struct {
	DecisionID   string         `json:"decision_id"`
	Action       string         `json:"action"`
	Args         map[string]any `json:"args"`
	RequestedAt  time.Time      `json:"requested_at"`
	CallbackData map[string]any `json:"callback_data"`
}

// Result is a resolved request.
type Result struct {
	Pending
	Status  Status `json:"status"`
	LeaseID string `json:"lease_id,omitempty"`
	Result  any    `json:"result"`
}

// Options configure a Poller.
type Options struct {
	// PollInterval is the wait between store checks.
	PollInterval time.Duration
	// Timeout bounds PollUntilResolved. Zero waits until the context ends.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Poller holds the pending approvals of one agent. Safe for concurrent use.
type Poller struct {
	agentID  string
	store    Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]Pending
}

// New creates a poller for agentID.
func New(agentID string, store Store, opts Options) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		agentID:  agentID,
		store:    store,
		interval: opts.PollInterval,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "agent", "agent_id", agentID),
		pending:  make(map[string]Pending),
	}
}

// Submit asks the authority for action. An approval runs execute at once; a
// denial is returned as denied; anything needing a human is queued and
// returned as pending.
func (p *Poller) Submit(ctx context.Context, authority Requester, action string, args, callbackData map[string]any, execute ExecuteFunc) (Result, error) {
	d, err := authority.Request(ctx, p.agentID, action, args)
	if err != nil {
		return Result{}, fmt.Errorf("request %s: %w", action, err)
	}
	item := Pending{
		DecisionID:   d.ID,
		Action:       action,
		Args:         args,
		RequestedAt:  d.Timestamp,
		CallbackData: callbackData,
	}
	switch {
	case d.IsApproved():
		return p.execute(ctx, item, d.Lease.ID(), execute), nil
	case d.IsDenied():
		return Result{Pending: item, Status: StatusDenied, Result: d.Reason}, nil
	default:
		p.Add(item.DecisionID, action, args, callbackData)
		return Result{Pending: item, Status: StatusPending, Result: d.Reason}, nil
	}
}

// Add queues a decision that waits for a human.
func (p *Poller) Add(decisionID, action string, args, callbackData map[string]any) {
	if callbackData == nil {
		callbackData = map[string]any{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[decisionID] = Pending{
		DecisionID:   decisionID,
		Action:       action,
		Args:         maps.Clone(args),
		RequestedAt:  time.Now().UTC(),
		CallbackData: callbackData,
	}
}

// Pending returns the queued requests, oldest first.
func (p *Poller) Pending() []Pending {
	p.mu.Lock()
	out := slices.Collect(maps.Values(p.pending))
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b Pending) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out
}

// Len is the number of queued requests.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Check asks the store about every queued request once. Denial is checked
// before approval; an approved lease that was revoked before execution is
// reported as revoked. A request whose lookup fails stays queued and the
// failure is returned alongside the results.
func (p *Poller) Check(ctx context.Context, execute ExecuteFunc) ([]Result, error) {
	var results []Result
	var errs []error
	for _, item := range p.Pending() {
		status, leaseID, err := p.resolve(ctx, item.DecisionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status == StatusPending || !p.remove(item.DecisionID) {
			continue
		}
		switch status {
		case StatusDenied:
			results = append(results, Result{Pending: item, Status: StatusDenied, Result: "Action was denied by human operator"})
		case StatusRevoked:
			results = append(results, Result{Pending: item, Status: StatusRevoked, LeaseID: leaseID, Result: "Action was revoked by human operator"})
		default:
			results = append(results, p.execute(ctx, item, leaseID, execute))
		}
	}
	return results, errors.Join(errs...)
}

// PollUntilResolved checks the queue every poll interval until it is empty,
// the timeout passes or ctx ends. Results gathered so far are returned in
// every case; only a cancelled ctx is an error.
func (p *Poller) PollUntilResolved(ctx context.Context, execute ExecuteFunc) ([]Result, error) {
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var all []Result
	for p.Len() > 0 {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		case <-timeout:
			p.logger.Warn("approval polling timed out", "pending", p.Len(), "timeout", p.timeout)
			return all, nil
		case <-ticker.C:
			results, err := p.Check(ctx, execute)
			if err != nil {
				p.logger.Error("approval check failed", "error", err)
			}
			all = append(all, results...)
		}
	}
	return all, nil
}

func (p *Poller) resolve(ctx context.Context, decisionID string) (Status, string, error) {
	denied, err := p.store.IsDecisionDenied(ctx, decisionID)
	if err != nil {
		return "", "", fmt.Errorf("decision %s: %w", decisionID, err)
	}
	if denied {
		return StatusDenied, "", nil
	}
	leaseID, err := p.store.CheckDecisionApproved(ctx, decisionID)
	if err != nil {
		return "", "", fmt.Errorf("decision %s: %w", decisionID, err)
	}
	if leaseID == "" {
		return StatusPending, "", nil
	}
	revoked, err := p.store.IsLeaseRevoked(ctx, leaseID)
	if err != nil {
		return "", "", fmt.Errorf("lease %s: %w", leaseID, err)
	}
	if revoked {
		return StatusRevoked, leaseID, nil
	}
	return StatusExecuted, leaseID, nil
}

// remove dequeues a decision and reports whether this caller did it, so
// concurrent checks never resolve the same request twice.
func (p *Poller) remove(decisionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[decisionID]; !ok {
		return false
	}
	delete(p.pending, decisionID)
	return true
}

func (p *Poller) execute(ctx context.Context, item Pending, leaseID string, execute ExecuteFunc) Result {
	res := Result{Pending: item, LeaseID: leaseID}
	out, err := execute(ctx, item.Action, item.Args, leaseID)
	if err != nil {
		res.Status = StatusError
		res.Result = fmt.Sprintf("Execution error: %v", err)
		p.logger.Error("execution failed", "decision_id", item.DecisionID, "action", item.Action, "error", err)
		return res
	}
	res.Status = StatusExecuted
	res.Result = out
	p.logger.Info("executed", "decision_id", item.DecisionID, "action", item.Action, "lease_id", leaseID)
	return res
}
