package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/intel"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/revocation"
	"github.com/ppiankov/ward/internal/store"
)

// Human resolution defaults, used when no report recommends otherwise.
const (
	DefaultApprovalSteps   = 1
	DefaultApprovalMinutes = 5

	defaultDenyComment      = "Denied by human operator"
	defaultBatchDenyComment = "Batch denial by human operator"
	defaultBatchRationale   = "Batch approval"
)

// Recommendation is what the service suggests for approving a decision.
type Recommendation struct {
	MaxSteps          int      `json:"max_steps"`
	DurationMinutes   int      `json:"duration_minutes"`
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty"`
	// MissingInfo lists the open questions of the report, if any.
	MissingInfo []string `json:"missing_info"`
	// FromReport is set when the limits came from a decision intelligence report.
	FromReport bool `json:"from_report"`
}

// ApproveOptions override the recommendation. Zero values keep it.
type ApproveOptions struct {
	MaxSteps        int
	DurationMinutes int
	Rationale       string
	Operator        string
	// Batch marks approvals made in bulk; they use the fixed defaults and
	// record no open questions.
	Batch bool
}

// DenyOptions describe a human denial.
type DenyOptions struct {
	Comment  string
	Operator string
	Batch    bool
}

// Recommend returns the suggested limits for a pending decision. Report
// limits are used only while intelligence is enabled; open questions are
// always returned when a report exists.
func (s *Service) Recommend(ctx context.Context, decisionID string) (Recommendation, error) {
	rec := Recommendation{
		MaxSteps:        DefaultApprovalSteps,
		DurationMinutes: DefaultApprovalMinutes,
		MissingInfo:     []string{},
	}
	if s.store == nil {
		return rec, nil
	}
	stored, err := s.store.GetDecisionIntel(ctx, decisionID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	var report intel.Report
	if err := json.Unmarshal(stored.Payload, &report); err != nil {
		return rec, fmt.Errorf("decode report for %s: %w", decisionID, err)
	}
	rec.MissingInfo = report.MissingFields()
	if c := report.RecommendedConstraints; c != nil && s.intel != nil {
		if c.MaxSteps > 0 {
			rec.MaxSteps = c.MaxSteps
		}
		if m := c.DurationMinutes(); m > 0 {
			rec.DurationMinutes = m
		}
		rec.ForbiddenPatterns = c.ForbiddenPatterns
		rec.FromReport = true
	}
	return rec, nil
}

// Approve resolves a pending decision by issuing a lease. It fails with
// ErrDecisionNotPending if the decision was already resolved or never
// needed a human.
func (s *Service) Approve(ctx context.Context, decisionID string, opts ApproveOptions) (l *lease.Lease, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Approve", trace.WithAttributes(
		attribute.String("ward.decision_id", decisionID),
	))
	defer func() { endSpan(span, err) }()

	rec, err := s.pending(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	recommended := Recommendation{
		MaxSteps:        DefaultApprovalSteps,
		DurationMinutes: DefaultApprovalMinutes,
		MissingInfo:     []string{},
	}
	rationale := opts.Rationale
	if opts.Batch {
		if rationale == "" {
			rationale = defaultBatchRationale
		}
	} else if recommended, err = s.Recommend(ctx, decisionID); err != nil {
		return nil, err
	}

	steps := recommended.MaxSteps
	if opts.MaxSteps > 0 {
		steps = opts.MaxSteps
	}
	minutes := recommended.DurationMinutes
	if opts.DurationMinutes > 0 {
		minutes = opts.DurationMinutes
	}

	l, err = lease.New(lease.Params{
		AgentID:        rec.AgentID,
		AllowedActions: []string{rec.Action},
		ExpiresAt:      time.Now().UTC().Add(time.Duration(minutes) * time.Minute),
		MaxSteps:       steps,
		Scope:          rec.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("issue lease: %w", err)
	}

	operator := revocation.ByHuman(operatorOrDefault(opts.Operator))
	tags := []string{"approval", "human"}
	if opts.Batch {
		tags = append(tags, "batch")
	}
	result := map[string]any{
		"decision_id": decisionID,
		"lease_id":    l.ID(),
		"max_steps":   steps,
		"expires_at":  l.ExpiresAt().Format(time.RFC3339),
	}
	snap := l.Snapshot()
	err = s.store.ResolveDecision(ctx, store.Resolution{
		DecisionID: decisionID,
		Outcome:    decision.Approved,
		Lease:      &snap,
		Action: store.ActionRecord{
			AgentID: operator,
			Action:  "approve_decision",
			LeaseID: l.ID(),
			Status:  store.StatusApproved,
			Result:  result,
			Context: decisionContext(rec),
			Tags:    tags,
		},
		Approval: store.HumanApproval{
			RecommendedMaxSteps:        recommended.MaxSteps,
			ActualMaxSteps:             steps,
			RecommendedDurationMinutes: recommended.DurationMinutes,
			ActualDurationMinutes:      minutes,
			MissingInfoQuestions:       recommended.MissingInfo,
			MissingInfoResolved:        []string{},
			Rationale:                  rationale,
		},
	})
	if err != nil {
		return nil, notPending(decisionID, err)
	}

	s.track(l)
	s.recordAudit(audit.FromAction(operator, "approve_decision", result, audit.Annotations{
		Context: decisionContext(rec),
		Tags:    tags,
	}))
	s.metrics.LeaseIssued()
	s.logger.Info("decision approved",
		"decision_id", decisionID,
		"lease_id", l.ID(),
		"max_steps", steps,
		"duration_minutes", minutes,
		"operator", operator,
	)
	return l, nil
}

// Deny resolves a pending decision as denied.
func (s *Service) Deny(ctx context.Context, decisionID string, opts DenyOptions) (err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Deny", trace.WithAttributes(
		attribute.String("ward.decision_id", decisionID),
	))
	defer func() { endSpan(span, err) }()

	rec, err := s.pending(ctx, decisionID)
	if err != nil {
		return err
	}
	recommended, err := s.Recommend(ctx, decisionID)
	if err != nil {
		return err
	}

	reason := opts.Comment
	if reason == "" {
		reason = defaultDenyComment
		if opts.Batch {
			reason = defaultBatchDenyComment
		}
	}
	operator := revocation.ByHuman(operatorOrDefault(opts.Operator))
	tags := []string{"denial", "human"}
	if opts.Batch {
		tags = append(tags, "batch")
	}
	result := map[string]any{"decision_id": decisionID, "reason": reason}

	err = s.store.ResolveDecision(ctx, store.Resolution{
		DecisionID: decisionID,
		Outcome:    decision.Denied,
		Action: store.ActionRecord{
			AgentID: operator,
			Action:  "deny_decision",
			Status:  store.StatusDenied,
			Result:  result,
			Context: decisionContext(rec),
			Tags:    tags,
		},
		Approval: store.HumanApproval{
			MissingInfoQuestions: recommended.MissingInfo,
			MissingInfoResolved:  []string{},
			Rationale:            opts.Comment,
		},
	})
	if err != nil {
		return notPending(decisionID, err)
	}

	s.recordAudit(audit.FromAction(operator, "deny_decision", result, audit.Annotations{
		Context: decisionContext(rec),
		Tags:    tags,
	}))
	s.logger.Info("decision denied", "decision_id", decisionID, "operator", operator)
	return nil
}

// pending loads a decision and checks that it still waits for a human.
func (s *Service) pending(ctx context.Context, decisionID string) (store.DecisionRecord, error) {
	if s.store == nil {
		return store.DecisionRecord{}, ErrNoStore
	}
	rec, err := s.store.GetDecision(ctx, decisionID)
	if err != nil {
		return store.DecisionRecord{}, err
	}
	if rec.Outcome != decision.NeedsHuman {
		return store.DecisionRecord{}, fmt.Errorf("decision %s is %s: %w", decisionID, rec.Outcome, ErrDecisionNotPending)
	}
	return rec, nil
}

func notPending(decisionID string, err error) error {
	if errors.Is(err, store.ErrNotPending) {
		return fmt.Errorf("decision %s: %w", decisionID, ErrDecisionNotPending)
	}
	return err
}

func decisionContext(rec store.DecisionRecord) map[string]any {
	return map[string]any{
		"decision_id":      rec.ID,
		"agent_id":         rec.AgentID,
		"requested_action": rec.Action,
	}
}

func operatorOrDefault(id string) string {
	if id == "" {
		return DefaultOperator
	}
	return id
}
