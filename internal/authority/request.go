package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/intel"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/store"
)

// PendingUnknown is the known unknown recorded on every decision that waits
// for a human.
const PendingUnknown = "human approval pending"

// Request evaluates an action against the current policy. An allow issues
// a lease bounded by the matched rule (or the service defaults); a
// needs_human decision is persisted for a person to resolve.
func (s *Service) Request(ctx context.Context, agentID, action string, attrs map[string]any) (d decision.Decision, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Request", trace.WithAttributes(
		attribute.String("ward.agent_id", agentID),
		attribute.String("ward.action", action),
	))
	defer func() { endSpan(span, err) }()

	if attrs == nil {
		attrs = map[string]any{}
	}
	p, _ := s.Policy()
	outcome, reason, rule := p.Evaluate(action, attrs)
	ruleName := ""
	if rule != nil {
		ruleName = rule.Name()
	}

	var knownUnknowns []string
	switch decision.FromPolicyOutcome(outcome) {
	case decision.Approved:
		constraints := p.ConstraintsFor(action, attrs)
		l, err := s.issueLease(agentID, action, constraints, attrs)
		if err != nil {
			return decision.Decision{}, fmt.Errorf("issue lease: %w", err)
		}
		if s.store != nil {
			if err := s.store.SaveLease(ctx, l.Snapshot()); err != nil {
				return decision.Decision{}, fmt.Errorf("save lease: %w", err)
			}
		}
		d = decision.Approve(agentID, action, l, reason, constraints, p.Name, ruleName)
		s.track(l)
		s.metrics.LeaseIssued()
	case decision.Denied:
		d = decision.Deny(agentID, action, reason, p.Name, ruleName)
	default:
		d = decision.NeedsHumanReview(agentID, action, reason, attrs, p.Name, ruleName)
		knownUnknowns = []string{PendingUnknown}
	}

	if d.NeedsHuman() && s.intel != nil {
		report := s.intel.Generate(d.ID, agentID, action, attrs)
		knownUnknowns = append(knownUnknowns, report.MissingFields()...)
		if err := s.storeReport(ctx, report); err != nil {
			s.logger.Warn("decision intelligence not stored", "decision_id", d.ID, "error", err)
		}
	}

	if s.store != nil {
		rec := store.DecisionRecordFrom(d, knownUnknowns)
		rec.Context = maps.Clone(attrs)
		if err := s.store.RecordDecision(ctx, rec); err != nil {
			return d, err
		}
	}

	s.recordAudit(audit.FromDecision(d, audit.Annotations{
		KnownUnknowns: knownUnknowns,
		Context:       attrs,
	}))
	s.metrics.Decision(string(d.Outcome))
	span.SetAttributes(attribute.String("ward.outcome", string(d.Outcome)))

	s.logger.Info("decision",
		"decision_id", d.ID,
		"agent_id", agentID,
		"action", action,
		"outcome", string(d.Outcome),
		"rule", ruleName,
	)
	return d, nil
}

// issueLease builds the lease for a policy approval. Rule limits win over
// the service defaults; the request context becomes the lease scope.
func (s *Service) issueLease(agentID, action string, c policy.Constraints, scope map[string]any) (*lease.Lease, error) {
	ttl := s.leaseTTL
	if c.MaxDurationMinutes > 0 {
		ttl = time.Duration(c.MaxDurationMinutes) * time.Minute
	}
	steps := s.leaseMaxSteps
	if c.MaxSteps > 0 {
		steps = c.MaxSteps
	}
	return lease.New(lease.Params{
		AgentID:        agentID,
		AllowedActions: []string{action},
		ExpiresAt:      time.Now().UTC().Add(ttl),
		MaxSteps:       steps,
		Scope:          scope,
	})
}

func (s *Service) storeReport(ctx context.Context, report *intel.Report) error {
	if s.store == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return s.store.StoreDecisionIntel(ctx, store.IntelRecord{
		DecisionID:  report.DecisionID,
		Payload:     payload,
		GeneratedAt: report.GeneratedAt,
		Generator:   report.Provenance.Generator,
	})
}
