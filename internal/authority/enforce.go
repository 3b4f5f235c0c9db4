package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/revocation"
	"github.com/ppiankov/ward/internal/store"
	"github.com/ppiankov/ward/internal/watchdog"
)

// CheckResult is what a watchdog pass found for a lease.
type CheckResult struct {
	Violations []watchdog.Violation `json:"violations"`
	// Revocation is set when an auto-revoking violation revoked the lease
	// during this check.
	Revocation *revocation.Record `json:"revocation,omitempty"`
}

// RecordStep records that the agent performed action under the lease. The
// action must be granted by a valid lease; a refused step is recorded as
// blocked.
func (s *Service) RecordStep(ctx context.Context, leaseID, action string, result map[string]any) (snap lease.Snapshot, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.RecordStep", trace.WithAttributes(
		attribute.String("ward.lease_id", leaseID),
		attribute.String("ward.action", action),
	))
	defer func() { endSpan(span, err) }()

	t, err := s.acquire(ctx, leaseID)
	if err != nil {
		return lease.Snapshot{}, err
	}
	defer t.mu.Unlock()
	l := t.l

	status := store.StatusSuccess
	if l.IsValid() && !l.CanPerform(action) {
		err = fmt.Errorf("%w: %s on lease %s", ErrActionNotPermitted, action, leaseID)
	} else {
		err = l.RecordStep()
	}
	if err != nil {
		status = store.StatusBlocked
	}
	s.metrics.Step(err == nil)

	if err == nil {
		s.wdMu.Lock()
		s.watchdog.RecordAction(leaseID, action, result)
		s.wdMu.Unlock()
	}

	if s.store != nil {
		if err == nil {
			if serr := s.store.SaveLease(ctx, l.Snapshot()); serr != nil {
				return l.Snapshot(), serr
			}
		}
		rec := store.ActionRecord{
			AgentID: l.AgentID(),
			Action:  action,
			LeaseID: leaseID,
			Status:  status,
			Result:  result,
			Tags:    []string{"step"},
		}
		if err != nil {
			rec.Result = map[string]any{"error": err.Error()}
		}
		if _, serr := s.store.RecordAction(ctx, rec); serr != nil {
			s.logger.Error("action not recorded", "lease_id", leaseID, "error", serr)
		}
	}

	annotated := map[string]any{"lease_id": leaseID, "status": string(status)}
	s.recordAudit(audit.FromAction(l.AgentID(), action, result, audit.Annotations{
		Context: annotated,
		Tags:    []string{"step"},
	}))

	if err != nil {
		s.logger.Warn("step refused", "lease_id", leaseID, "action", action, "error", err)
		return l.Snapshot(), err
	}
	return l.Snapshot(), nil
}

// Check runs the watchdog against a lease. Auto-revoking violations revoke
// the lease once; later checks still report violations but do not revoke
// again.
func (s *Service) Check(ctx context.Context, leaseID string, attrs map[string]any) (res CheckResult, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Check", trace.WithAttributes(
		attribute.String("ward.lease_id", leaseID),
	))
	defer func() { endSpan(span, err) }()

	t, err := s.acquire(ctx, leaseID)
	if err != nil {
		return CheckResult{}, err
	}
	defer t.mu.Unlock()
	l := t.l

	s.wdMu.Lock()
	found := s.watchdog.CheckLease(l, attrs)
	s.wdMu.Unlock()

	res.Violations = found
	var revoking []watchdog.Violation
	for _, v := range found {
		s.metrics.Violation(string(v.Type), string(v.Severity))
		s.recordAudit(audit.FromViolation(v, audit.Annotations{}))
		s.logger.Warn("violation",
			"lease_id", leaseID,
			"type", string(v.Type),
			"severity", string(v.Severity),
			"auto_revoke", v.AutoRevoke,
		)
		if v.AutoRevoke {
			revoking = append(revoking, v)
		}
	}
	span.SetAttributes(attribute.Int("ward.violations", len(found)))

	if len(revoking) == 0 || l.Revoked() {
		return res, nil
	}
	rec := revocation.FromViolations(l.ID(), l.AgentID(), revoking)
	if err := s.revokeLocked(ctx, l, rec); err != nil {
		return res, err
	}
	res.Revocation = rec
	return res, nil
}

// Revoke revokes a lease on behalf of a person.
func (s *Service) Revoke(ctx context.Context, leaseID, operator, comment string) (rec *revocation.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.Revoke", trace.WithAttributes(
		attribute.String("ward.lease_id", leaseID),
	))
	defer func() { endSpan(span, err) }()

	t, err := s.acquire(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()

	if t.l.Revoked() {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrLeaseRevoked)
	}
	if comment == "" {
		comment = "Revoked by human operator"
	}
	rec = revocation.NewRecord(t.l.ID(), t.l.AgentID(), revocation.HumanOverride,
		revocation.ByHuman(operatorOrDefault(operator)), comment, nil, nil)
	if err := s.revokeLocked(ctx, t.l, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// EmergencyStop revokes every active lease.
func (s *Service) EmergencyStop(ctx context.Context, operator, description string) (recs []*revocation.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "authority.EmergencyStop")
	defer func() { endSpan(span, err) }()

	if description == "" {
		description = "Emergency stop"
	}
	revokedBy := revocation.BySystem
	if operator != "" {
		revokedBy = revocation.ByHuman(operator)
	}
	recs, err = s.revokeActive(ctx, revocation.EmergencyStop, revokedBy, description)
	s.logger.Warn("emergency stop", "revoked", len(recs), "revoked_by", revokedBy)
	return recs, err
}

// ReplacePolicy swaps the current policy. Requests already evaluated keep
// their decisions; with RevokeOnPolicyChange set every active lease is
// revoked with POLICY_CHANGED.
func (s *Service) ReplacePolicy(ctx context.Context, p *policy.Policy, hash string) ([]*revocation.Record, error) {
	if p == nil {
		return nil, errors.New("authority: nil policy")
	}
	s.mu.Lock()
	old := s.policyHash
	s.policy = p
	s.policyHash = hash
	s.mu.Unlock()

	s.metrics.PolicyReload(nil)
	s.logger.Info("policy replaced", "policy", p.Name, "hash", hash, "previous_hash", old)

	if !s.revokeOnPolicyChange {
		return nil, nil
	}
	return s.revokeActive(ctx, revocation.PolicyChanged, revocation.BySystem,
		fmt.Sprintf("Policy replaced by %s", p.Name))
}

// revokeActive revokes every lease that is valid now, whether tracked in
// memory or only known to the store.
func (s *Service) revokeActive(ctx context.Context, reason revocation.Reason, revokedBy, description string) ([]*revocation.Record, error) {
	ids := make(map[string]bool)
	for _, t := range s.tracked() {
		t.mu.Lock()
		if t.l.IsValid() {
			ids[t.l.ID()] = true
		}
		t.mu.Unlock()
	}
	if s.store != nil {
		snaps, err := s.store.ActiveLeases(ctx, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			ids[snap.ID] = true
		}
	}

	var recs []*revocation.Record
	var errs []error
	for id := range ids {
		t, err := s.acquire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if t.l.IsValid() {
			rec := revocation.NewRecord(t.l.ID(), t.l.AgentID(), reason, revokedBy, description, nil, nil)
			if err := s.revokeLocked(ctx, t.l, rec); err != nil {
				errs = append(errs, err)
			} else {
				recs = append(recs, rec)
			}
		}
		t.mu.Unlock()
	}
	return recs, errors.Join(errs...)
}

// revokeLocked revokes l and records rec everywhere. The caller holds the
// lease mutex.
func (s *Service) revokeLocked(ctx context.Context, l *lease.Lease, rec *revocation.Record) error {
	l.Revoke(string(rec.Reason), rec.RevokedBy)

	s.wdMu.Lock()
	s.revocations.Append(rec)
	s.wdMu.Unlock()

	if s.store != nil {
		if err := s.store.SaveLease(ctx, l.Snapshot()); err != nil {
			return err
		}
		if err := s.store.RecordRevocation(ctx, rec); err != nil {
			return err
		}
	}

	s.recordAudit(audit.FromRevocation(rec, audit.Annotations{Context: rec.Context}))
	s.metrics.Revocation(string(rec.Reason))
	s.logger.Warn("lease revoked",
		"lease_id", rec.LeaseID,
		"agent_id", rec.AgentID,
		"reason", string(rec.Reason),
		"revoked_by", rec.RevokedBy,
	)
	return nil
}
