package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/revocation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ward.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingDecision(t *testing.T, s *Store, agentID, action string, at time.Time) DecisionRecord {
	t.Helper()
	d := decision.NeedsHumanReview(agentID, action, "Production change", map[string]any{"env": "production"}, "default", "production_deploy")
	d.Timestamp = at
	rec := DecisionRecordFrom(d, []string{"rollback_plan"})
	if err := s.RecordDecision(context.Background(), rec); err != nil {
		t.Fatalf("record decision: %v", err)
	}
	return rec
}

func testLease(t *testing.T, agentID string, ttl time.Duration) *lease.Lease {
	t.Helper()
	l, err := lease.New(lease.Params{
		AgentID:        agentID,
		AllowedActions: []string{"deploy_prod"},
		ExpiresAt:      time.Now().Add(ttl),
		MaxSteps:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ward.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	pendingDecision(t, s1, "agent-1", "deploy_prod", time.Now())
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	c, err := s2.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.Decisions != 1 {
		t.Errorf("expected 1 decision after reopen, got %d", c.Decisions)
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := pendingDecision(t, s, "agent-1", "deploy_prod", time.Now())

	got, err := s.GetDecision(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != decision.NeedsHuman || got.Action != "deploy_prod" {
		t.Errorf("unexpected decision %+v", got)
	}
	if got.Context["env"] != "production" {
		t.Errorf("expected context kept, got %v", got.Context)
	}
	if len(got.KnownUnknowns) != 1 || got.KnownUnknowns[0] != "rollback_plan" {
		t.Errorf("expected known unknowns kept, got %v", got.KnownUnknowns)
	}
	if got.RuleName != "production_deploy" || got.LeaseID != "" {
		t.Errorf("unexpected rule/lease %q/%q", got.RuleName, got.LeaseID)
	}
	if !got.Timestamp.Equal(rec.Timestamp.UTC()) {
		t.Errorf("expected timestamp %s, got %s", rec.Timestamp, got.Timestamp)
	}

	if _, err := s.GetDecision(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateDecision(ctx, "missing", decision.Denied, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestGetDecisionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	pendingDecision(t, s, "agent-a", "deploy_prod", base)
	d := decision.Deny("agent-a", "delete_prod_db", "no", "default", "delete_production")
	d.Timestamp = base.Add(time.Second)
	if err := s.RecordDecision(ctx, DecisionRecordFrom(d, nil)); err != nil {
		t.Fatal(err)
	}
	pendingDecision(t, s, "agent-b", "write_prod", base.Add(2*time.Second))

	all, err := s.GetDecisions(ctx, DecisionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].AgentID != "agent-b" {
		t.Fatalf("expected 3 decisions newest first, got %+v", all)
	}

	byAgent, _ := s.GetDecisions(ctx, DecisionFilter{AgentID: "agent-a"})
	if len(byAgent) != 2 {
		t.Errorf("expected 2 for agent-a, got %d", len(byAgent))
	}
	denied, _ := s.GetDecisions(ctx, DecisionFilter{Outcome: decision.Denied})
	if len(denied) != 1 || denied[0].Action != "delete_prod_db" {
		t.Errorf("expected the denial, got %+v", denied)
	}
	limited, _ := s.GetDecisions(ctx, DecisionFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestCheckDecisionApprovedAndDenied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := pendingDecision(t, s, "agent-1", "deploy_prod", time.Now())

	leaseID, err := s.CheckDecisionApproved(ctx, rec.ID)
	if err != nil || leaseID != "" {
		t.Fatalf("expected pending decision not approved, got %q, %v", leaseID, err)
	}
	denied, err := s.IsDecisionDenied(ctx, rec.ID)
	if err != nil || denied {
		t.Fatalf("expected pending decision not denied, got %v, %v", denied, err)
	}

	if err := s.UpdateDecision(ctx, rec.ID, decision.Approved, "lease-1"); err != nil {
		t.Fatal(err)
	}
	leaseID, err = s.CheckDecisionApproved(ctx, rec.ID)
	if err != nil || leaseID != "lease-1" {
		t.Errorf("expected lease-1, got %q, %v", leaseID, err)
	}

	if _, err := s.CheckDecisionApproved(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovedWithoutLeaseIsNotApproved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := pendingDecision(t, s, "agent-1", "deploy_prod", time.Now())
	if err := s.UpdateDecision(ctx, rec.ID, decision.Approved, ""); err != nil {
		t.Fatal(err)
	}
	leaseID, err := s.CheckDecisionApproved(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if leaseID != "" {
		t.Errorf("expected no lease id, got %q", leaseID)
	}
}

func TestActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RecordAction(ctx, ActionRecord{
		AgentID: "agent-1",
		Action:  "read_logs",
		LeaseID: "lease-1",
		Status:  StatusSuccess,
		Result:  map[string]any{"lines": 10.0},
		Tags:    []string{"read"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("expected generated action id")
	}
	if _, err := s.RecordAction(ctx, ActionRecord{AgentID: "agent-1", Action: "rm", Status: StatusBlocked}); err != nil {
		t.Fatal(err)
	}

	byLease, err := s.GetActions(ctx, ActionFilter{LeaseID: "lease-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byLease) != 1 || byLease[0].Result["lines"] != 10.0 || byLease[0].Tags[0] != "read" {
		t.Errorf("unexpected actions %+v", byLease)
	}
	blocked, _ := s.GetActions(ctx, ActionFilter{Status: StatusBlocked})
	if len(blocked) != 1 || blocked[0].LeaseID != "" {
		t.Errorf("expected one blocked action without lease, got %+v", blocked)
	}
}

func TestRevocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	revoked, err := s.IsLeaseRevoked(ctx, "lease-1")
	if err != nil || revoked {
		t.Fatalf("expected not revoked, got %v, %v", revoked, err)
	}

	r := revocation.NewRecord("lease-1", "agent-1", revocation.ViolatedScope, revocation.ByWatchdog,
		"Action 'rm' not in allowed actions", []string{"v1"}, map[string]any{"violation_type": "action_not_allowed"})
	if err := s.RecordRevocation(ctx, r); err != nil {
		t.Fatal(err)
	}

	revoked, err = s.IsLeaseRevoked(ctx, "lease-1")
	if err != nil || !revoked {
		t.Errorf("expected revoked, got %v, %v", revoked, err)
	}
	got, err := s.GetRevocations(ctx, RevocationFilter{AgentID: "agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 revocation, got %d", len(got))
	}
	if got[0].Reason != revocation.ViolatedScope || got[0].Violations[0] != "v1" || got[0].RevokedBy != "watchdog" {
		t.Errorf("unexpected record %+v", got[0])
	}
}

func TestLeasePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := testLease(t, "agent-1", time.Hour)
	spent := testLease(t, "agent-2", time.Hour)
	if err := spent.RecordStep(); err != nil {
		t.Fatal(err)
	}
	revoked := testLease(t, "agent-3", time.Hour)
	revoked.Revoke("human_override", "human:alice")
	short := testLease(t, "agent-4", time.Minute)

	for _, l := range []*lease.Lease{live, spent, revoked, short} {
		if err := s.SaveLease(ctx, l.Snapshot()); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetLease(ctx, revoked.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked || got.RevokedBy != "human:alice" {
		t.Errorf("expected revoked snapshot, got %+v", got)
	}
	if _, err := s.GetLease(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	active, err := s.ActiveLeases(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active leases, got %d", len(active))
	}

	later, err := s.ActiveLeases(ctx, time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(later) != 1 || later[0].ID != live.ID() {
		t.Errorf("expected only the long lease later, got %+v", later)
	}

	if err := live.RecordStep(); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveLease(ctx, live.Snapshot()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.GetLease(ctx, live.ID())
	if got.StepsTaken != 1 {
		t.Errorf("expected upserted step count 1, got %d", got.StepsTaken)
	}
}

func TestResolveDecisionApprove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := pendingDecision(t, s, "agent-1", "deploy_prod", time.Now())
	l := testLease(t, "agent-1", 5*time.Minute)
	snap := l.Snapshot()

	err := s.ResolveDecision(ctx, Resolution{
		DecisionID: rec.ID,
		Outcome:    decision.Approved,
		Lease:      &snap,
		Action: ActionRecord{
			AgentID: "human:cli",
			Action:  "approve_decision",
			Status:  StatusApproved,
			Tags:    []string{"approval", "human"},
		},
		Approval: HumanApproval{
			RecommendedMaxSteps:        1,
			ActualMaxSteps:             1,
			RecommendedDurationMinutes: 5,
			ActualDurationMinutes:      5,
			Rationale:                  "planned release",
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	leaseID, _ := s.CheckDecisionApproved(ctx, rec.ID)
	if leaseID != l.ID() {
		t.Errorf("expected lease %s, got %q", l.ID(), leaseID)
	}
	if _, err := s.GetLease(ctx, l.ID()); err != nil {
		t.Errorf("expected lease saved: %v", err)
	}
	pending, _ := s.PendingApprovals(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending approvals, got %d", len(pending))
	}
	approvals, _ := s.HumanApprovals(ctx, 0)
	if len(approvals) != 1 || approvals[0].Outcome != decision.Approved || approvals[0].ConstraintsModified {
		t.Errorf("unexpected approvals %+v", approvals)
	}
	if approvals[0].Rationale != "planned release" {
		t.Errorf("expected rationale kept, got %q", approvals[0].Rationale)
	}
	actions, _ := s.GetActions(ctx, ActionFilter{AgentID: "human:cli"})
	if len(actions) != 1 || actions[0].Status != StatusApproved {
		t.Errorf("unexpected actions %+v", actions)
	}

	err = s.ResolveDecision(ctx, Resolution{DecisionID: rec.ID, Outcome: decision.Denied, Action: ActionRecord{AgentID: "human:cli", Action: "deny_decision", Status: StatusDenied}})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending on second resolution, got %v", err)
	}
	if err := s.ResolveDecision(ctx, Resolution{DecisionID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveDecisionRejectsNonPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := decision.Deny("agent-1", "delete_prod_db", "no", "default", "delete_production")
	if err := s.RecordDecision(ctx, DecisionRecordFrom(d, nil)); err != nil {
		t.Fatal(err)
	}
	err := s.ResolveDecision(ctx, Resolution{DecisionID: d.ID, Outcome: decision.Approved})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestResolveDecisionExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := pendingDecision(t, s, "agent-1", "deploy_prod", time.Now())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ResolveDecision(ctx, Resolution{
				DecisionID: rec.ID,
				Outcome:    decision.Denied,
				Action:     ActionRecord{AgentID: "human:cli", Action: "deny_decision", Status: StatusDenied},
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one resolution, got %d", successes)
	}
	approvals, _ := s.HumanApprovals(ctx, 0)
	if len(approvals) != 1 {
		t.Errorf("expected one human approval row, got %d", len(approvals))
	}
}

func TestPendingApprovalsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	older := pendingDecision(t, s, "agent-1", "deploy_prod", base)
	newer := pendingDecision(t, s, "agent-2", "write_prod", base.Add(time.Minute))

	pending, err := s.PendingApprovals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != newer.ID || pending[1].ID != older.ID {
		t.Errorf("expected newest first, got %+v", pending)
	}

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.PendingApprovals != 2 || c.Decisions != 2 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestDecisionSaturation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sat, err := s.DecisionSaturation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sat.Status != SaturationInsufficientData || sat.TotalDecisions != 0 || sat.SaturationScore != 0 {
		t.Errorf("unexpected empty saturation %+v", sat)
	}

	approvals := []HumanApproval{
		// accepted, no questions
		{DecisionID: "d1", Outcome: decision.Approved, RecommendedMaxSteps: 1, ActualMaxSteps: 1, RecommendedDurationMinutes: 5, ActualDurationMinutes: 5},
		// modified, question resolved
		{DecisionID: "d2", Outcome: decision.Approved, RecommendedMaxSteps: 1, ActualMaxSteps: 3, RecommendedDurationMinutes: 5, ActualDurationMinutes: 5,
			MissingInfoQuestions: []string{"rollback?"}, MissingInfoResolved: []string{"rollback?"}},
		// accepted, question unresolved
		{DecisionID: "d3", Outcome: decision.Denied,
			MissingInfoQuestions: []string{"owner?"}},
		// accepted
		{DecisionID: "d4", Outcome: decision.Approved, RecommendedMaxSteps: 10, ActualMaxSteps: 10},
	}
	for _, a := range approvals {
		if _, err := s.RecordHumanApproval(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	sat, err = s.DecisionSaturation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sat.TotalDecisions != 4 {
		t.Errorf("expected 4 decisions, got %d", sat.TotalDecisions)
	}
	if sat.ConstraintsAcceptanceRate != 0.75 {
		t.Errorf("expected acceptance 0.75, got %f", sat.ConstraintsAcceptanceRate)
	}
	if sat.MissingInfoResolutionRate != 0.5 {
		t.Errorf("expected resolution 0.5, got %f", sat.MissingInfoResolutionRate)
	}
	if sat.SaturationScore != 0.625 {
		t.Errorf("expected score 0.625, got %f", sat.SaturationScore)
	}
	if sat.Ready || sat.Status != SaturationCollecting {
		t.Errorf("expected collecting_data, got %+v", sat)
	}
}

func TestDecisionSaturationReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < TargetDecisions; i++ {
		a := HumanApproval{DecisionID: fmt.Sprintf("d%d", i), Outcome: decision.Approved, RecommendedMaxSteps: 1, ActualMaxSteps: 1}
		if _, err := s.RecordHumanApproval(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	sat, err := s.DecisionSaturation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sat.Ready || sat.Status != SaturationReady || sat.SaturationScore != 1.0 {
		t.Errorf("expected ready, got %+v", sat)
	}
}

func TestDecisionIntel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"risk_level":"high"}`)

	if err := s.StoreDecisionIntel(ctx, IntelRecord{DecisionID: "d1", Payload: payload, Generator: "rules"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDecisionIntel(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != string(payload) || got.Generator != "rules" || got.Model != "" {
		t.Errorf("unexpected intel %+v", got)
	}

	// replace
	if err := s.StoreDecisionIntel(ctx, IntelRecord{DecisionID: "d1", Payload: json.RawMessage(`{}`), Generator: "rules"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetDecisionIntel(ctx, "d1")
	if string(got.Payload) != "{}" {
		t.Errorf("expected replaced payload, got %s", got.Payload)
	}

	if _, err := s.GetDecisionIntel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
