package decision

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/policy"
)

func TestFromPolicyOutcome(t *testing.T) {
	tests := []struct {
		in   policy.Outcome
		want Outcome
	}{
		{policy.Allow, Approved},
		{policy.Deny, Denied},
		{policy.NeedsHuman, NeedsHuman},
	}
	for _, tt := range tests {
		if got := FromPolicyOutcome(tt.in); got != tt.want {
			t.Errorf("FromPolicyOutcome(%s): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestApproveRequiresLease(t *testing.T) {
	l, err := lease.New(lease.Params{
		AgentID:        "agent-1",
		AllowedActions: []string{"deploy_staging"},
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	d := Approve("agent-1", "deploy_staging", l, "ok", policy.Constraints{MaxSteps: 2}, "p", "r")
	if !d.IsApproved() {
		t.Error("expected approved decision with lease")
	}
	if d.IsDenied() || d.NeedsHuman() {
		t.Error("expected approval to be neither denied nor pending")
	}
	if d.ID == "" {
		t.Error("expected decision id")
	}

	noLease := Approve("agent-1", "deploy_staging", nil, "ok", policy.Constraints{}, "", "")
	if noLease.IsApproved() {
		t.Error("expected approval without lease not to grant authority")
	}
}

func TestDeny(t *testing.T) {
	d := Deny("agent-1", "delete_database", "Deletions are not allowed", "p", "no_delete")
	if !d.IsDenied() {
		t.Error("expected denied")
	}
	if d.Reason == "" {
		t.Error("expected denial to carry a reason")
	}
	if d.Lease != nil {
		t.Error("expected no lease on denial")
	}
	if d.RuleName != "no_delete" {
		t.Errorf("expected rule no_delete, got %s", d.RuleName)
	}
}

func TestNeedsHumanReviewKeepsContext(t *testing.T) {
	ctx := map[string]any{"env": "production", "command": "kubectl apply"}
	d := NeedsHumanReview("agent-1", "deploy_prod", "review", ctx, "p", "prod")
	if !d.NeedsHuman() {
		t.Error("expected needs_human")
	}
	if d.Context["command"] != "kubectl apply" {
		t.Errorf("expected full context, got %v", d.Context)
	}
	ctx["env"] = "staging"
	if d.Context["env"] != "production" {
		t.Error("expected context to be copied")
	}
}

func TestDecisionJSONEmbedsLease(t *testing.T) {
	l, err := lease.New(lease.Params{
		AgentID:        "agent-1",
		AllowedActions: []string{"read_logs"},
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	d := Approve("agent-1", "read_logs", l, "ok", policy.Constraints{}, "", "")

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["outcome"] != "approved" {
		t.Errorf("expected outcome approved, got %v", out["outcome"])
	}
	embedded, ok := out["lease"].(map[string]any)
	if !ok {
		t.Fatalf("expected embedded lease, got %T", out["lease"])
	}
	if embedded["lease_id"] != l.ID() {
		t.Errorf("expected lease_id %s, got %v", l.ID(), embedded["lease_id"])
	}
}
