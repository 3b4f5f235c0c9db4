package sim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/policy"
)

const recordedPolicy = `version: 1
policy: recorded
rules:
  - id: allow_reads
    when:
      action: read_
    then:
      outcome: allow
  - id: review_deploys
    when:
      action: deploy_
      env: prod
    then:
      outcome: needs_human
default:
  outcome: deny
`

func compile(t *testing.T, doc string) *policy.Policy {
	t.Helper()
	p, err := policy.Compile([]byte(doc))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

// record evaluates the request with p and shapes the audit entry the
// authority would have written.
func record(p *policy.Policy, agentID, action string, attrs map[string]any) audit.Entry {
	outcome, reason, rule := p.Evaluate(action, attrs)
	ruleName := ""
	if rule != nil {
		ruleName = rule.Name()
	}
	var d decision.Decision
	switch outcome {
	case policy.Allow:
		d = decision.Approve(agentID, action, nil, reason, policy.Constraints{}, p.Name, ruleName)
	case policy.Deny:
		d = decision.Deny(agentID, action, reason, p.Name, ruleName)
	default:
		d = decision.NeedsHumanReview(agentID, action, reason, attrs, p.Name, ruleName)
	}
	return audit.FromDecision(d, audit.Annotations{Context: attrs})
}

func history(t *testing.T) []audit.Entry {
	t.Helper()
	p := compile(t, recordedPolicy)
	return []audit.Entry{
		record(p, "a1", "read_users", nil),
		record(p, "a1", "deploy_api", map[string]any{"env": "prod"}),
		record(p, "a2", "deploy_api", map[string]any{"env": "staging"}),
		audit.FromAction("a1", "read_users", map[string]any{"rows": 3}, audit.Annotations{}),
	}
}

func TestIdenticalPolicyZeroChanges(t *testing.T) {
	r := Simulate(history(t), compile(t, recordedPolicy))
	if r.TotalActions != 3 {
		t.Errorf("expected 3 replayed decisions, got %d", r.TotalActions)
	}
	if len(r.Changes) != 0 {
		t.Errorf("expected no changes, got %+v", r.Changes)
	}
	if !strings.Contains(FormatText(r), "No changes detected") {
		t.Error("expected no-change text")
	}
}

func TestStricterPolicyBlocksReads(t *testing.T) {
	next := strings.Replace(recordedPolicy, "outcome: allow", "outcome: needs_human", 1)
	r := Simulate(history(t), compile(t, next))
	if r.ChangedActions != 1 || r.NewlyBlocked != 1 || r.NewlyAllowed != 0 {
		t.Fatalf("expected 1 newly blocked, got %+v", r)
	}
	d := r.Changes[0]
	if d.Action != "read_users" || d.OldDecision != decision.Approved || d.NewDecision != decision.NeedsHuman {
		t.Errorf("unexpected change %+v", d)
	}
}

func TestLooserPolicyAllowsStaging(t *testing.T) {
	next := strings.Replace(recordedPolicy, "default:\n  outcome: deny", "default:\n  outcome: allow", 1)
	r := Simulate(history(t), compile(t, next))
	if r.NewlyAllowed != 1 {
		t.Fatalf("expected 1 newly allowed, got %+v", r)
	}
	if r.Changes[0].AgentID != "a2" || r.Changes[0].OldDecision != decision.Denied {
		t.Errorf("unexpected change %+v", r.Changes[0])
	}
}

func TestRuleOnlyChangeListed(t *testing.T) {
	next := strings.Replace(recordedPolicy, "id: allow_reads", "id: reads_ok", 1)
	r := Simulate(history(t), compile(t, next))
	if r.ChangedActions != 0 {
		t.Errorf("expected no outcome changes, got %d", r.ChangedActions)
	}
	if len(r.Changes) != 1 || r.Changes[0].OldRule != "allow_reads" || r.Changes[0].NewRule != "reads_ok" {
		t.Fatalf("expected rule rename to be listed, got %+v", r.Changes)
	}
	if !strings.Contains(FormatText(r), "RULE") {
		t.Error("expected RULE label in text output")
	}
}

func TestSimulateFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	l, err := audit.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range history(t) {
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	policyPath := filepath.Join(dir, "next.yaml")
	next := strings.Replace(recordedPolicy, "outcome: allow", "outcome: deny", 1)
	if err := os.WriteFile(policyPath, []byte(next), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := SimulateFile(logPath, policyPath, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalActions != 2 || r.NewlyBlocked != 1 {
		t.Errorf("expected 2 decisions with 1 newly blocked, got %+v", r)
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"policy_path": "`+policyPath+`"`) {
		t.Errorf("expected policy path in JSON, got %s", out)
	}
}

func TestSimulateFileBadPolicy(t *testing.T) {
	if _, err := SimulateFile("nope.jsonl", filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("expected error for missing policy")
	}
}

func TestNormalizeRestoresIntegers(t *testing.T) {
	got := normalize(map[string]any{"replicas": float64(3), "ratio": 0.5, "env": "prod"})
	if got["replicas"] != 3 {
		t.Errorf("expected int 3, got %#v", got["replicas"])
	}
	if got["ratio"] != 0.5 || got["env"] != "prod" {
		t.Errorf("unexpected values %v", got)
	}
}
