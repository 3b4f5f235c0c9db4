package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/revocation"
	"github.com/ppiankov/ward/internal/watchdog"
)

func TestFromDecisionCarriesLeaseSnapshot(t *testing.T) {
	l, err := lease.New(lease.Params{
		AgentID:        "agent-1",
		AllowedActions: []string{"deploy_staging"},
		ExpiresAt:      time.Now().Add(time.Hour),
		MaxSteps:       2,
	})
	if err != nil {
		t.Fatal(err)
	}
	d := decision.Approve("agent-1", "deploy_staging", l, "ok", policy.Constraints{MaxSteps: 2}, "p", "staging")

	e := FromDecision(d, Annotations{KnownUnknowns: []string{"rollback_plan"}, Tags: []string{"staging"}})
	if e.Type != EventDecision {
		t.Errorf("expected decision event, got %s", e.Type)
	}
	if e.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", e.AgentID)
	}
	if e.Decision == nil || e.Decision.ID != d.ID {
		t.Fatalf("expected decision record for %s, got %+v", d.ID, e.Decision)
	}
	if e.Decision.Lease == nil || e.Decision.Lease.ID != l.ID() {
		t.Errorf("expected lease snapshot, got %+v", e.Decision.Lease)
	}
	if len(e.KnownUnknowns) != 1 || e.KnownUnknowns[0] != "rollback_plan" {
		t.Errorf("expected known unknowns kept, got %v", e.KnownUnknowns)
	}
	if e.ID == "" || e.Timestamp == "" {
		t.Error("expected entry id and timestamp")
	}
}

func TestFromActionRevocationViolation(t *testing.T) {
	a := FromAction("agent-1", "read_logs", nil, Annotations{})
	if a.Type != EventAction || a.ActionTaken != "read_logs" {
		t.Errorf("unexpected action entry %+v", a)
	}
	if a.ActionResult != nil {
		t.Errorf("expected empty result omitted, got %v", a.ActionResult)
	}
	if a.Tags == nil || a.KnownUnknowns == nil || a.Context == nil {
		t.Error("expected non-nil slices and context")
	}

	r := revocation.NewRecord("lease-1", "agent-1", revocation.HumanOverride, revocation.ByHuman("alice"), "", nil, nil)
	re := FromRevocation(r, Annotations{})
	if re.Type != EventLeaseRevoked || re.Revocation != r {
		t.Errorf("unexpected revocation entry %+v", re)
	}
	if re.Context["lease_id"] != "lease-1" {
		t.Errorf("expected lease_id in context, got %v", re.Context)
	}

	v := watchdog.NewViolation(watchdog.ActionNotAllowed, "lease-2", "agent-2", "nope", watchdog.SeverityHigh, nil)
	ve := FromViolation(*v, Annotations{})
	if ve.Type != EventViolation || ve.AgentID != "agent-2" || ve.Violation.ID != v.ID {
		t.Errorf("unexpected violation entry %+v", ve)
	}
}

func TestAnnotationsAreCopied(t *testing.T) {
	ctx := map[string]any{"env": "staging"}
	e := FromAction("agent-1", "x", nil, Annotations{Context: ctx})
	ctx["env"] = "production"
	if e.Context["env"] != "staging" {
		t.Error("expected context copied into entry")
	}
}

func writeEntries(t *testing.T, entries ...Entry) string {
	t.Helper()
	l, path := newTestLog(t)
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	l.Close()
	return path
}

func TestReadAllAndFilters(t *testing.T) {
	d := decision.Deny("agent-a", "delete_db", "no", "p", "r")
	path := writeEntries(t,
		FromDecision(d, Annotations{KnownUnknowns: []string{"backup_status"}}),
		FromAction("agent-a", "read_logs", nil, Annotations{}),
		FromAction("agent-b", "read_logs", nil, Annotations{KnownUnknowns: []string{"backup_status"}}),
		FromRevocation(revocation.NewRecord("l1", "agent-b", revocation.EmergencyStop, revocation.BySystem, "", nil, nil), Annotations{}),
	)

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[0].Decision == nil || entries[0].Decision.Outcome != decision.Denied {
		t.Errorf("expected decision to round-trip, got %+v", entries[0].Decision)
	}

	if got := len(ForAgent(entries, "agent-a")); got != 2 {
		t.Errorf("expected 2 entries for agent-a, got %d", got)
	}
	if got := len(ByType(entries, EventAction)); got != 2 {
		t.Errorf("expected 2 action entries, got %d", got)
	}
	if got := len(WithUnknown(entries, "backup_status")); got != 2 {
		t.Errorf("expected 2 entries with backup_status, got %d", got)
	}

	recent := Recent(entries, 2)
	if len(recent) != 2 || recent[0].Type != EventLeaseRevoked {
		t.Errorf("expected newest first, got %+v", recent)
	}

	s := Summarize(entries)
	if s.Total != 4 || s.Decisions != 1 || s.Denied != 1 || s.Actions != 2 || s.Revocations != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestSelectTimeRange(t *testing.T) {
	old := FromAction("a", "x", nil, Annotations{})
	old.Timestamp = "2025-01-15T10:00:00.000Z"
	recent := FromAction("a", "y", nil, Annotations{})
	recent.Timestamp = "2025-01-15T12:00:00.000Z"

	from := time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)
	got := Select([]Entry{old, recent}, Filter{From: from})
	if len(got) != 1 || got[0].ActionTaken != "y" {
		t.Errorf("expected only entry after 11:00, got %+v", got)
	}
}

func TestReadAllSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.jsonl")
	os.WriteFile(path, []byte("not json\n{\"entry_id\":\"e1\",\"event_type\":\"action\"}\n"), 0644)

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Errorf("expected 1 well-formed entry, got %+v", entries)
	}
}

func TestFormatTimeline(t *testing.T) {
	d := decision.NeedsHumanReview("agent-a", "deploy_prod", "review", nil, "p", "r")
	out := FormatTimeline([]Entry{
		FromDecision(d, Annotations{}),
		FromAction("agent-a", "read_logs", nil, Annotations{}),
	})
	if !strings.Contains(out, "DECISION") || !strings.Contains(out, "needs_human deploy_prod") {
		t.Errorf("expected decision line, got:\n%s", out)
	}
	if !strings.Contains(out, "Summary: 2 entries | 1 needs_human, 1 actions") {
		t.Errorf("expected summary line, got:\n%s", out)
	}

	if FormatTimeline(nil) != "No audit entries found.\n" {
		t.Error("expected empty message")
	}
}

func TestFormatJSONEmpty(t *testing.T) {
	out, err := FormatJSON(nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "[]" {
		t.Errorf("expected [], got %s", out)
	}
}

func FuzzVerify(f *testing.F) {
	// Seed with a valid 3-entry chain
	tmpDir := f.TempDir()
	validLog := filepath.Join(tmpDir, "valid.jsonl")
	al, err := Open(validLog)
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		al.Record(FromAction("agent-fuzz", "read_logs", nil, Annotations{}))
	}
	al.Close()
	validData, _ := os.ReadFile(validLog)
	f.Add(validData)

	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		tmpFile := filepath.Join(t.TempDir(), "fuzz.jsonl")
		os.WriteFile(tmpFile, data, 0644)

		// Must not panic
		Verify(tmpFile)
	})
}
