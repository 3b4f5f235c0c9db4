package revocation

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/ward/internal/watchdog"
)

// Reason explains why authority was withdrawn.
type Reason string

const (
	ViolatedScope     Reason = "violated_scope"
	ExceededAuthority Reason = "exceeded_authority"
	SuspiciousPattern Reason = "suspicious_pattern"
	HumanOverride     Reason = "human_override"
	PolicyChanged     Reason = "policy_changed"
	EmergencyStop     Reason = "emergency_stop"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ViolatedScope, ExceededAuthority, SuspiciousPattern, HumanOverride, PolicyChanged, EmergencyStop:
		return true
	}
	return false
}

// Revokers recorded in RevokedBy.
const (
	ByWatchdog = "watchdog"
	BySystem   = "system"
)

// ByHuman returns the revoked_by value for a person.
func ByHuman(id string) string {
	return "human:" + id
}

// ReasonForViolation maps a watchdog detection onto a revocation reason.
func ReasonForViolation(t watchdog.ViolationType) Reason {
	switch t {
	case watchdog.ScopeViolation, watchdog.ActionNotAllowed:
		return ViolatedScope
	case watchdog.SuspiciousSequence:
		return SuspiciousPattern
	default:
		return ExceededAuthority
	}
}

// Record is the immutable account of one lease revocation.
type Record struct {
	ID          string         `json:"record_id"`
	LeaseID     string         `json:"lease_id"`
	AgentID     string         `json:"agent_id"`
	Reason      Reason         `json:"reason"`
	Timestamp   time.Time      `json:"timestamp"`
	RevokedBy   string         `json:"revoked_by"`
	Description string         `json:"description"`
	Violations  []string       `json:"violations"`
	Context     map[string]any `json:"context"`
}

// NewRecord returns a record with a fresh id and UTC timestamp.
func NewRecord(leaseID, agentID string, reason Reason, revokedBy, description string, violations []string, context map[string]any) *Record {
	if violations == nil {
		violations = []string{}
	}
	if context == nil {
		context = map[string]any{}
	}
	return &Record{
		ID:          uuid.NewString(),
		LeaseID:     leaseID,
		AgentID:     agentID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
		RevokedBy:   revokedBy,
		Description: description,
		Violations:  append([]string(nil), violations...),
		Context:     context,
	}
}

// FromViolations builds the watchdog's record for auto-revoking violations.
// The reason comes from the first violation.
func FromViolations(leaseID, agentID string, violations []watchdog.Violation) *Record {
	ids := make([]string, 0, len(violations))
	for _, v := range violations {
		ids = append(ids, v.ID)
	}
	reason := ExceededAuthority
	description := "Revoked by watchdog"
	var ctx map[string]any
	if len(violations) > 0 {
		reason = ReasonForViolation(violations[0].Type)
		description = violations[0].Description
		ctx = map[string]any{"violation_type": string(violations[0].Type)}
	}
	return NewRecord(leaseID, agentID, reason, ByWatchdog, description, ids, ctx)
}

// Log is an append-only list of revocation records. It is not safe for
// concurrent use.
type Log struct {
	records []*Record
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a record.
func (l *Log) Append(r *Record) {
	l.records = append(l.records, r)
}

// Len returns the number of records.
func (l *Log) Len() int {
	return len(l.records)
}

func (l *Log) filter(keep func(*Record) bool) []*Record {
	var out []*Record
	for _, r := range l.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (l *Log) ForAgent(agentID string) []*Record {
	return l.filter(func(r *Record) bool { return r.AgentID == agentID })
}

func (l *Log) ForLease(leaseID string) []*Record {
	return l.filter(func(r *Record) bool { return r.LeaseID == leaseID })
}

func (l *Log) ByReason(reason Reason) []*Record {
	return l.filter(func(r *Record) bool { return r.Reason == reason })
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(limit int) []*Record {
	out := append([]*Record(nil), l.records...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Counts returns the number of records per reason.
func (l *Log) Counts() map[Reason]int {
	counts := make(map[Reason]int)
	for _, r := range l.records {
		counts[r.Reason]++
	}
	return counts
}

// MarshalJSON encodes the log as an array of records.
func (l *Log) MarshalJSON() ([]byte, error) {
	if l.records == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.records)
}
