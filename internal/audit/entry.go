package audit

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/revocation"
	"github.com/ppiankov/ward/internal/watchdog"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// EventType classifies an audit entry.
type EventType string

const (
	EventDecision     EventType = "decision"
	EventAction       EventType = "action"
	EventLeaseRevoked EventType = "lease_revoked"
	EventViolation    EventType = "violation"
)

// DecisionRecord is the decision as written to the audit log.
type DecisionRecord struct {
	ID              string             `json:"decision_id"`
	Outcome         decision.Outcome   `json:"outcome"`
	RequestedAction string             `json:"requested_action"`
	Reason          string             `json:"reason"`
	Timestamp       time.Time          `json:"timestamp"`
	Lease           *lease.Snapshot    `json:"lease,omitempty"`
	Constraints     policy.Constraints `json:"constraints"`
	Context         map[string]any     `json:"context,omitempty"`
	PolicyName      string             `json:"policy_name,omitempty"`
	RuleName        string             `json:"rule_name,omitempty"`
}

// Entry is one line in the hash-chained JSONL audit log.
type Entry struct {
	ID            string              `json:"entry_id"`
	Timestamp     string              `json:"ts"`
	Type          EventType           `json:"event_type"`
	AgentID       string              `json:"agent_id"`
	Decision      *DecisionRecord     `json:"decision,omitempty"`
	ActionTaken   string              `json:"action_taken,omitempty"`
	ActionResult  map[string]any      `json:"action_result,omitempty"`
	Revocation    *revocation.Record  `json:"revocation,omitempty"`
	Violation     *watchdog.Violation `json:"violation,omitempty"`
	KnownUnknowns []string            `json:"known_unknowns"`
	Context       map[string]any      `json:"context"`
	Tags          []string            `json:"tags"`
	PolicyHash    string              `json:"policy_hash,omitempty"`
	PrevHash      string              `json:"prev_hash"`
}

// Annotations are the optional fields every shaper accepts.
type Annotations struct {
	KnownUnknowns []string
	Context       map[string]any
	Tags          []string
}

func newEntry(typ EventType, agentID string, a Annotations) Entry {
	e := Entry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(TimestampFormat),
		Type:          typ,
		AgentID:       agentID,
		KnownUnknowns: append([]string{}, a.KnownUnknowns...),
		Context:       map[string]any{},
		Tags:          append([]string{}, a.Tags...),
	}
	maps.Copy(e.Context, a.Context)
	return e
}

// FromDecision shapes an entry for an authority decision.
func FromDecision(d decision.Decision, a Annotations) Entry {
	e := newEntry(EventDecision, d.AgentID, a)
	rec := &DecisionRecord{
		ID:              d.ID,
		Outcome:         d.Outcome,
		RequestedAction: d.RequestedAction,
		Reason:          d.Reason,
		Timestamp:       d.Timestamp,
		Constraints:     d.Constraints,
		Context:         d.Context,
		PolicyName:      d.PolicyName,
		RuleName:        d.RuleName,
	}
	if d.Lease != nil {
		s := d.Lease.Snapshot()
		rec.Lease = &s
	}
	e.Decision = rec
	return e
}

// FromAction shapes an entry for an action the agent took.
func FromAction(agentID, action string, result map[string]any, a Annotations) Entry {
	e := newEntry(EventAction, agentID, a)
	e.ActionTaken = action
	if len(result) > 0 {
		e.ActionResult = maps.Clone(result)
	}
	return e
}

// FromRevocation shapes an entry for a lease revocation.
func FromRevocation(r *revocation.Record, a Annotations) Entry {
	e := newEntry(EventLeaseRevoked, r.AgentID, a)
	e.Revocation = r
	if _, ok := e.Context["lease_id"]; !ok {
		e.Context["lease_id"] = r.LeaseID
	}
	return e
}

// FromViolation shapes an entry for a watchdog detection.
func FromViolation(v watchdog.Violation, a Annotations) Entry {
	e := newEntry(EventViolation, v.AgentID, a)
	e.Violation = &v
	if _, ok := e.Context["lease_id"]; !ok {
		e.Context["lease_id"] = v.LeaseID
	}
	return e
}
