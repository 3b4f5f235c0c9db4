package decision

import (
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/policy"
)

// Outcome is the result of an authority request.
type Outcome string

const (
	Approved   Outcome = "approved"
	Denied     Outcome = "denied"
	NeedsHuman Outcome = "needs_human"
)

// FromPolicyOutcome maps a policy verdict onto a decision outcome.
func FromPolicyOutcome(o policy.Outcome) Outcome {
	switch o {
	case policy.Allow:
		return Approved
	case policy.Deny:
		return Denied
	default:
		return NeedsHuman
	}
}

// Decision is what the authority returns for a request. Constructors set
// every field; callers treat the value as immutable.
type Decision struct {
	ID              string             `json:"decision_id"`
	Outcome         Outcome            `json:"outcome"`
	AgentID         string             `json:"agent_id"`
	RequestedAction string             `json:"requested_action"`
	Reason          string             `json:"reason"`
	Timestamp       time.Time          `json:"timestamp"`
	Lease           *lease.Lease       `json:"lease,omitempty"`
	Constraints     policy.Constraints `json:"constraints"`
	Context         map[string]any     `json:"context"`
	PolicyName      string             `json:"policy_name,omitempty"`
	RuleName        string             `json:"rule_name,omitempty"`
}

// IsApproved reports whether the decision grants authority. An approved
// outcome without a lease grants nothing.
func (d Decision) IsApproved() bool {
	return d.Outcome == Approved && d.Lease != nil
}

// IsDenied reports whether the request was refused.
func (d Decision) IsDenied() bool {
	return d.Outcome == Denied
}

// NeedsHuman reports whether a person must decide.
func (d Decision) NeedsHuman() bool {
	return d.Outcome == NeedsHuman
}

// Approve builds an approval carrying the issued lease.
func Approve(agentID, action string, l *lease.Lease, reason string, constraints policy.Constraints, policyName, ruleName string) Decision {
	return Decision{
		ID:              uuid.NewString(),
		Outcome:         Approved,
		AgentID:         agentID,
		RequestedAction: action,
		Reason:          reason,
		Timestamp:       time.Now().UTC(),
		Lease:           l,
		Constraints:     constraints,
		Context:         map[string]any{},
		PolicyName:      policyName,
		RuleName:        ruleName,
	}
}

// Deny builds a refusal.
func Deny(agentID, action, reason, policyName, ruleName string) Decision {
	return Decision{
		ID:              uuid.NewString(),
		Outcome:         Denied,
		AgentID:         agentID,
		RequestedAction: action,
		Reason:          reason,
		Timestamp:       time.Now().UTC(),
		Context:         map[string]any{},
		PolicyName:      policyName,
		RuleName:        ruleName,
	}
}

// NeedsHumanReview builds a decision that waits for a person. The full
// request context is kept so the reviewer sees what the agent saw.
func NeedsHumanReview(agentID, action, reason string, context map[string]any, policyName, ruleName string) Decision {
	ctx := make(map[string]any, len(context))
	for k, v := range context {
		ctx[k] = v
	}
	return Decision{
		ID:              uuid.NewString(),
		Outcome:         NeedsHuman,
		AgentID:         agentID,
		RequestedAction: action,
		Reason:          reason,
		Timestamp:       time.Now().UTC(),
		Context:         ctx,
		PolicyName:      policyName,
		RuleName:        ruleName,
	}
}
