// Package sim replays recorded authority decisions against a candidate policy.
package sim

import (
	"fmt"
	"math"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/policy"
)

// SimulateFile replays the decisions in the audit log at logPath against
// the policy at policyPath.
func SimulateFile(logPath, policyPath, agentID string) (*SimResult, error) {
	p, _, err := policy.CompileFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	entries, err := audit.ReadAll(logPath)
	if err != nil {
		return nil, err
	}
	if agentID != "" {
		entries = audit.ForAgent(entries, agentID)
	}
	r := Simulate(entries, p)
	r.PolicyPath = policyPath
	return r, nil
}

// Simulate re-evaluates every decision entry with p and reports the ones
// whose outcome or matched rule would differ. Human resolutions are action
// entries and are not replayed.
func Simulate(entries []audit.Entry, p *policy.Policy) *SimResult {
	result := &SimResult{PolicyName: p.Name}

	for _, e := range audit.ByType(entries, audit.EventDecision) {
		rec := e.Decision
		if rec == nil {
			continue
		}
		result.TotalActions++

		ctx := e.Context
		if len(ctx) == 0 {
			ctx = rec.Context
		}
		outcome, reason, rule := p.Evaluate(rec.RequestedAction, normalize(ctx))
		newOutcome := decision.FromPolicyOutcome(outcome)
		newRule := ""
		if rule != nil {
			newRule = rule.Name()
		}

		if newOutcome == rec.Outcome && newRule == rec.RuleName {
			continue
		}
		result.Changes = append(result.Changes, DiffEntry{
			Timestamp:   e.Timestamp,
			DecisionID:  rec.ID,
			AgentID:     e.AgentID,
			Action:      rec.RequestedAction,
			OldDecision: rec.Outcome,
			NewDecision: newOutcome,
			OldReason:   rec.Reason,
			NewReason:   reason,
			OldRule:     rec.RuleName,
			NewRule:     newRule,
		})
		if newOutcome != rec.Outcome {
			result.ChangedActions++
		}
		if isPermissive(rec.Outcome) && !isPermissive(newOutcome) {
			result.NewlyBlocked++
		}
		if !isPermissive(rec.Outcome) && isPermissive(newOutcome) {
			result.NewlyAllowed++
		}
	}

	return result
}

// normalize restores integers that came back from JSON as float64 so they
// compare equal to the ints the policy compiler produces.
func normalize(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int(f)
		}
		out[k] = v
	}
	return out
}
