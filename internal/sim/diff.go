package sim

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/ward/internal/decision"
)

// DiffEntry represents one recorded decision the candidate policy would
// decide differently.
type DiffEntry struct {
	Timestamp   string           `json:"ts"`
	DecisionID  string           `json:"decision_id"`
	AgentID     string           `json:"agent_id"`
	Action      string           `json:"action"`
	OldDecision decision.Outcome `json:"old_decision"`
	NewDecision decision.Outcome `json:"new_decision"`
	OldReason   string           `json:"old_reason"`
	NewReason   string           `json:"new_reason"`
	OldRule     string           `json:"old_rule,omitempty"`
	NewRule     string           `json:"new_rule,omitempty"`
}

// SimResult holds the complete simulation output. ChangedActions counts
// outcome changes; Changes also lists decisions that only moved to another
// rule.
type SimResult struct {
	PolicyPath     string      `json:"policy_path,omitempty"`
	PolicyName     string      `json:"policy_name"`
	TotalActions   int         `json:"total_actions"`
	ChangedActions int         `json:"changed_actions"`
	NewlyBlocked   int         `json:"newly_blocked"`
	NewlyAllowed   int         `json:"newly_allowed"`
	Changes        []DiffEntry `json:"changes"`
}

// isPermissive returns true for outcomes that let the agent act without a
// human.
func isPermissive(o decision.Outcome) bool {
	return o == decision.Approved
}

// FormatText renders the simulation result as human-readable text.
func FormatText(r *SimResult) string {
	var b strings.Builder

	name := r.PolicyPath
	if name == "" {
		name = r.PolicyName
	}
	fmt.Fprintf(&b, "Simulating %s against %d recorded decisions...\n", name, r.TotalActions)

	if len(r.Changes) == 0 {
		b.WriteString("\nNo changes detected.\n")
		return b.String()
	}

	b.WriteString("\n")
	for _, d := range r.Changes {
		ts := d.Timestamp
		if len(ts) >= 19 {
			ts = ts[11:19]
		}
		action := d.Action
		if len(action) > 32 {
			action = action[:29] + "..."
		}
		label := "CHANGED"
		if d.OldDecision == d.NewDecision {
			label = "RULE"
		}
		fmt.Fprintf(&b, "  %-7s  %s  %-32s %s → %s", label, ts, action, d.OldDecision, d.NewDecision)
		if d.OldRule != d.NewRule {
			fmt.Fprintf(&b, "  [%s → %s]", ruleLabel(d.OldRule), ruleLabel(d.NewRule))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n%d of %d decisions changed.", r.ChangedActions, r.TotalActions)
	if r.NewlyBlocked > 0 || r.NewlyAllowed > 0 {
		fmt.Fprintf(&b, " %d newly blocked, %d newly allowed.", r.NewlyBlocked, r.NewlyAllowed)
	}
	b.WriteString("\n")

	return b.String()
}

func ruleLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// FormatJSON renders the simulation result as JSON.
func FormatJSON(r *SimResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sim result: %w", err)
	}
	return string(data), nil
}
