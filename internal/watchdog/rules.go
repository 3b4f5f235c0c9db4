package watchdog

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/ward/internal/lease"
)

// DefaultRules returns the built-in checks: expired lease usage and
// out-of-scope actions revoke, step overruns are advisory.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "expired_lease_check",
			Check:       CheckFunc(checkExpiredUsage),
			Severity:    SeverityHigh,
			AutoRevoke:  true,
			Description: "Detect usage of expired leases",
		},
		{
			Name:        "scope_violation_check",
			Check:       CheckFunc(checkScope),
			Severity:    SeverityHigh,
			AutoRevoke:  true,
			Description: "Detect actions outside lease scope",
		},
		{
			Name:        "rate_limit_check",
			Check:       CheckFunc(checkRateLimit),
			Severity:    SeverityMedium,
			AutoRevoke:  false,
			Description: "Detect excessive action rates",
		},
	}
}

func checkExpiredUsage(l *lease.Lease, _ map[string]any) *Violation {
	now := time.Now().UTC()
	if l.IsValidAt(now) || now.Before(l.ExpiresAt()) {
		return nil
	}
	return NewViolation(ExpiredLeaseUsage, l.ID(), l.AgentID(),
		"Attempted to use expired lease", SeverityHigh,
		map[string]any{"expires_at": l.ExpiresAt().Format(time.RFC3339)})
}

func checkScope(l *lease.Lease, context map[string]any) *Violation {
	action, _ := context["action"].(string)
	if action == "" || l.Allows(action) {
		return nil
	}
	return NewViolation(ActionNotAllowed, l.ID(), l.AgentID(),
		fmt.Sprintf("Action '%s' not in allowed actions", action), SeverityHigh,
		map[string]any{
			"attempted_action": action,
			"allowed_actions":  l.AllowedActions(),
		})
}

// checkRateLimit fires when steps exceed the cap by more than 10%. Steps
// cannot pass the cap through RecordStep, so this only catches leases
// whose counters were advanced elsewhere, such as a restored snapshot.
func checkRateLimit(l *lease.Lease, _ map[string]any) *Violation {
	limit := l.MaxSteps()
	if limit <= 0 || float64(l.StepsTaken()) <= float64(limit)*1.1 {
		return nil
	}
	return NewViolation(RateLimitExceeded, l.ID(), l.AgentID(),
		"Exceeded step limit by >10%", SeverityMedium,
		map[string]any{
			"max_steps":   limit,
			"steps_taken": l.StepsTaken(),
		})
}

// HistorySource supplies the recorded actions of a lease.
type HistorySource interface {
	ActionHistory(leaseID string) []ActionRecord
}

// SuspiciousSequenceRule flags a lease whose recorded actions end with any
// of the given sequences, e.g. read_credentials followed by http_post.
func SuspiciousSequenceRule(history HistorySource, sequences [][]string, severity Severity, autoRevoke bool) Rule {
	check := func(l *lease.Lease, _ map[string]any) *Violation {
		recorded := history.ActionHistory(l.ID())
		actions := make([]string, len(recorded))
		for i, r := range recorded {
			actions[i] = r.Action
		}
		for _, seq := range sequences {
			if len(seq) == 0 || !hasSuffix(actions, seq) {
				continue
			}
			return NewViolation(SuspiciousSequence, l.ID(), l.AgentID(),
				fmt.Sprintf("Suspicious action sequence: %s", strings.Join(seq, " -> ")), severity,
				map[string]any{"sequence": append([]string(nil), seq...)})
		}
		return nil
	}
	return Rule{
		Name:        "suspicious_sequence_check",
		Check:       CheckFunc(check),
		Severity:    severity,
		AutoRevoke:  autoRevoke,
		Description: "Detect known-dangerous action sequences",
	}
}

func hasSuffix(actions, seq []string) bool {
	if len(seq) > len(actions) {
		return false
	}
	tail := actions[len(actions)-len(seq):]
	for i := range seq {
		if tail[i] != seq[i] {
			return false
		}
	}
	return true
}
