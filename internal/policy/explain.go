package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Explain renders a compiled rule for humans. It returns false when the
// policy has no rule with that id.
func Explain(p *Policy, ruleID string) (string, bool) {
	r, ok := p.Rule(ruleID)
	if !ok {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rule: %s\n", r.name)
	fmt.Fprintf(&b, "Outcome: %s\n", r.outcome)
	fmt.Fprintf(&b, "Reason: %s\n", r.reason)
	b.WriteString("\nMatches when:\n")
	fmt.Fprintf(&b, "  - Action matches: %s", r.pattern)

	keys := make([]string, 0, len(r.scope))
	for k := range r.scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  - %s = %v", k, r.scope[k])
	}

	if r.maxSteps > 0 || r.maxDuration > 0 {
		b.WriteString("\n\nConstraints:")
		if r.maxSteps > 0 {
			fmt.Fprintf(&b, "\n  - Max steps: %d", r.maxSteps)
		}
		if r.maxDuration > 0 {
			fmt.Fprintf(&b, "\n  - Max duration: %d minutes", r.maxDuration)
		}
	}

	return b.String(), true
}
