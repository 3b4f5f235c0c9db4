// Package policydiff compares two compiled policies rule by rule.
package policydiff

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"

	"github.com/ppiankov/ward/internal/policy"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a rule addition, removal, or modification.
type RuleChange struct {
	Type    string   `json:"type"` // "added", "removed", "changed", "moved"
	Rule    string   `json:"rule"`
	Changes []Change `json:"changes,omitempty"`
}

// DiffResult holds the comparison of two policies.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	RuleChanges []RuleChange `json:"rule_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two policies and returns the differences. Rules are matched
// by id. A rule whose position changed is reported as moved since first
// match wins and order alone can change a verdict.
func Diff(old, new *policy.Policy) *DiffResult {
	r := &DiffResult{}

	if old.Name != new.Name {
		r.Changes = append(r.Changes, Change{Field: "policy", Old: old.Name, New: new.Name})
	}
	if old.DefaultOutcome != new.DefaultOutcome {
		r.Changes = append(r.Changes, Change{
			Field:   "default.outcome",
			Old:     string(old.DefaultOutcome),
			New:     string(new.DefaultOutcome),
			Comment: outcomeComment(old.DefaultOutcome, new.DefaultOutcome),
		})
	}
	if old.DefaultReason != new.DefaultReason {
		r.Changes = append(r.Changes, Change{Field: "default.reason", Old: old.DefaultReason, New: new.DefaultReason})
	}

	oldRules, newRules := old.Rules(), new.Rules()
	oldIdx := index(oldRules)
	newIdx := index(newRules)

	for _, nr := range newRules {
		if _, ok := oldIdx[nr.Name()]; !ok {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "added", Rule: nr.Name()})
		}
	}
	for _, or := range oldRules {
		if _, ok := newIdx[or.Name()]; !ok {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "removed", Rule: or.Name()})
		}
	}

	// Relative order among rules present in both versions.
	var oldShared, newShared []string
	for _, or := range oldRules {
		if _, ok := newIdx[or.Name()]; ok {
			oldShared = append(oldShared, or.Name())
		}
	}
	for _, nr := range newRules {
		if _, ok := oldIdx[nr.Name()]; ok {
			newShared = append(newShared, nr.Name())
		}
	}
	for i, name := range oldShared {
		or := oldRules[oldIdx[name]]
		nr := newRules[newIdx[name]]
		if changes := diffRule(or, nr); len(changes) > 0 {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "changed", Rule: name, Changes: changes})
		}
		if newShared[i] != name {
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type: "moved",
				Rule: name,
				Changes: []Change{{
					Field: "position",
					Old:   strconv.Itoa(oldIdx[name] + 1),
					New:   strconv.Itoa(newIdx[name] + 1),
				}},
			})
		}
	}

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0
	return r
}

func index(rules []*policy.Rule) map[string]int {
	m := make(map[string]int, len(rules))
	for i, r := range rules {
		m[r.Name()] = i
	}
	return m
}

func diffRule(old, new *policy.Rule) []Change {
	var out []Change
	if old.ActionPattern() != new.ActionPattern() {
		out = append(out, Change{Field: "action", Old: old.ActionPattern(), New: new.ActionPattern()})
	}
	if old.Outcome() != new.Outcome() {
		out = append(out, Change{
			Field:   "outcome",
			Old:     string(old.Outcome()),
			New:     string(new.Outcome()),
			Comment: outcomeComment(old.Outcome(), new.Outcome()),
		})
	}
	if old.Reason() != new.Reason() {
		out = append(out, Change{Field: "reason", Old: old.Reason(), New: new.Reason()})
	}
	out = appendLimit(out, "max_steps", old.MaxSteps(), new.MaxSteps())
	out = appendLimit(out, "max_duration_minutes", old.MaxDurationMinutes(), new.MaxDurationMinutes())

	os, ns := old.ScopeConstraints(), new.ScopeConstraints()
	keys := slices.Sorted(maps.Keys(os))
	for k := range ns {
		if _, ok := os[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		ov, inOld := os[k]
		nv, inNew := ns[k]
		switch {
		case !inOld:
			out = append(out, Change{Field: "when." + k, New: fmt.Sprint(nv), Comment: "narrower"})
		case !inNew:
			out = append(out, Change{Field: "when." + k, Old: fmt.Sprint(ov), Comment: "broader"})
		case !reflect.DeepEqual(ov, nv):
			out = append(out, Change{Field: "when." + k, Old: fmt.Sprint(ov), New: fmt.Sprint(nv)})
		}
	}
	return out
}

// appendLimit records a lease limit change. Zero means the rule sets no
// limit of its own.
func appendLimit(out []Change, field string, old, new int) []Change {
	if old == new {
		return out
	}
	return append(out, Change{
		Field:   field,
		Old:     limitString(old),
		New:     limitString(new),
		Comment: limitComment(old, new),
	})
}

func limitString(v int) string {
	if v == 0 {
		return "unset"
	}
	return strconv.Itoa(v)
}

func limitComment(old, new int) string {
	switch {
	case old == 0:
		return "stricter"
	case new == 0:
		return "looser"
	case new < old:
		return "stricter"
	default:
		return "looser"
	}
}

func severity(o policy.Outcome) int {
	switch o {
	case policy.Allow:
		return 0
	case policy.NeedsHuman:
		return 1
	default:
		return 2
	}
}

func outcomeComment(old, new policy.Outcome) string {
	switch {
	case severity(new) > severity(old):
		return "stricter"
	case severity(new) < severity(old):
		return "looser"
	default:
		return ""
	}
}
