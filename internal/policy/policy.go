package policy

import (
	"fmt"
	"maps"
	"reflect"
	"regexp"
)

// Outcome is the verdict a policy produces for an action.
type Outcome string

const (
	Allow      Outcome = "allow"
	Deny       Outcome = "deny"
	NeedsHuman Outcome = "needs_human"
)

// Valid reports whether o is one of the three known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case Allow, Deny, NeedsHuman:
		return true
	}
	return false
}

// DefaultReason is used when no rule matches.
const DefaultReason = "No matching policy rule"

// RuleSpec describes a rule before its pattern is compiled.
type RuleSpec struct {
	Name               string
	ActionPattern      string
	Outcome            Outcome
	Reason             string
	ScopeConstraints   map[string]any
	MaxDurationMinutes int
	MaxSteps           int
}

// Rule is a compiled policy rule. It is immutable after NewRule.
type Rule struct {
	name        string
	pattern     string
	re          *regexp.Regexp
	outcome     Outcome
	reason      string
	scope       map[string]any
	maxDuration int
	maxSteps    int
}

// NewRule compiles the action pattern once. The pattern is anchored at the
// start of the action name only, so "deploy" matches "deploy_staging".
func NewRule(s RuleSpec) (*Rule, error) {
	if !s.Outcome.Valid() {
		return nil, fmt.Errorf("rule %q: invalid outcome %q", s.Name, s.Outcome)
	}
	if s.MaxDurationMinutes < 0 || s.MaxSteps < 0 {
		return nil, fmt.Errorf("rule %q: constraints must be positive", s.Name)
	}
	re, err := regexp.Compile(`^(?:` + s.ActionPattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("rule %q: invalid action pattern: %w", s.Name, err)
	}
	return &Rule{
		name:        s.Name,
		pattern:     s.ActionPattern,
		re:          re,
		outcome:     s.Outcome,
		reason:      s.Reason,
		scope:       maps.Clone(s.ScopeConstraints),
		maxDuration: s.MaxDurationMinutes,
		maxSteps:    s.MaxSteps,
	}, nil
}

func mustRule(s RuleSpec) *Rule {
	r, err := NewRule(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) Name() string { return r.name }
func (r *Rule) ActionPattern() string { return r.pattern }
func (r *Rule) Outcome() Outcome { return r.outcome }
func (r *Rule) Reason() string { return r.reason }
func (r *Rule) MaxDurationMinutes() int { return r.maxDuration }
func (r *Rule) MaxSteps() int { return r.maxSteps }

// ScopeConstraints returns a copy of the exact-equality context constraints.
func (r *Rule) ScopeConstraints() map[string]any {
	if r.scope == nil {
		return map[string]any{}
	}
	return maps.Clone(r.scope)
}

// Matches reports whether the rule applies to action in context.
// Every constraint must equal the context value exactly; a key absent from
// the context only equals an expected nil.
func (r *Rule) Matches(action string, context map[string]any) bool {
	if !r.re.MatchString(action) {
		return false
	}
	for key, want := range r.scope {
		got := context[key]
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Constraints are the limits a matched rule places on the issued lease.
// Zero values mean unset.
type Constraints struct {
	MaxDurationMinutes int            `json:"max_duration_minutes,omitempty"`
	MaxSteps           int            `json:"max_steps,omitempty"`
	Scope              map[string]any `json:"scope,omitempty"`
}

// Policy is an ordered list of rules with a default verdict.
type Policy struct {
	Name           string
	rules          []*Rule
	DefaultOutcome Outcome
	DefaultReason  string
}

// New builds a policy. A zero default outcome means deny.
func New(name string, rules []*Rule, defaultOutcome Outcome, defaultReason string) *Policy {
	if defaultOutcome == "" {
		defaultOutcome = Deny
	}
	if defaultReason == "" {
		defaultReason = DefaultReason
	}
	return &Policy{
		Name:           name,
		rules:          append([]*Rule(nil), rules...),
		DefaultOutcome: defaultOutcome,
		DefaultReason:  defaultReason,
	}
}

// Rules returns the rules in evaluation order.
func (p *Policy) Rules() []*Rule {
	return append([]*Rule(nil), p.rules...)
}

// Rule returns the rule with the given name.
func (p *Policy) Rule(name string) (*Rule, bool) {
	for _, r := range p.rules {
		if r.name == name {
			return r, true
		}
	}
	return nil, false
}

// Evaluate returns the verdict of the first matching rule, or the default
// outcome with a nil rule when nothing matches.
func (p *Policy) Evaluate(action string, context map[string]any) (Outcome, string, *Rule) {
	for _, r := range p.rules {
		if r.Matches(action, context) {
			return r.outcome, r.reason, r
		}
	}
	return p.DefaultOutcome, p.DefaultReason, nil
}

// ConstraintsFor returns the lease constraints of the matched rule.
func (p *Policy) ConstraintsFor(action string, context map[string]any) Constraints {
	_, _, r := p.Evaluate(action, context)
	if r == nil {
		return Constraints{}
	}
	c := Constraints{
		MaxDurationMinutes: r.maxDuration,
		MaxSteps:           r.maxSteps,
	}
	if len(r.scope) > 0 {
		c.Scope = maps.Clone(r.scope)
	}
	return c
}

// Default returns the built-in starter policy: production changes need a
// human, production deletes are denied, staging deploys and reads are
// allowed with limits, anything else needs review.
func Default() *Policy {
	return New("default", []*Rule{
		mustRule(RuleSpec{
			Name:          "production_deploy",
			ActionPattern: `deploy_prod.*`,
			Outcome:       NeedsHuman,
			Reason:        "Production deployments require human approval",
		}),
		mustRule(RuleSpec{
			Name:          "production_write",
			ActionPattern: `.*_prod.*`,
			Outcome:       NeedsHuman,
			Reason:        "Production modifications require human approval",
		}),
		mustRule(RuleSpec{
			Name:          "delete_production",
			ActionPattern: `delete_prod.*`,
			Outcome:       Deny,
			Reason:        "Direct production deletion is not allowed",
		}),
		mustRule(RuleSpec{
			Name:               "staging_deploy",
			ActionPattern:      `deploy_staging`,
			Outcome:            Allow,
			Reason:             "Staging deployments are pre-approved",
			ScopeConstraints:   map[string]any{"environment": "staging"},
			MaxSteps:           50,
			MaxDurationMinutes: 30,
		}),
		mustRule(RuleSpec{
			Name:          "read_operations",
			ActionPattern: `read_.*|get_.*|list_.*`,
			Outcome:       Allow,
			Reason:        "Read operations are safe",
			MaxSteps:      100,
		}),
	}, NeedsHuman, "Unknown action requires human review")
}
