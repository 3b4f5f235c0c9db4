package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the only supported policy document version.
const Version = 1

// DefaultRuleReason is used for rules that omit then.reason.
const DefaultRuleReason = "Policy rule matched"

var (
	topLevelKeys = keySet("version", "policy", "rules", "default")
	ruleKeys     = keySet("id", "when", "then")
	whenKeys     = keySet("action", "env", "destructive", "resource", "agent_id")
	thenKeys     = keySet("outcome", "reason", "max_steps", "max_duration_minutes")
	defaultKeys  = keySet("outcome", "reason")
)

// CompileError reports why a policy document was rejected. RuleID is empty
// for document-level problems.
type CompileError struct {
	RuleID string
	Keys   []string
	Msg    string
}

func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("policy compile")
	if e.RuleID != "" {
		fmt.Fprintf(&b, ": rule %q", e.RuleID)
	}
	if len(e.Keys) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Keys, ", "))
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

func compileErr(ruleID, msg string, keys ...string) *CompileError {
	sort.Strings(keys)
	return &CompileError{RuleID: ruleID, Keys: keys, Msg: msg}
}

// Compile parses a YAML (or JSON) policy document into a Policy.
// Any unknown key, missing field or bad value rejects the whole document.
func Compile(document []byte) (*Policy, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(document, &doc); err != nil {
		return nil, compileErr("", fmt.Sprintf("invalid YAML: %v", err))
	}
	if doc == nil {
		return nil, compileErr("", "empty document")
	}

	if unknown := unknownKeys(doc, topLevelKeys); len(unknown) > 0 {
		return nil, compileErr("", "unknown top-level keys", unknown...)
	}

	if v, ok := doc["version"].(int); !ok || v != Version {
		return nil, compileErr("", fmt.Sprintf("unsupported policy version %v, expected %d", doc["version"], Version), "version")
	}

	name, ok := doc["policy"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return nil, compileErr("", "missing or invalid required field", "policy")
	}

	rawRules, ok := doc["rules"].([]any)
	if !ok {
		return nil, compileErr("", "missing or invalid required field", "rules")
	}

	seen := make(map[string]bool, len(rawRules))
	rules := make([]*Rule, 0, len(rawRules))
	for i, raw := range rawRules {
		r, err := compileRule(i, raw)
		if err != nil {
			return nil, err
		}
		if seen[r.name] {
			return nil, compileErr(r.name, "duplicate rule id", "id")
		}
		seen[r.name] = true
		rules = append(rules, r)
	}

	defaultOutcome, defaultReason := NeedsHuman, DefaultReason
	if raw, present := doc["default"]; present {
		def, ok := raw.(map[string]any)
		if !ok {
			return nil, compileErr("", "must be a mapping", "default")
		}
		if unknown := unknownKeys(def, defaultKeys); len(unknown) > 0 {
			return nil, compileErr("", "unknown default keys", prefixed("default.", unknown)...)
		}
		if v, present := def["outcome"]; present {
			o, err := parseOutcome(v)
			if err != nil {
				return nil, compileErr("", err.Error(), "default.outcome")
			}
			defaultOutcome = o
		}
		if v, present := def["reason"]; present {
			s, ok := v.(string)
			if !ok {
				return nil, compileErr("", "must be a string", "default.reason")
			}
			defaultReason = s
		}
	}

	return New(name, rules, defaultOutcome, defaultReason), nil
}

func compileRule(index int, raw any) (*Rule, error) {
	rule, ok := raw.(map[string]any)
	if !ok {
		return nil, compileErr(fmt.Sprintf("rule-%d", index), "rule must be a mapping")
	}

	id, _ := rule["id"].(string)
	label := id
	if label == "" {
		label = fmt.Sprintf("rule-%d", index)
	}

	if unknown := unknownKeys(rule, ruleKeys); len(unknown) > 0 {
		return nil, compileErr(label, "unknown rule keys", unknown...)
	}
	if strings.TrimSpace(id) == "" {
		return nil, compileErr(label, "missing or invalid required field", "id")
	}

	when, ok := rule["when"].(map[string]any)
	if !ok {
		return nil, compileErr(id, "missing or invalid required field", "when")
	}
	then, ok := rule["then"].(map[string]any)
	if !ok {
		return nil, compileErr(id, "missing or invalid required field", "then")
	}

	if unknown := unknownKeys(when, whenKeys); len(unknown) > 0 {
		return nil, compileErr(id, "unknown when keys", prefixed("when.", unknown)...)
	}
	if unknown := unknownKeys(then, thenKeys); len(unknown) > 0 {
		return nil, compileErr(id, "unknown then keys", prefixed("then.", unknown)...)
	}

	action, ok := when["action"].(string)
	if !ok || action == "" {
		return nil, compileErr(id, "missing or invalid required field", "when.action")
	}

	scope := make(map[string]any)
	for key, v := range when {
		if key == "action" {
			continue
		}
		if !isScalar(v) {
			return nil, compileErr(id, "must be a scalar value", "when."+key)
		}
		scope[key] = v
	}

	rawOutcome, present := then["outcome"]
	if !present {
		return nil, compileErr(id, "missing required field", "then.outcome")
	}
	outcome, err := parseOutcome(rawOutcome)
	if err != nil {
		return nil, compileErr(id, err.Error(), "then.outcome")
	}

	reason := DefaultRuleReason
	if v, present := then["reason"]; present {
		s, ok := v.(string)
		if !ok {
			return nil, compileErr(id, "must be a string", "then.reason")
		}
		reason = s
	}

	maxSteps, err := positiveInt(then, "max_steps")
	if err != nil {
		return nil, compileErr(id, err.Error(), "then.max_steps")
	}
	maxDuration, err := positiveInt(then, "max_duration_minutes")
	if err != nil {
		return nil, compileErr(id, err.Error(), "then.max_duration_minutes")
	}

	r, err := NewRule(RuleSpec{
		Name:               id,
		ActionPattern:      action,
		Outcome:            outcome,
		Reason:             reason,
		ScopeConstraints:   scope,
		MaxDurationMinutes: maxDuration,
		MaxSteps:           maxSteps,
	})
	if err != nil {
		return nil, compileErr(id, err.Error(), "when.action")
	}
	return r, nil
}

// CompileFile compiles the policy at path and returns it with the SHA-256
// of the raw file bytes.
func CompileFile(path string) (*Policy, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read policy: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	p, err := Compile(data)
	if err != nil {
		return nil, "", err
	}
	return p, hash, nil
}

func parseOutcome(v any) (Outcome, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("outcome must be a string, got %T", v)
	}
	o := Outcome(s)
	if !o.Valid() {
		return "", fmt.Errorf("invalid outcome %q, allowed: allow, deny, needs_human", s)
	}
	return o, nil
}

func positiveInt(m map[string]any, key string) (int, error) {
	v, present := m[key]
	if !present {
		return 0, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("must be an integer, got %v", v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int64, uint64, float64:
		return true
	}
	return false
}

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func unknownKeys(m map[string]any, allowed map[string]bool) []string {
	var out []string
	for k := range m {
		if !allowed[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func prefixed(prefix string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = prefix + k
	}
	return out
}
