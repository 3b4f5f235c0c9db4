package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

type ruleDoc struct {
	ID                 string         `json:"id"`
	Action             string         `json:"action"`
	Scope              map[string]any `json:"scope,omitempty"`
	Outcome            Outcome        `json:"outcome"`
	Reason             string         `json:"reason"`
	MaxSteps           int            `json:"max_steps,omitempty"`
	MaxDurationMinutes int            `json:"max_duration_minutes,omitempty"`
}

type policyDoc struct {
	Version        int       `json:"version"`
	Policy         string    `json:"policy"`
	Rules          []ruleDoc `json:"rules"`
	DefaultOutcome Outcome   `json:"default_outcome"`
	DefaultReason  string    `json:"default_reason"`
}

// Canonical returns the RFC 8785 canonical JSON form of the compiled policy.
// Two documents that compile to the same rules yield identical bytes.
func Canonical(p *Policy) ([]byte, error) {
	doc := policyDoc{
		Version:        Version,
		Policy:         p.Name,
		Rules:          make([]ruleDoc, 0, len(p.rules)),
		DefaultOutcome: p.DefaultOutcome,
		DefaultReason:  p.DefaultReason,
	}
	for _, r := range p.rules {
		doc.Rules = append(doc.Rules, ruleDoc{
			ID:                 r.name,
			Action:             r.pattern,
			Scope:              r.scope,
			Outcome:            r.outcome,
			Reason:             r.reason,
			MaxSteps:           r.maxSteps,
			MaxDurationMinutes: r.maxDuration,
		})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize policy: %w", err)
	}
	return out, nil
}

// Fingerprint returns sha256:<hex> over the canonical form of the policy.
// Unlike the file hash it ignores comments, key order and formatting.
func Fingerprint(p *Policy) (string, error) {
	data, err := Canonical(p)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
