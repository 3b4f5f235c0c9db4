package watchdog

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType classifies what the watchdog detected.
type ViolationType string

const (
	ScopeViolation     ViolationType = "scope_violation"
	ActionNotAllowed   ViolationType = "action_not_allowed"
	RateLimitExceeded  ViolationType = "rate_limit_exceeded"
	SuspiciousSequence ViolationType = "suspicious_sequence"
	ExpiredLeaseUsage  ViolationType = "expired_lease_usage"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Violation is a detected breach of lease constraints. AutoRevoke is set
// by the watchdog from the rule that produced it.
type Violation struct {
	ID          string         `json:"violation_id"`
	Type        ViolationType  `json:"violation_type"`
	LeaseID     string         `json:"lease_id"`
	AgentID     string         `json:"agent_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Context     map[string]any `json:"context"`
	AutoRevoke  bool           `json:"auto_revoke"`
}

// NewViolation returns a violation with a fresh id and UTC timestamp.
func NewViolation(typ ViolationType, leaseID, agentID, description string, severity Severity, context map[string]any) *Violation {
	if context == nil {
		context = map[string]any{}
	}
	return &Violation{
		ID:          uuid.NewString(),
		Type:        typ,
		LeaseID:     leaseID,
		AgentID:     agentID,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Severity:    severity,
		Context:     context,
	}
}
