package watchdog

import (
	"maps"
	"time"

	"github.com/ppiankov/ward/internal/lease"
)

// Check inspects a lease and the current context and returns a violation,
// or nil when nothing is wrong.
type Check interface {
	Check(l *lease.Lease, context map[string]any) *Violation
}

// CheckFunc adapts a function to Check.
type CheckFunc func(l *lease.Lease, context map[string]any) *Violation

func (f CheckFunc) Check(l *lease.Lease, context map[string]any) *Violation {
	return f(l, context)
}

// Rule is a deterministic check with a fixed severity and revocation flag.
type Rule struct {
	Name        string
	Check       Check
	Severity    Severity
	AutoRevoke  bool
	Description string
}

// ActionRecord is one observed action under a lease.
type ActionRecord struct {
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Result    map[string]any `json:"result"`
}

// Watchdog runs rules against leases and keeps what it found. It only
// flags; revoking is the caller's decision.
//
// A Watchdog is not safe for concurrent use.
type Watchdog struct {
	rules      []Rule
	violations []Violation
	history    map[string][]ActionRecord
}

// New returns a watchdog with no rules.
func New() *Watchdog {
	return &Watchdog{history: make(map[string][]ActionRecord)}
}

// NewWithDefaults returns a watchdog with DefaultRules installed.
func NewWithDefaults() *Watchdog {
	w := New()
	for _, r := range DefaultRules() {
		w.AddRule(r)
	}
	return w
}

// AddRule appends a rule. Rules run in the order added.
func (w *Watchdog) AddRule(r Rule) {
	w.rules = append(w.rules, r)
}

// Rules returns the installed rules.
func (w *Watchdog) Rules() []Rule {
	return append([]Rule(nil), w.rules...)
}

// CheckLease runs every rule and returns all violations found. Each
// violation is stamped with the producing rule's AutoRevoke flag and kept.
func (w *Watchdog) CheckLease(l *lease.Lease, context map[string]any) []Violation {
	if context == nil {
		context = map[string]any{}
	}
	var found []Violation
	for _, r := range w.rules {
		v := r.Check.Check(l, context)
		if v == nil {
			continue
		}
		v.AutoRevoke = r.AutoRevoke
		found = append(found, *v)
		w.violations = append(w.violations, *v)
	}
	return found
}

// RecordAction appends an observed action to the lease history.
func (w *Watchdog) RecordAction(leaseID, action string, result map[string]any) {
	if result == nil {
		result = map[string]any{}
	}
	w.history[leaseID] = append(w.history[leaseID], ActionRecord{
		Action:    action,
		Timestamp: time.Now().UTC(),
		Result:    maps.Clone(result),
	})
}

// ActionHistory returns the actions recorded for a lease, oldest first.
func (w *Watchdog) ActionHistory(leaseID string) []ActionRecord {
	return append([]ActionRecord(nil), w.history[leaseID]...)
}

// Violations returns every kept violation.
func (w *Watchdog) Violations() []Violation {
	return append([]Violation(nil), w.violations...)
}

func (w *Watchdog) ViolationsForLease(leaseID string) []Violation {
	var out []Violation
	for _, v := range w.violations {
		if v.LeaseID == leaseID {
			out = append(out, v)
		}
	}
	return out
}

// ViolationsRequiringRevocation returns violations flagged auto_revoke.
func (w *Watchdog) ViolationsRequiringRevocation() []Violation {
	var out []Violation
	for _, v := range w.violations {
		if v.AutoRevoke {
			out = append(out, v)
		}
	}
	return out
}

// ClearViolationsForLease forgets violations and action history of a lease.
func (w *Watchdog) ClearViolationsForLease(leaseID string) {
	kept := w.violations[:0]
	for _, v := range w.violations {
		if v.LeaseID != leaseID {
			kept = append(kept, v)
		}
	}
	w.violations = kept
	delete(w.history, leaseID)
}
