package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrExpiresInPast is returned when a lease would already be expired at construction.
	ErrExpiresInPast = errors.New("lease cannot expire in the past")
	// ErrInvalidMaxSteps is returned for a negative step cap.
	ErrInvalidMaxSteps = errors.New("max_steps must be positive if specified")
	// ErrActionConflict is returned when an action is both allowed and forbidden.
	ErrActionConflict = errors.New("actions cannot be both allowed and forbidden")
	// ErrLeaseInvalid is returned when stepping a lease that is revoked, expired or exhausted.
	ErrLeaseInvalid = errors.New("cannot record step on invalid lease")
)

// State is the lifecycle position of a lease.
type State string

const (
	StateActive    State = "active"
	StateExhausted State = "exhausted"
	StateExpired   State = "expired"
	StateRevoked   State = "revoked"
)

// Params describes a lease to construct. MaxSteps of zero means no step cap.
type Params struct {
	ID               string
	AgentID          string
	AllowedActions   []string
	ForbiddenActions []string
	ExpiresAt        time.Time
	MaxSteps         int
	Scope            map[string]any
}

// Lease grants an agent bounded authority: a set of actions, a deadline and
// an optional step budget. It is the unit of delegation.
//
// A Lease is not safe for concurrent mutation. Callers that share one lease
// across goroutines must serialize RecordStep and Revoke.
type Lease struct {
	id               string
	agentID          string
	allowed          []string
	forbidden        []string
	expiresAt        time.Time
	maxSteps         int
	scope            map[string]any
	stepsTaken       int
	revoked          bool
	revokedAt        time.Time
	revokedBy        string
	revocationReason string
}

// New validates params and returns an active lease.
func New(p Params) (*Lease, error) {
	return newAt(p, time.Now().UTC())
}

func newAt(p Params, now time.Time) (*Lease, error) {
	if !p.ExpiresAt.After(now) {
		return nil, ErrExpiresInPast
	}
	if p.MaxSteps < 0 {
		return nil, ErrInvalidMaxSteps
	}
	if conflicts := intersect(p.AllowedActions, p.ForbiddenActions); len(conflicts) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrActionConflict, conflicts)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &Lease{
		id:        id,
		agentID:   p.AgentID,
		allowed:   dedupe(p.AllowedActions),
		forbidden: dedupe(p.ForbiddenActions),
		expiresAt: p.ExpiresAt.UTC(),
		maxSteps:  p.MaxSteps,
		scope:     copyMap(p.Scope),
	}, nil
}

func (l *Lease) ID() string { return l.id }
func (l *Lease) AgentID() string { return l.agentID }
func (l *Lease) ExpiresAt() time.Time { return l.expiresAt }
func (l *Lease) MaxSteps() int { return l.maxSteps }
func (l *Lease) StepsTaken() int { return l.stepsTaken }
func (l *Lease) Revoked() bool { return l.revoked }
func (l *Lease) RevokedAt() time.Time { return l.revokedAt }
func (l *Lease) RevokedBy() string { return l.revokedBy }
func (l *Lease) RevocationReason() string { return l.revocationReason }

// AllowedActions returns a copy of the allowed action set.
func (l *Lease) AllowedActions() []string { return slices.Clone(l.allowed) }

// ForbiddenActions returns a copy of the forbidden action set.
func (l *Lease) ForbiddenActions() []string { return slices.Clone(l.forbidden) }

// Scope returns a copy of the context captured at issuance.
func (l *Lease) Scope() map[string]any { return copyMap(l.scope) }

// Allows reports whether action is in the allowed set, ignoring validity.
func (l *Lease) Allows(action string) bool { return slices.Contains(l.allowed, action) }

// IsValid reports whether the lease currently grants authority.
func (l *Lease) IsValid() bool {
	return l.IsValidAt(time.Now().UTC())
}

// IsValidAt reports validity at the given instant.
func (l *Lease) IsValidAt(t time.Time) bool {
	return l.StateAt(t) == StateActive
}

// State returns the current lifecycle state.
func (l *Lease) State() State {
	return l.StateAt(time.Now().UTC())
}

// StateAt returns the lifecycle state at the given instant.
// Revocation wins over expiry, expiry over exhaustion.
func (l *Lease) StateAt(t time.Time) State {
	switch {
	case l.revoked:
		return StateRevoked
	case !t.Before(l.expiresAt):
		return StateExpired
	case l.maxSteps > 0 && l.stepsTaken >= l.maxSteps:
		return StateExhausted
	default:
		return StateActive
	}
}

// CanPerform reports whether the lease is valid and permits action.
// Explicit deny takes precedence over allow.
func (l *Lease) CanPerform(action string) bool {
	if !l.IsValid() {
		return false
	}
	if slices.Contains(l.forbidden, action) {
		return false
	}
	return slices.Contains(l.allowed, action)
}

// RecordStep records that the agent took one step under this lease.
func (l *Lease) RecordStep() error {
	if !l.IsValid() {
		return fmt.Errorf("%w (lease %s is %s)", ErrLeaseInvalid, l.id, l.State())
	}
	l.stepsTaken++
	return nil
}

// Revoke immediately invalidates the lease. The transition is one-way and
// the first revocation's time, reason and author are kept.
func (l *Lease) Revoke(reason, revokedBy string) {
	if l.revoked {
		return
	}
	l.revoked = true
	l.revokedAt = time.Now().UTC()
	l.revocationReason = reason
	l.revokedBy = revokedBy
}

// Snapshot is the serializable view of a lease.
type Snapshot struct {
	ID               string         `json:"lease_id"`
	AgentID          string         `json:"agent_id"`
	AllowedActions   []string       `json:"allowed_actions"`
	ForbiddenActions []string       `json:"forbidden_actions"`
	ExpiresAt        time.Time      `json:"expires_at"`
	MaxSteps         int            `json:"max_steps,omitempty"`
	Scope            map[string]any `json:"scope"`
	StepsTaken       int            `json:"steps_taken"`
	Revoked          bool           `json:"revoked"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy        string         `json:"revoked_by,omitempty"`
	RevocationReason string         `json:"revocation_reason,omitempty"`
}

// Snapshot returns a copy of the lease state.
func (l *Lease) Snapshot() Snapshot {
	s := Snapshot{
		ID:               l.id,
		AgentID:          l.agentID,
		AllowedActions:   l.AllowedActions(),
		ForbiddenActions: l.ForbiddenActions(),
		ExpiresAt:        l.expiresAt,
		MaxSteps:         l.maxSteps,
		Scope:            l.Scope(),
		StepsTaken:       l.stepsTaken,
		Revoked:          l.revoked,
		RevokedBy:        l.revokedBy,
		RevocationReason: l.revocationReason,
	}
	if l.revoked {
		at := l.revokedAt
		s.RevokedAt = &at
	}
	return s
}

// Restore rebuilds a persisted lease. Unlike New it does not reject an
// expiry in the past: a stored lease may have expired since it was issued.
// Step counters and revocation state are taken as recorded.
func Restore(s Snapshot) (*Lease, error) {
	if s.ID == "" {
		return nil, errors.New("lease snapshot has no id")
	}
	if s.MaxSteps < 0 {
		return nil, ErrInvalidMaxSteps
	}
	if conflicts := intersect(s.AllowedActions, s.ForbiddenActions); len(conflicts) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrActionConflict, conflicts)
	}
	l := &Lease{
		id:               s.ID,
		agentID:          s.AgentID,
		allowed:          dedupe(s.AllowedActions),
		forbidden:        dedupe(s.ForbiddenActions),
		expiresAt:        s.ExpiresAt.UTC(),
		maxSteps:         s.MaxSteps,
		scope:            copyMap(s.Scope),
		stepsTaken:       s.StepsTaken,
		revoked:          s.Revoked,
		revokedBy:        s.RevokedBy,
		revocationReason: s.RevocationReason,
	}
	if s.RevokedAt != nil {
		l.revokedAt = s.RevokedAt.UTC()
	}
	return l, nil
}

// Refresh overwrites l with the recorded state in s, keeping the pointer
// that holders of l already have.
func (l *Lease) Refresh(s Snapshot) error {
	if s.ID != l.id {
		return fmt.Errorf("refresh lease %s from snapshot %s", l.id, s.ID)
	}
	restored, err := Restore(s)
	if err != nil {
		return err
	}
	*l = *restored
	return nil
}

// MarshalJSON encodes the snapshot plus the derived validity.
func (l *Lease) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Snapshot
		IsValid bool  `json:"is_valid"`
		State   State `json:"state"`
	}{
		Snapshot: l.Snapshot(),
		IsValid:  l.IsValid(),
		State:    l.State(),
	})
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if slices.Contains(b, x) && !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
