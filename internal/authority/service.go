// Package authority composes the kernel into a service: it evaluates
// requests against the current policy, issues and tracks leases, runs the
// watchdog and revokes, and records everything to the store, the audit log
// and metrics.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/intel"
	"github.com/ppiankov/ward/internal/lease"
	"github.com/ppiankov/ward/internal/metrics"
	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/revocation"
	"github.com/ppiankov/ward/internal/store"
	"github.com/ppiankov/ward/internal/watchdog"
)

var (
	// ErrUnknownLease is returned for a lease id the service cannot find.
	ErrUnknownLease = errors.New("unknown lease")
	// ErrDecisionNotPending is returned when resolving a decision that is
	// not waiting for a human.
	ErrDecisionNotPending = errors.New("decision is not pending")
	// ErrNoStore is returned by operations that need persistence.
	ErrNoStore = errors.New("no store configured")
	// ErrActionNotPermitted is returned when stepping a lease with an
	// action it does not grant.
	ErrActionNotPermitted = errors.New("action not permitted by lease")
	// ErrLeaseRevoked is returned when revoking a lease twice.
	ErrLeaseRevoked = errors.New("lease already revoked")
)

// DefaultOperator identifies the human behind CLI approvals and revocations.
const DefaultOperator = "cli"

// Store is the persistence the service needs.
type Store interface {
	RecordDecision(ctx context.Context, d store.DecisionRecord) error
	GetDecision(ctx context.Context, id string) (store.DecisionRecord, error)
	ResolveDecision(ctx context.Context, r store.Resolution) error
	RecordAction(ctx context.Context, a store.ActionRecord) (string, error)
	RecordRevocation(ctx context.Context, r *revocation.Record) error
	SaveLease(ctx context.Context, l lease.Snapshot) error
	GetLease(ctx context.Context, id string) (lease.Snapshot, error)
	ActiveLeases(ctx context.Context, now time.Time) ([]lease.Snapshot, error)
	StoreDecisionIntel(ctx context.Context, rec store.IntelRecord) error
	GetDecisionIntel(ctx context.Context, decisionID string) (store.IntelRecord, error)
}

// Options configures a Service. Only Policy is required.
type Options struct {
	Policy     *policy.Policy
	PolicyHash string

	Store    Store
	Audit    *audit.Log
	Watchdog *watchdog.Watchdog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// LeaseTTL and LeaseMaxSteps apply to policy approvals whose rule sets
	// no limit. Zero TTL means five minutes.
	LeaseTTL      time.Duration
	LeaseMaxSteps int

	// EnableIntelligence generates a decision intelligence report for every
	// request that needs a human.
	EnableIntelligence bool

	// RevokeOnPolicyChange revokes every active lease when the policy is replaced.
	RevokeOnPolicyChange bool
}

// Service is safe for concurrent use.
type Service struct {
	mu         sync.RWMutex
	policy     *policy.Policy
	policyHash string

	leasesMu sync.Mutex
	leases   map[string]*trackedLease

	// wdMu guards watchdog and revocations.
	wdMu        sync.Mutex
	watchdog    *watchdog.Watchdog
	revocations *revocation.Log

	store   Store
	audit   *audit.Log
	intel   *intel.Generator
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	leaseTTL             time.Duration
	leaseMaxSteps        int
	revokeOnPolicyChange bool
}

type trackedLease struct {
	mu sync.Mutex
	l  *lease.Lease
}

// New builds a service.
func New(opts Options) (*Service, error) {
	if opts.Policy == nil {
		return nil, errors.New("authority: policy is required")
	}
	s := &Service{
		policy:               opts.Policy,
		policyHash:           opts.PolicyHash,
		leases:               make(map[string]*trackedLease),
		watchdog:             opts.Watchdog,
		revocations:          revocation.NewLog(),
		store:                opts.Store,
		audit:                opts.Audit,
		metrics:              opts.Metrics,
		logger:               opts.Logger,
		tracer:               otel.Tracer("github.com/ppiankov/ward/internal/authority"),
		leaseTTL:             opts.LeaseTTL,
		leaseMaxSteps:        opts.LeaseMaxSteps,
		revokeOnPolicyChange: opts.RevokeOnPolicyChange,
	}
	if s.watchdog == nil {
		s.watchdog = watchdog.NewWithDefaults()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "authority")
	if s.leaseTTL <= 0 {
		s.leaseTTL = 5 * time.Minute
	}
	if opts.EnableIntelligence {
		s.intel = intel.NewGenerator()
	}
	return s, nil
}

// Policy returns the current policy and its hash.
func (s *Service) Policy() (*policy.Policy, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy, s.policyHash
}

// IntelligenceEnabled reports whether reports are generated.
func (s *Service) IntelligenceEnabled() bool {
	return s.intel != nil
}

// Revocations returns the revocations made by this service, newest first.
func (s *Service) Revocations(limit int) []*revocation.Record {
	s.wdMu.Lock()
	defer s.wdMu.Unlock()
	return s.revocations.Recent(limit)
}

// Lease returns the current state of a lease.
func (s *Service) Lease(ctx context.Context, id string) (lease.Snapshot, error) {
	t, err := s.acquire(ctx, id)
	if err != nil {
		return lease.Snapshot{}, err
	}
	defer t.mu.Unlock()
	return t.l.Snapshot(), nil
}

// ActiveLeases lists the leases valid now and updates the active-lease gauge.
func (s *Service) ActiveLeases(ctx context.Context) ([]lease.Snapshot, error) {
	now := time.Now().UTC()
	var active []lease.Snapshot
	if s.store != nil {
		snaps, err := s.store.ActiveLeases(ctx, now)
		if err != nil {
			return nil, err
		}
		active = snaps
	} else {
		for _, t := range s.tracked() {
			t.mu.Lock()
			if t.l.IsValidAt(now) {
				active = append(active, t.l.Snapshot())
			}
			t.mu.Unlock()
		}
	}
	s.metrics.SetActiveLeases(len(active))
	return active, nil
}

func (s *Service) track(l *lease.Lease) {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()
	s.leases[l.ID()] = &trackedLease{l: l}
}

func (s *Service) tracked() []*trackedLease {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()
	out := make([]*trackedLease, 0, len(s.leases))
	for _, t := range s.leases {
		out = append(out, t)
	}
	return out
}

// lookup finds a lease in memory, falling back to the store. A lease loaded
// from the store is tracked from then on, so later calls share its mutex.
func (s *Service) lookup(ctx context.Context, id string) (*trackedLease, error) {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()

	if t, ok := s.leases[id]; ok {
		return t, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("lease %s: %w", id, ErrUnknownLease)
	}
	snap, err := s.store.GetLease(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lease %s: %w", id, ErrUnknownLease)
	}
	if err != nil {
		return nil, fmt.Errorf("load lease %s: %w", id, err)
	}
	l, err := lease.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("restore lease %s: %w", id, err)
	}
	t := &trackedLease{l: l}
	s.leases[id] = t
	return t, nil
}

// acquire returns the lease with its mutex held. With a store the lease is
// reloaded first: another process sharing the database may have stepped or
// revoked it.
func (s *Service) acquire(ctx context.Context, id string) (*trackedLease, error) {
	t, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if s.store == nil {
		return t, nil
	}
	snap, err := s.store.GetLease(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Issued here but never persisted; memory is authoritative.
		return t, nil
	}
	if err == nil {
		// Refresh in place: the Decision that issued the lease shares t.l.
		if err = t.l.Refresh(snap); err == nil {
			return t, nil
		}
	}
	t.mu.Unlock()
	return nil, fmt.Errorf("reload lease %s: %w", id, err)
}

func (s *Service) recordAudit(e audit.Entry) {
	if s.audit == nil {
		return
	}
	_, hash := s.Policy()
	e.PolicyHash = hash
	if err := s.audit.Record(e); err != nil {
		s.logger.Error("audit write failed", "event_type", string(e.Type), "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
