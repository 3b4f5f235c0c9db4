package lease

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRevokeAlwaysInvalidates: for any remaining time and step budget,
// a revoked lease is invalid.
func TestRevokeAlwaysInvalidates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("revoke invalidates regardless of budget", prop.ForAll(
		func(minutes int, maxSteps int, steps int) bool {
			l, err := New(Params{
				AgentID:        "agent-1",
				AllowedActions: []string{"act"},
				ExpiresAt:      time.Now().Add(time.Duration(minutes) * time.Minute),
				MaxSteps:       maxSteps,
			})
			if err != nil {
				return false
			}
			for i := 0; i < steps && l.IsValid(); i++ {
				if err := l.RecordStep(); err != nil {
					return false
				}
			}
			l.Revoke("emergency_stop", "system")
			return !l.IsValid() && !l.CanPerform("act") && l.RecordStep() != nil
		},
		gen.IntRange(1, 24*60),
		gen.IntRange(0, 50),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}

// TestStepCapExhaustsExactly: after exactly n steps a lease capped at n is
// invalid and refuses further steps; before that it stays valid.
func TestStepCapExhaustsExactly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("n steps exhaust a cap of n", prop.ForAll(
		func(n int) bool {
			l, err := New(Params{
				AgentID:        "agent-1",
				AllowedActions: []string{"act"},
				ExpiresAt:      time.Now().Add(time.Hour),
				MaxSteps:       n,
			})
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if !l.IsValid() {
					return false
				}
				if err := l.RecordStep(); err != nil {
					return false
				}
			}
			return !l.IsValid() && l.RecordStep() != nil && l.StepsTaken() == n
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
