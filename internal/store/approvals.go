package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/ward/internal/decision"
	"github.com/ppiankov/ward/internal/lease"
)

// Saturation targets: the point at which recorded human judgement is
// consistent enough to be learned from.
const (
	TargetDecisions  = 200
	TargetSaturation = 0.8
)

// Saturation statuses.
const (
	SaturationInsufficientData = "insufficient_data"
	SaturationCollecting       = "collecting_data"
	SaturationReady            = "ready"
)

// HumanApproval records how a person resolved a needs_human decision and
// how far they departed from the recommendation.
type HumanApproval struct {
	ID                         string           `json:"id"`
	DecisionID                 string           `json:"decision_id"`
	Outcome                    decision.Outcome `json:"human_outcome"`
	RecommendedMaxSteps        int              `json:"recommended_max_steps"`
	ActualMaxSteps             int              `json:"actual_max_steps"`
	RecommendedDurationMinutes int              `json:"recommended_duration_minutes"`
	ActualDurationMinutes      int              `json:"actual_duration_minutes"`
	ConstraintsModified        bool             `json:"constraints_modified"`
	MissingInfoQuestions       []string         `json:"missing_info_questions"`
	MissingInfoResolved        []string         `json:"missing_info_resolved"`
	Rationale                  string           `json:"rationale,omitempty"`
	Timestamp                  time.Time        `json:"timestamp"`
}

// Saturation summarizes how predictable human decisions have become.
type Saturation struct {
	TotalDecisions            int     `json:"total_decisions"`
	SaturationScore           float64 `json:"saturation_score"`
	ConstraintsAcceptanceRate float64 `json:"constraints_acceptance_rate"`
	MissingInfoResolutionRate float64 `json:"missing_info_resolution_rate"`
	Status                    string  `json:"status"`
	Ready                     bool    `json:"ready"`
	TargetDecisions           int     `json:"target_decisions"`
	TargetSaturation          float64 `json:"target_saturation"`
}

// IntelRecord is a stored decision intelligence report.
type IntelRecord struct {
	DecisionID  string          `json:"decision_id"`
	Payload     json.RawMessage `json:"payload"`
	GeneratedAt time.Time       `json:"generated_at"`
	Generator   string          `json:"generator"`
	Model       string          `json:"model,omitempty"`
}

// Counts are row totals for status output.
type Counts struct {
	Decisions        int `json:"decisions"`
	Actions          int `json:"actions"`
	Revocations      int `json:"revocations"`
	Leases           int `json:"leases"`
	PendingApprovals int `json:"pending_approvals"`
	HumanApprovals   int `json:"human_approvals"`
}

// Resolution is everything written when a person resolves a pending
// decision. Lease is set only for approvals.
type Resolution struct {
	DecisionID string
	Outcome    decision.Outcome
	Lease      *lease.Snapshot
	Action     ActionRecord
	Approval   HumanApproval
}

// RecordHumanApproval inserts a human approval. ConstraintsModified is
// derived from the recommended and actual constraints.
func (s *Store) RecordHumanApproval(ctx context.Context, a HumanApproval) (string, error) {
	return recordHumanApproval(ctx, s.db, a)
}

func recordHumanApproval(ctx context.Context, q queryer, a HumanApproval) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	modified := a.RecommendedMaxSteps != a.ActualMaxSteps ||
		a.RecommendedDurationMinutes != a.ActualDurationMinutes
	questions, err := encodeList(a.MissingInfoQuestions)
	if err != nil {
		return "", fmt.Errorf("encode questions: %w", err)
	}
	resolved, err := encodeList(a.MissingInfoResolved)
	if err != nil {
		return "", fmt.Errorf("encode resolved: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO human_approvals (
			id, decision_id, human_outcome,
			recommended_max_steps, actual_max_steps,
			recommended_duration_minutes, actual_duration_minutes,
			constraints_modified, missing_info_questions, missing_info_resolved,
			rationale, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DecisionID, string(a.Outcome),
		a.RecommendedMaxSteps, a.ActualMaxSteps,
		a.RecommendedDurationMinutes, a.ActualDurationMinutes,
		boolToInt(modified), questions, resolved,
		nullString(a.Rationale), formatTime(a.Timestamp),
	)
	if err != nil {
		return "", fmt.Errorf("insert human approval: %w", err)
	}
	return a.ID, nil
}

// HumanApprovals lists human approvals newest first. A limit of zero or less
// returns all of them.
func (s *Store) HumanApprovals(ctx context.Context, limit int) ([]HumanApproval, error) {
	query := `
		SELECT id, decision_id, human_outcome,
			recommended_max_steps, actual_max_steps,
			recommended_duration_minutes, actual_duration_minutes,
			constraints_modified, missing_info_questions, missing_info_resolved,
			rationale, timestamp
		FROM human_approvals ORDER BY timestamp DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query human approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HumanApproval
	for rows.Next() {
		var (
			a                            HumanApproval
			outcome, questions, resolved string
			recSteps, actSteps           sql.NullInt64
			recMinutes, actMinutes       sql.NullInt64
			modified                     int
			rationale                    sql.NullString
			ts                           string
		)
		if err := rows.Scan(&a.ID, &a.DecisionID, &outcome,
			&recSteps, &actSteps, &recMinutes, &actMinutes,
			&modified, &questions, &resolved, &rationale, &ts); err != nil {
			return nil, fmt.Errorf("scan human approval: %w", err)
		}
		a.Outcome = decision.Outcome(outcome)
		a.RecommendedMaxSteps = int(recSteps.Int64)
		a.ActualMaxSteps = int(actSteps.Int64)
		a.RecommendedDurationMinutes = int(recMinutes.Int64)
		a.ActualDurationMinutes = int(actMinutes.Int64)
		a.ConstraintsModified = modified != 0
		a.Rationale = rationale.String
		if a.MissingInfoQuestions, err = decodeList(questions); err != nil {
			return nil, err
		}
		if a.MissingInfoResolved, err = decodeList(resolved); err != nil {
			return nil, err
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query human approvals: %w", err)
	}
	return out, nil
}

// DecisionSaturation measures whether people keep accepting recommended
// constraints and answering the questions put to them.
func (s *Store) DecisionSaturation(ctx context.Context) (Saturation, error) {
	sat := Saturation{
		Status:           SaturationInsufficientData,
		TargetDecisions:  TargetDecisions,
		TargetSaturation: TargetSaturation,
	}

	var accepted, hadQuestions, resolvedQuestions int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN constraints_modified = 0 THEN 1 END),
			COUNT(CASE WHEN missing_info_questions != '[]' THEN 1 END),
			COUNT(CASE WHEN missing_info_questions != '[]' AND missing_info_resolved != '[]' THEN 1 END)
		FROM human_approvals`).Scan(&sat.TotalDecisions, &accepted, &hadQuestions, &resolvedQuestions)
	if err != nil {
		return Saturation{}, fmt.Errorf("query saturation: %w", err)
	}
	if sat.TotalDecisions == 0 {
		return sat, nil
	}

	sat.ConstraintsAcceptanceRate = float64(accepted) / float64(sat.TotalDecisions)
	sat.MissingInfoResolutionRate = 1.0
	if hadQuestions > 0 {
		sat.MissingInfoResolutionRate = float64(resolvedQuestions) / float64(hadQuestions)
	}
	sat.SaturationScore = (sat.ConstraintsAcceptanceRate + sat.MissingInfoResolutionRate) / 2
	sat.Ready = sat.SaturationScore >= TargetSaturation && sat.TotalDecisions >= TargetDecisions
	sat.Status = SaturationCollecting
	if sat.Ready {
		sat.Status = SaturationReady
	}
	return sat, nil
}

// ResolveDecision applies a human resolution atomically. It fails with
// ErrNotPending unless the decision is needs_human and unresolved, so a
// decision is resolved at most once.
func (s *Store) ResolveDecision(ctx context.Context, r Resolution) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolution: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var outcome string
	var resolved int
	err = tx.QueryRowContext(ctx, `
		SELECT d.outcome, (SELECT COUNT(*) FROM human_approvals WHERE decision_id = d.id)
		FROM decisions d WHERE d.id = ?`, r.DecisionID).Scan(&outcome, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("decision %s: %w", r.DecisionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load decision: %w", err)
	}
	if decision.Outcome(outcome) != decision.NeedsHuman || resolved > 0 {
		return fmt.Errorf("decision %s is %s: %w", r.DecisionID, outcome, ErrNotPending)
	}

	leaseID := ""
	if r.Lease != nil {
		leaseID = r.Lease.ID
		if err = saveLease(ctx, tx, *r.Lease); err != nil {
			return err
		}
	}
	if err = updateDecision(ctx, tx, r.DecisionID, r.Outcome, leaseID); err != nil {
		return err
	}
	if _, err = recordAction(ctx, tx, r.Action); err != nil {
		return err
	}
	approval := r.Approval
	approval.DecisionID = r.DecisionID
	approval.Outcome = r.Outcome
	if _, err = recordHumanApproval(ctx, tx, approval); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit resolution: %w", err)
	}
	return nil
}

// StoreDecisionIntel inserts or replaces the report for a decision.
func (s *Store) StoreDecisionIntel(ctx context.Context, rec IntelRecord) error {
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decision_intel (decision_id, payload, generated_at, generator, model)
		VALUES (?, ?, ?, ?, ?)`,
		rec.DecisionID, string(rec.Payload), formatTime(rec.GeneratedAt), rec.Generator, nullString(rec.Model),
	)
	if err != nil {
		return fmt.Errorf("store decision intel: %w", err)
	}
	return nil
}

// GetDecisionIntel returns the report for a decision.
func (s *Store) GetDecisionIntel(ctx context.Context, decisionID string) (IntelRecord, error) {
	var (
		rec         IntelRecord
		payload, ts string
		model       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT decision_id, payload, generated_at, generator, model
		FROM decision_intel WHERE decision_id = ?`, decisionID).Scan(&rec.DecisionID, &payload, &ts, &rec.Generator, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return IntelRecord{}, fmt.Errorf("decision intel %s: %w", decisionID, ErrNotFound)
	}
	if err != nil {
		return IntelRecord{}, fmt.Errorf("get decision intel: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.Model = model.String
	if rec.GeneratedAt, err = parseTime(ts); err != nil {
		return IntelRecord{}, err
	}
	return rec, nil
}

// Counts returns row totals.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM decisions),
			(SELECT COUNT(*) FROM actions),
			(SELECT COUNT(*) FROM revocations),
			(SELECT COUNT(*) FROM leases),
			(SELECT COUNT(*) FROM decisions d LEFT JOIN human_approvals ha ON d.id = ha.decision_id
				WHERE d.outcome = ? AND ha.id IS NULL),
			(SELECT COUNT(*) FROM human_approvals)`, string(decision.NeedsHuman)).
		Scan(&c.Decisions, &c.Actions, &c.Revocations, &c.Leases, &c.PendingApprovals, &c.HumanApprovals)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
