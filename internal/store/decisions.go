package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/ward/internal/decision"
)

// DecisionRecord is a decision as persisted.
type DecisionRecord struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agent_id"`
	Action        string           `json:"action"`
	Outcome       decision.Outcome `json:"outcome"`
	Reason        string           `json:"reason"`
	KnownUnknowns []string         `json:"known_unknowns"`
	Context       map[string]any   `json:"context"`
	PolicyName    string           `json:"policy_name,omitempty"`
	RuleName      string           `json:"rule_name,omitempty"`
	LeaseID       string           `json:"lease_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// DecisionRecordFrom flattens a decision for storage.
func DecisionRecordFrom(d decision.Decision, knownUnknowns []string) DecisionRecord {
	rec := DecisionRecord{
		ID:            d.ID,
		AgentID:       d.AgentID,
		Action:        d.RequestedAction,
		Outcome:       d.Outcome,
		Reason:        d.Reason,
		KnownUnknowns: knownUnknowns,
		Context:       d.Context,
		PolicyName:    d.PolicyName,
		RuleName:      d.RuleName,
		Timestamp:     d.Timestamp,
	}
	if d.Lease != nil {
		rec.LeaseID = d.Lease.ID()
	}
	return rec
}

// DecisionFilter narrows GetDecisions. Zero fields match everything.
type DecisionFilter struct {
	AgentID string
	Outcome decision.Outcome
	Limit   int
}

const decisionColumns = `id, agent_id, action, outcome, reason, known_unknowns, context, policy_name, rule_name, lease_id, timestamp`

// RecordDecision inserts a decision.
func (s *Store) RecordDecision(ctx context.Context, d DecisionRecord) error {
	return recordDecision(ctx, s.db, d)
}

func recordDecision(ctx context.Context, q queryer, d DecisionRecord) error {
	unknowns, err := encodeList(d.KnownUnknowns)
	if err != nil {
		return fmt.Errorf("encode known unknowns: %w", err)
	}
	dctx, err := encodeMap(d.Context)
	if err != nil {
		return fmt.Errorf("encode decision context: %w", err)
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgentID, d.Action, string(d.Outcome), d.Reason, unknowns, dctx,
		nullString(d.PolicyName), nullString(d.RuleName), nullString(d.LeaseID), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// UpdateDecision sets the outcome and, when non-empty, the lease of a decision.
func (s *Store) UpdateDecision(ctx context.Context, id string, outcome decision.Outcome, leaseID string) error {
	return updateDecision(ctx, s.db, id, outcome, leaseID)
}

func updateDecision(ctx context.Context, q queryer, id string, outcome decision.Outcome, leaseID string) error {
	var (
		res sql.Result
		err error
	)
	if leaseID != "" {
		res, err = q.ExecContext(ctx, `UPDATE decisions SET outcome = ?, lease_id = ? WHERE id = ?`, string(outcome), leaseID, id)
	} else {
		res, err = q.ExecContext(ctx, `UPDATE decisions SET outcome = ? WHERE id = ?`, string(outcome), id)
	}
	if err != nil {
		return fmt.Errorf("update decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update decision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetDecision returns one decision.
func (s *Store) GetDecision(ctx context.Context, id string) (DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionRecord{}, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// GetDecisions lists decisions newest first.
func (s *Store) GetDecisions(ctx context.Context, f DecisionFilter) ([]DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(f.Outcome))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	return s.queryDecisions(ctx, query, args...)
}

// PendingApprovals lists needs_human decisions that no person has resolved
// yet, newest first.
func (s *Store) PendingApprovals(ctx context.Context) ([]DecisionRecord, error) {
	return s.queryDecisions(ctx, `
		SELECT d.id, d.agent_id, d.action, d.outcome, d.reason, d.known_unknowns, d.context,
			d.policy_name, d.rule_name, d.lease_id, d.timestamp
		FROM decisions d
		LEFT JOIN human_approvals ha ON d.id = ha.decision_id
		WHERE d.outcome = ? AND ha.id IS NULL
		ORDER BY d.timestamp DESC`, string(decision.NeedsHuman))
}

// CheckDecisionApproved returns the lease id of an approved decision, or ""
// when the decision is not (yet) approved.
func (s *Store) CheckDecisionApproved(ctx context.Context, id string) (string, error) {
	var (
		outcome string
		leaseID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT outcome, lease_id FROM decisions WHERE id = ?`, id).Scan(&outcome, &leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("check decision: %w", err)
	}
	if decision.Outcome(outcome) == decision.Approved && leaseID.Valid {
		return leaseID.String, nil
	}
	return "", nil
}

// IsDecisionDenied reports whether the decision ended denied.
func (s *Store) IsDecisionDenied(ctx context.Context, id string) (bool, error) {
	var outcome string
	err := s.db.QueryRowContext(ctx, `SELECT outcome FROM decisions WHERE id = ?`, id).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check decision: %w", err)
	}
	return decision.Outcome(outcome) == decision.Denied, nil
}

func (s *Store) queryDecisions(ctx context.Context, query string, args ...any) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (DecisionRecord, error) {
	var (
		d                             DecisionRecord
		outcome, unknowns, dctx, ts   string
		policyName, ruleName, leaseID sql.NullString
	)
	if err := row.Scan(&d.ID, &d.AgentID, &d.Action, &outcome, &d.Reason, &unknowns, &dctx,
		&policyName, &ruleName, &leaseID, &ts); err != nil {
		return DecisionRecord{}, err
	}
	d.Outcome = decision.Outcome(outcome)
	d.PolicyName = policyName.String
	d.RuleName = ruleName.String
	d.LeaseID = leaseID.String

	var err error
	if d.KnownUnknowns, err = decodeList(unknowns); err != nil {
		return DecisionRecord{}, err
	}
	if d.Context, err = decodeMap(dctx); err != nil {
		return DecisionRecord{}, err
	}
	if d.Timestamp, err = parseTime(ts); err != nil {
		return DecisionRecord{}, err
	}
	return d, nil
}
