package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/ward/internal/revocation"
)

// ActionStatus is the outcome of an action an agent or human took.
type ActionStatus string

const (
	StatusBlocked  ActionStatus = "blocked"
	StatusSuccess  ActionStatus = "success"
	StatusFailed   ActionStatus = "failed"
	StatusTimeout  ActionStatus = "timeout"
	StatusError    ActionStatus = "error"
	StatusApproved ActionStatus = "approved"
	StatusDenied   ActionStatus = "denied"
)

// ActionRecord is one executed (or blocked) action.
type ActionRecord struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Action    string         `json:"action"`
	LeaseID   string         `json:"lease_id,omitempty"`
	Status    ActionStatus   `json:"status"`
	Result    map[string]any `json:"result"`
	Context   map[string]any `json:"context"`
	Tags      []string       `json:"tags"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActionFilter narrows GetActions. Zero fields match everything.
type ActionFilter struct {
	AgentID string
	LeaseID string
	Status  ActionStatus
	Limit   int
}

// RevocationFilter narrows GetRevocations. Zero fields match everything.
type RevocationFilter struct {
	AgentID string
	LeaseID string
	Limit   int
}

// RecordAction inserts an action. An empty ID is assigned.
func (s *Store) RecordAction(ctx context.Context, a ActionRecord) (string, error) {
	return recordAction(ctx, s.db, a)
}

func recordAction(ctx context.Context, q queryer, a ActionRecord) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	result, err := encodeMap(a.Result)
	if err != nil {
		return "", fmt.Errorf("encode action result: %w", err)
	}
	actx, err := encodeMap(a.Context)
	if err != nil {
		return "", fmt.Errorf("encode action context: %w", err)
	}
	tags, err := encodeList(a.Tags)
	if err != nil {
		return "", fmt.Errorf("encode action tags: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO actions (id, agent_id, action, lease_id, status, result, context, tags, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentID, a.Action, nullString(a.LeaseID), string(a.Status), result, actx, tags, formatTime(a.Timestamp),
	)
	if err != nil {
		return "", fmt.Errorf("insert action: %w", err)
	}
	return a.ID, nil
}

// GetActions lists actions newest first.
func (s *Store) GetActions(ctx context.Context, f ActionFilter) ([]ActionRecord, error) {
	query := `SELECT id, agent_id, action, lease_id, status, result, context, tags, timestamp FROM actions WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.LeaseID != "" {
		query += ` AND lease_id = ?`
		args = append(args, f.LeaseID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActionRecord
	for rows.Next() {
		var (
			a                              ActionRecord
			leaseID                        sql.NullString
			status, result, actx, tags, ts string
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Action, &leaseID, &status, &result, &actx, &tags, &ts); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.LeaseID = leaseID.String
		a.Status = ActionStatus(status)
		if a.Result, err = decodeMap(result); err != nil {
			return nil, err
		}
		if a.Context, err = decodeMap(actx); err != nil {
			return nil, err
		}
		if a.Tags, err = decodeList(tags); err != nil {
			return nil, err
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	return out, nil
}

// RecordRevocation inserts a revocation record.
func (s *Store) RecordRevocation(ctx context.Context, r *revocation.Record) error {
	violations, err := encodeList(r.Violations)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}
	rctx, err := encodeMap(r.Context)
	if err != nil {
		return fmt.Errorf("encode revocation context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO revocations (id, lease_id, agent_id, reason, revoked_by, description, violations, context, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LeaseID, r.AgentID, string(r.Reason), r.RevokedBy, r.Description, violations, rctx, formatTime(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

// GetRevocations lists revocation records newest first.
func (s *Store) GetRevocations(ctx context.Context, f RevocationFilter) ([]*revocation.Record, error) {
	query := `SELECT id, lease_id, agent_id, reason, revoked_by, description, violations, context, timestamp FROM revocations WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.LeaseID != "" {
		query += ` AND lease_id = ?`
		args = append(args, f.LeaseID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query revocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*revocation.Record
	for rows.Next() {
		var (
			r                            revocation.Record
			reason, violations, rctx, ts string
		)
		if err := rows.Scan(&r.ID, &r.LeaseID, &r.AgentID, &reason, &r.RevokedBy, &r.Description, &violations, &rctx, &ts); err != nil {
			return nil, fmt.Errorf("scan revocation: %w", err)
		}
		r.Reason = revocation.Reason(reason)
		if r.Violations, err = decodeList(violations); err != nil {
			return nil, err
		}
		if r.Context, err = decodeMap(rctx); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query revocations: %w", err)
	}
	return out, nil
}

// IsLeaseRevoked reports whether any revocation exists for the lease.
func (s *Store) IsLeaseRevoked(ctx context.Context, leaseID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revocations WHERE lease_id = ?`, leaseID).Scan(&n); err != nil {
		return false, fmt.Errorf("count revocations: %w", err)
	}
	return n > 0, nil
}
