package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/ward/internal/lease"
)

// SaveLease inserts or replaces the stored state of a lease.
func (s *Store) SaveLease(ctx context.Context, l lease.Snapshot) error {
	return saveLease(ctx, s.db, l)
}

func saveLease(ctx context.Context, q queryer, l lease.Snapshot) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	revoked := 0
	if l.Revoked {
		revoked = 1
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO leases (id, agent_id, snapshot, expires_at, revoked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot = excluded.snapshot,
			expires_at = excluded.expires_at,
			revoked = excluded.revoked,
			updated_at = excluded.updated_at`,
		l.ID, l.AgentID, string(data), formatTime(l.ExpiresAt), revoked, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save lease: %w", err)
	}
	return nil
}

// GetLease returns the stored state of a lease.
func (s *Store) GetLease(ctx context.Context, id string) (lease.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM leases WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return lease.Snapshot{}, fmt.Errorf("lease %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return lease.Snapshot{}, fmt.Errorf("get lease: %w", err)
	}

	var snap lease.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return lease.Snapshot{}, fmt.Errorf("decode lease %s: %w", id, err)
	}
	return snap, nil
}

// ActiveLeases returns the leases still valid at now: not revoked, not
// expired and with steps left.
func (s *Store) ActiveLeases(ctx context.Context, now time.Time) ([]lease.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM leases
		WHERE revoked = 0 AND expires_at > ?
		ORDER BY expires_at`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []lease.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		var snap lease.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("decode lease: %w", err)
		}
		l, err := lease.Restore(snap)
		if err != nil {
			return nil, fmt.Errorf("restore lease %s: %w", snap.ID, err)
		}
		if l.IsValidAt(now) {
			out = append(out, snap)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	return out, nil
}
