package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when resolving a decision that is not waiting for a human.
	ErrNotPending = errors.New("decision is not pending human review")
)

// DefaultLimit caps list queries that do not set one.
const DefaultLimit = 100

// timeLayout is fixed width so that lexical order in SQLite is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite persistence layer for decisions, actions,
// revocations, leases, decision intelligence and human approvals.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL,
		known_unknowns TEXT NOT NULL DEFAULT '[]',
		context TEXT NOT NULL DEFAULT '{}',
		policy_name TEXT,
		rule_name TEXT,
		lease_id TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		lease_id TEXT,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '{}',
		context TEXT NOT NULL DEFAULT '{}',
		tags TEXT NOT NULL DEFAULT '[]',
		timestamp TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS revocations (
		id TEXT PRIMARY KEY,
		lease_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		revoked_by TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		violations TEXT NOT NULL DEFAULT '[]',
		context TEXT NOT NULL DEFAULT '{}',
		timestamp TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS decision_intel (
		decision_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		generator TEXT NOT NULL,
		model TEXT
	);
	CREATE TABLE IF NOT EXISTS human_approvals (
		id TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		human_outcome TEXT NOT NULL,
		recommended_max_steps INTEGER,
		actual_max_steps INTEGER,
		recommended_duration_minutes INTEGER,
		actual_duration_minutes INTEGER,
		constraints_modified INTEGER NOT NULL DEFAULT 0,
		missing_info_questions TEXT NOT NULL DEFAULT '[]',
		missing_info_resolved TEXT NOT NULL DEFAULT '[]',
		rationale TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_actions_agent ON actions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_actions_lease ON actions(lease_id);
	CREATE INDEX IF NOT EXISTS idx_revocations_lease ON revocations(lease_id);
	CREATE INDEX IF NOT EXISTS idx_leases_agent ON leases(agent_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_human_approvals_decision ON human_approvals(decision_id);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
