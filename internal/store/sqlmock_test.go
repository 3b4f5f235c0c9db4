package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ppiankov/ward/internal/decision"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS decisions").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, mock
}

func TestNewMigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only file system"))
	if _, err := New(db); err == nil {
		t.Error("expected migration error")
	}
}

func TestRecordDecisionInsertError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO decisions").WillReturnError(errors.New("disk full"))

	d := decision.Deny("agent-1", "rm", "no", "p", "r")
	err := s.RecordDecision(context.Background(), DecisionRecordFrom(d, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestResolveDecisionRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT d.outcome").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "resolved"}).AddRow("needs_human", 0))
	mock.ExpectExec("UPDATE decisions SET outcome").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO actions").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.ResolveDecision(context.Background(), Resolution{
		DecisionID: "d1",
		Outcome:    decision.Denied,
		Action:     ActionRecord{AgentID: "human:cli", Action: "deny_decision", Status: StatusDenied},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestResolveDecisionAlreadyResolved(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT d.outcome").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "resolved"}).AddRow("needs_human", 1))
	mock.ExpectRollback()

	err := s.ResolveDecision(context.Background(), Resolution{DecisionID: "d1", Outcome: decision.Approved})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestGetDecisionsBadTimestamp(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "agent_id", "action", "outcome", "reason", "known_unknowns", "context", "policy_name", "rule_name", "lease_id", "timestamp"}).
		AddRow("d1", "agent-1", "rm", "denied", "no", "[]", "{}", nil, nil, nil, "yesterday")
	mock.ExpectQuery("SELECT (.+) FROM decisions").WillReturnRows(rows)

	if _, err := s.GetDecisions(context.Background(), DecisionFilter{}); err == nil {
		t.Error("expected timestamp parse error")
	}
}

func TestSaturationQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM human_approvals").WillReturnError(errors.New("locked"))

	if _, err := s.DecisionSaturation(context.Background()); err == nil {
		t.Error("expected error")
	}
}
