package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgres wraps a sqlmock connection in a Store that believes it is
// talking to PostgreSQL, so the dialect paths run without a live server.
func newMockPostgres(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := &Store{
		db:     db,
		driver: DriverPostgres,
		logger: slog.Default(),
		clock:  time.Now,
	}
	return s, mock
}

func TestPostgresExecRebindsPlaceholders(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`VALUES \(1, \$1, \$2, \$3, \$4\)`).
		WithArgs("SAFE", "2026-03-01T12:00:00Z", "integrity drill", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(tx *Tx) error {
		return tx.PutSystemState(ctx, &SystemState{
			Mode:      "SAFE",
			EnteredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Reason:    "integrity drill",
			Override:  true,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresViewReadsSystemState(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT mode, entered_at, reason, override FROM system_state`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"mode", "entered_at", "reason", "override"}).
			AddRow("LEAN", "2026-03-01T12:00:00Z", "sustained load", 0))
	mock.ExpectCommit()

	var st *SystemState
	err := s.View(ctx, func(tx *Tx) error {
		var viewErr error
		st, viewErr = tx.GetSystemState(ctx)
		return viewErr
	})
	require.NoError(t, err)
	assert.Equal(t, "LEAN", st.Mode)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), st.EnteredAt)
	assert.False(t, st.Override)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnHandlerError(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("handler refused")
	err := s.WithinTx(context.Background(), func(*Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxWrapsCommitError(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := s.WithinTx(context.Background(), func(*Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}
