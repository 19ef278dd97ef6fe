package store

import (
	"context"
	"testing"
	"time"

	"ballot-relay/internal/db"
	"ballot-relay/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var ballotColumns = []string{
	"id", "voter_address", "vote_contract_address", "raw_transaction",
	"status", "transaction_hash", "error_detail", "created_at", "updated_at",
}

func newMockGorm(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), db.GormConfig())
	require.NoError(t, err)
	return NewGormStore(gdb), mock
}

func ballotRow(status models.BallotStatus, hash, detail string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(ballotColumns).
		AddRow("b1", "0xAA", "0xCC", "0xdeadbeef", string(status), hash, detail, now, now)
}

func TestGormStore_Get(t *testing.T) {
	s, mock := newMockGorm(t)

	mock.ExpectQuery(`SELECT \* FROM "ballots" WHERE id = \$1`).
		WillReturnRows(ballotRow(models.BallotPending, "", ""))

	b, err := s.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "0xAA", b.VoterAddress)
	assert.Equal(t, models.BallotPending, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_GetNotFound(t *testing.T) {
	s, mock := newMockGorm(t)

	mock.ExpectQuery(`SELECT \* FROM "ballots"`).
		WillReturnRows(sqlmock.NewRows(ballotColumns))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_FinalizeGuardedByPending(t *testing.T) {
	s, mock := newMockGorm(t)

	mock.ExpectExec(`UPDATE "ballots" SET .* WHERE id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "ballots"`).
		WillReturnRows(ballotRow(models.BallotComplete, "0xTX1", ""))

	b, err := s.Finalize(context.Background(), "b1", Finalization{
		Status:          models.BallotComplete,
		TransactionHash: "0xTX1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BallotComplete, b.Status)
	assert.Equal(t, "0xTX1", b.TransactionHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_FinalizeTwiceIsConflict(t *testing.T) {
	s, mock := newMockGorm(t)

	mock.ExpectExec(`UPDATE "ballots" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "ballots"`).
		WillReturnRows(ballotRow(models.BallotComplete, "0xTX1", ""))

	b, err := s.Finalize(context.Background(), "b1", Finalization{
		Status:      models.BallotError,
		ErrorDetail: `{"message":"late"}`,
	})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	require.NotNil(t, b)
	assert.Equal(t, models.BallotComplete, b.Status)
	assert.Empty(t, b.ErrorDetail)
}

func TestGormStore_FinalizeMissing(t *testing.T) {
	s, mock := newMockGorm(t)

	mock.ExpectExec(`UPDATE "ballots" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "ballots"`).
		WillReturnRows(sqlmock.NewRows(ballotColumns))

	_, err := s.Finalize(context.Background(), "nope", Finalization{Status: models.BallotError})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeRejectsPendingStatus(t *testing.T) {
	s, _ := newMockGorm(t)
	_, err := s.Finalize(context.Background(), "b1", Finalization{Status: models.BallotPending})
	assert.Error(t, err)
}
