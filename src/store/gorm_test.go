package store

import (
	"arena/src/common"
	"arena/src/types"
	"context"
	"errors"
	"log"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening a stub database connection", err)
	}
	// The dialector must be handed the sqlmock pool via Conn; a DSN would
	// make gorm dial a real server.
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening gorm database", err)
	}
	return gormDB, mock
}

// The reservation must be a single compare-and-increment statement, not a
// read-then-write.
func TestReserve(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "quota_counters" SET "used"=used + 1 WHERE category = $1 AND lot = $2 AND used < capacity`)).
		WithArgs("rx", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Reserve(context.Background(), "rx", 1)
	assert.Nil(t, err)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestReserveExhausted(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "quota_counters" SET "used"=used + 1 WHERE category = $1 AND lot = $2 AND used < capacity`)).
		WithArgs("rx", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Reserve(context.Background(), "rx", 1)
	assert.True(t, errors.Is(err, types.ErrQuotaExhausted))
	assert.Nil(t, mock.ExpectationsWereMet())
}

// Releasing is guarded on used > 0 so a redundant release never underflows.
func TestRelease(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "quota_counters" SET "used"=used - 1 WHERE category = $1 AND lot = $2 AND used > 0`)).
		WithArgs("scaled", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.Nil(t, s.Release(context.Background(), "scaled", 2))

	// Counter already at zero: still no error.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "quota_counters" SET "used"=used - 1 WHERE category = $1 AND lot = $2 AND used > 0`)).
		WithArgs("scaled", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.Nil(t, s.Release(context.Background(), "scaled", 2))
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestRemaining(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectQuery(`SELECT \* FROM "quota_counters" WHERE category = \$1 AND lot = \$2`).
		WithArgs("rx", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"category", "lot", "used", "capacity"}).
			AddRow("rx", 1, 12, 40))

	left, err := s.Remaining(context.Background(), "rx", 1)
	require.Nil(t, err)
	assert.Equal(t, 28, left)

	// Unknown pair reads as zero slots rather than an error.
	mock.ExpectQuery(`SELECT \* FROM "quota_counters" WHERE category = \$1 AND lot = \$2`).
		WithArgs("elite", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"category", "lot", "used", "capacity"}))

	left, err = s.Remaining(context.Background(), "elite", 1)
	require.Nil(t, err)
	assert.Equal(t, 0, left)
	assert.Nil(t, mock.ExpectationsWereMet())
}

// The status read that feeds the audit trail must lock the row, and losing
// the guarded update to a concurrent writer reports no-commit without error.
func TestTransitionLostRace(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "registrations" WHERE id = \$1.*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow(id.String(), "paid"))
	mock.ExpectExec(`UPDATE "registrations" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	committed, err := s.Transition(context.Background(), common.TransitionParams{
		ID:     id,
		From:   []types.RegistrationStatus{types.REGISTRATION_PENDING},
		To:     types.REGISTRATION_PAID,
		Actor:  types.ActorWebhook,
		Reason: "pix-settlement",
	})
	require.Nil(t, err)
	assert.False(t, committed)
	assert.Nil(t, mock.ExpectationsWereMet())
}

// The sweep scan covers both overdue rows and charge-less rows whose
// deadline was never written.
func TestListExpiredPendingIncludesOrphans(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`(payment_deadline IS NOT NULL AND payment_deadline < $2) OR (payment_deadline IS NULL AND created_at < $3)`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

	regs, err := s.ListExpiredPending(context.Background(), now, now.Add(-time.Hour), 200)
	require.Nil(t, err)
	assert.Empty(t, regs)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestHasActiveRegistration(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "registrations"`).
		WithArgs("team-1", "pending", "paid", "confirmed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	active, err := s.HasActiveRegistration(context.Background(), "team-1")
	require.Nil(t, err)
	assert.True(t, active)
	assert.Nil(t, mock.ExpectationsWereMet())
}
