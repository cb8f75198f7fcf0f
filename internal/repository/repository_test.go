package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestClassRepositoryAdjustSeats(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewClassRepository(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE classes SET current_enrollments = current_enrollments + $2")).
		WithArgs("class-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AdjustSeats(ctx, db, "class-1", 1))

	mock.ExpectExec(regexp.QuoteMeta("BETWEEN 0 AND capacity")).
		WithArgs("class-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.AdjustSeats(ctx, db, "class-1", 1), ErrSeatUnavailable)

	mock.ExpectExec(regexp.QuoteMeta("BETWEEN 0 AND capacity")).
		WithArgs("class-1", -1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.AdjustSeats(ctx, db, "class-1", -1), ErrSeatUnderflow)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassRepositoryLockForUpdate(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewClassRepository(db)

	rows := sqlmock.NewRows([]string{"id", "name", "capacity", "current_enrollments", "price", "is_active"}).
		AddRow("class-1", "Algebra", 10, 4, "1000000", true)
	mock.ExpectQuery(`FROM classes WHERE id = \$1 FOR UPDATE`).WithArgs("class-1").WillReturnRows(rows)

	class, err := repo.LockForUpdate(context.Background(), db, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 4, class.CurrentEnrollments)
	assert.True(t, class.Price.Equal(decimal.NewFromInt(1000000)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassRepositoryReconcileLocksBeforeRecount(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewClassRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM classes ORDER BY id FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("class-1").AddRow("class-2"))
	mock.ExpectQuery(regexp.QuoteMeta("HAVING COUNT(e.id) > c.capacity")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("class-2"))
	mock.ExpectExec(regexp.QuoteMeta("SET current_enrollments = LEAST(sub.counted, c.capacity)")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	result, err := repo.ReconcileSeatCounters(context.Background(), tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(2), result.Corrected)
	assert.Equal(t, []string{"class-2"}, result.Overbooked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSequenceRepositoryNext(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewSequenceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (prefix, year) DO UPDATE SET last_value = document_sequences.last_value + 1")).
		WithArgs("INV", 2025).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(7))

	seq, err := repo.Next(context.Background(), db, models.PrefixInvoice, 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateDuplicate(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO enrollments").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), db, &models.Enrollment{StudentID: "stu-1", ClassID: "class-1", Status: models.EnrollmentStatusPending})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCountHeldSeats(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)
	since := time.Now().Add(-30 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("status = 'PENDING' AND seat_counted = FALSE")).
		WithArgs("class-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	held, err := repo.CountHeldSeats(context.Background(), db, "class-1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, held)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCouponRepositoryIncrementUsageExhausted(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCouponRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("used_count < usage_limit")).
		WithArgs("coupon-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.IncrementUsage(context.Background(), db, "coupon-1"), ErrCouponExhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRepositoryApplyDeltaInsufficient(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("balance + $2 >= 0 RETURNING balance")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	_, err := repo.ApplyDelta(context.Background(), db, "note-1", decimal.NewFromInt(-100))
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRepositoryLockNoteCreatesWallet(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (student_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_notes WHERE student_id = $1 FOR UPDATE")).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "balance"}).AddRow("note-1", "stu-1", "2500"))

	note, err := repo.LockNote(context.Background(), db, "stu-1")
	require.NoError(t, err)
	assert.True(t, note.Balance.Equal(decimal.NewFromInt(2500)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositorySumCompleted(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewPaymentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1 AND status = 'COMPLETED'")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("950000.00"))

	sum, err := repo.SumCompleted(context.Background(), db, "inv-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(950000)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryHasPendingOnline(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewPaymentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE invoice_id = $1 AND method = 'ONLINE' AND status = 'PENDING'")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	open, err := repo.HasPendingOnline(context.Background(), db, "inv-1")
	require.NoError(t, err)
	assert.False(t, open)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitingListRepositoryNextWaitingUsesPromotionOrder(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewWaitingListRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("status = 'WAITING' ORDER BY is_priority DESC, created_at ASC, id ASC LIMIT 1 FOR UPDATE")).
		WithArgs("class-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "class_id", "student_id", "position", "is_priority", "status"}).
			AddRow("wl-2", "class-1", "stu-2", 5, true, "WAITING"))

	entry, err := repo.NextWaiting(context.Background(), db, "class-1")
	require.NoError(t, err)
	assert.Equal(t, "wl-2", entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitingListRepositoryExpireOffers(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewWaitingListRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'EXPIRED'")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"class_id"}).AddRow("class-1").AddRow("class-1").AddRow("class-2"))

	classIDs, err := repo.ExpireOffers(context.Background(), db, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"class-1", "class-2"}, classIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnnualRegistrationRepositoryCreateDuplicate(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewAnnualRegistrationRepository(db)

	mock.ExpectExec("INSERT INTO annual_registrations").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), db, &models.AnnualRegistration{StudentID: "stu-1", AcademicYear: "2025-2026"})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	var dest map[string]interface{}
	assert.ErrorIs(t, repo.Get(context.Background(), "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "k", map[string]int{"a": 1}, time.Minute))
	assert.NoError(t, repo.Delete(context.Background(), "k"))
}
