package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

func TestEnrollmentRepositoryListAppliesFilters(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)
	status := models.EnrollmentStatusActive

	rows := sqlmock.NewRows([]string{"id", "enrollment_number", "student_id", "class_id", "status", "final_amount", "paid_amount"}).
		AddRow("enr-1", "EN2026000001", "stu-1", "class-1", status, "500000", "500000")
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE deleted_at IS NULL AND student_id = $1 AND status = $2 ORDER BY enrollment_number ASC LIMIT 20 OFFSET 0")).
		WithArgs("stu-1", status).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM enrollments WHERE deleted_at IS NULL AND student_id = $1 AND status = $2")).
		WithArgs("stu-1", status).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	enrollments, total, err := repo.List(context.Background(), models.EnrollmentFilter{
		StudentID: "stu-1",
		Status:    &status,
		SortBy:    "enrollment_number",
		SortOrder: "asc",
	})
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	assert.Equal(t, 1, total)
	assert.True(t, enrollments[0].PaidAmount.Equal(decimal.NewFromInt(500000)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListRejectsUnknownSort(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 20 OFFSET 20")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM enrollments WHERE deleted_at IS NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, total, err := repo.List(context.Background(), models.EnrollmentFilter{Page: 2, SortBy: "student_id; DROP TABLE enrollments"})
	require.NoError(t, err)
	assert.Zero(t, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryLockByInvoiceID(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE invoice_id = $1 AND deleted_at IS NULL FOR UPDATE")).
		WithArgs("inv-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LockByInvoiceID(context.Background(), db, "inv-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryHasOpenTransferInto(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollment_transfers WHERE student_id = $1 AND to_class_id = $2 AND status IN ('PENDING', 'PENDING_PAYMENT', 'APPROVED')")).
		WithArgs("stu-1", "class-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	incoming, err := repo.HasOpenTransferInto(context.Background(), db, "stu-1", "class-2")
	require.NoError(t, err)
	assert.True(t, incoming)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateMissingRow(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET class_id = ?, status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), db, &models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusCancelled})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySoftDelete(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewEnrollmentRepository(db)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL")).
		WithArgs("enr-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SoftDelete(context.Background(), "enr-1", at))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET deleted_at")).
		WithArgs("enr-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.SoftDelete(context.Background(), "enr-1", at), sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
