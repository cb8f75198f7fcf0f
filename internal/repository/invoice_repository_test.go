package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

func TestInvoiceRepositoryCreateWritesItems(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewInvoiceRepository(db)

	invoice := &models.Invoice{
		InvoiceNumber: "INV2026000001",
		StudentID:     "stu-1",
		Status:        models.InvoiceStatusPending,
		Items: []models.InvoiceItem{
			{Description: "Algebra", Quantity: 1, UnitPrice: decimal.NewFromInt(500000), TotalAmount: decimal.NewFromInt(500000)},
			{Description: "Workbook", Quantity: 2, UnitPrice: decimal.NewFromInt(25000), TotalAmount: decimal.NewFromInt(50000)},
		},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invoices (")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invoice_items (")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invoice_items (")).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), db, invoice))
	assert.NotEmpty(t, invoice.ID)
	for _, item := range invoice.Items {
		assert.Equal(t, invoice.ID, item.InvoiceID)
		assert.NotEmpty(t, item.ID)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryFindByIDLoadsItems(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewInvoiceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM invoices WHERE id = $1")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "invoice_number", "student_id", "total_amount", "paid_amount", "status"}).
			AddRow("inv-1", "INV2026000001", "stu-1", "550000", "100000", models.InvoiceStatusPartiallyPaid))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invoice_items WHERE invoice_id = $1 ORDER BY id")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "invoice_id", "description", "quantity", "unit_price", "total_amount"}).
			AddRow("item-1", "inv-1", "Algebra", 1, "550000", "550000"))

	invoice, err := repo.FindByID(context.Background(), "inv-1")
	require.NoError(t, err)
	require.Len(t, invoice.Items, 1)
	assert.True(t, invoice.RemainingAmount().Equal(decimal.NewFromInt(450000)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryReminderQueries(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewInvoiceRepository(db)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('PENDING', 'PARTIALLY_PAID') AND due_date IS NOT NULL AND due_date <= $1")).
		WithArgs(now.Add(72*time.Hour), now.Add(-24*time.Hour), 200).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id"}).AddRow("inv-1", "stu-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE invoices SET last_reminded_at = $2 WHERE id = $1")).
		WithArgs("inv-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	invoices, err := repo.ListDueForReminder(context.Background(), now.Add(72*time.Hour), now.Add(-24*time.Hour), 200)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.NoError(t, repo.MarkReminded(context.Background(), "inv-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryListResettleCandidates(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewInvoiceRepository(db)

	mock.ExpectQuery(`SELECT i\.id FROM invoices i WHERE i\.status = 'PAID'.*enrollment_transfers.*annual_registrations.*LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("inv-1").AddRow("inv-2"))

	ids, err := repo.ListResettleCandidates(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"inv-1", "inv-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryHasOpenForEnrollment(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewTransferRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("status IN ('PENDING', 'PENDING_PAYMENT', 'APPROVED')")).
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	open, err := repo.HasOpenForEnrollment(context.Background(), db, "enr-1")
	require.NoError(t, err)
	assert.True(t, open)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryListByStudent(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewTransferRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollment_transfers WHERE 1=1 AND student_id = $1 ORDER BY created_at DESC LIMIT 20 OFFSET 0")).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "price_difference"}).AddRow("tr-1", "stu-1", "-200000"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM enrollment_transfers WHERE 1=1 AND student_id = $1")).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	transfers, total, err := repo.List(context.Background(), models.TransferFilter{StudentID: "stu-1"})
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, 1, total)
	assert.True(t, transfers[0].PriceDifference.IsNegative())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnnualRegistrationRepositoryExpirePastEndDate(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewAnnualRegistrationRepository(db)
	today := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE annual_registrations SET status = 'EXPIRED', updated_at = NOW() WHERE status = 'ACTIVE' AND end_date < $1")).
		WithArgs(today).
		WillReturnResult(sqlmock.NewResult(0, 3))

	expired, err := repo.ExpirePastEndDate(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, int64(3), expired)
	require.NoError(t, mock.ExpectationsWereMet())
}
