package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

const transferColumns = `id, enrollment_id, student_id, from_class_id, to_class_id, price_difference, status, reason, rejection_reason, invoice_id, requested_by, approved_by, approved_at, completed_at, created_at, updated_at`

// TransferRepository persists enrollment transfers.
type TransferRepository struct {
	db *sqlx.DB
}

// NewTransferRepository creates a new instance of TransferRepository.
func NewTransferRepository(db *sqlx.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create inserts a transfer request.
func (r *TransferRepository) Create(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer) error {
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now
	query := `INSERT INTO enrollment_transfers (` + transferColumns + `) VALUES (:id, :enrollment_id, :student_id, :from_class_id, :to_class_id, :price_difference, :status, :reason, :rejection_reason, :invoice_id, :requested_by, :approved_by, :approved_at, :completed_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, transfer); err != nil {
		return mapWriteError(err, "create transfer")
	}
	return nil
}

// FindByID returns a transfer by identifier.
func (r *TransferRepository) FindByID(ctx context.Context, id string) (*models.EnrollmentTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM enrollment_transfers WHERE id = $1`
	return r.get(ctx, r.db, query, "find transfer", id)
}

// LockByID loads a transfer with a row lock.
func (r *TransferRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EnrollmentTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM enrollment_transfers WHERE id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock transfer", id)
}

// LockByInvoiceID loads the transfer whose top-up invoice is invoiceID.
func (r *TransferRepository) LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.EnrollmentTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM enrollment_transfers WHERE invoice_id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock transfer by invoice", invoiceID)
}

func (r *TransferRepository) get(ctx context.Context, q sqlx.QueryerContext, query, op string, args ...interface{}) (*models.EnrollmentTransfer, error) {
	var transfer models.EnrollmentTransfer
	if err := sqlx.GetContext(ctx, q, &transfer, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &transfer, nil
}

// HasOpenForEnrollment reports whether the enrollment already has an unfinished transfer.
func (r *TransferRepository) HasOpenForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM enrollment_transfers WHERE enrollment_id = $1 AND status IN ('PENDING', 'PENDING_PAYMENT', 'APPROVED'))`
	var exists bool
	if err := sqlx.GetContext(ctx, exec, &exists, query, enrollmentID); err != nil {
		return false, fmt.Errorf("check open transfer: %w", err)
	}
	return exists, nil
}

// Update persists status and approval metadata.
func (r *TransferRepository) Update(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer) error {
	transfer.UpdatedAt = time.Now().UTC()
	const query = `UPDATE enrollment_transfers SET status = :status, rejection_reason = :rejection_reason, invoice_id = :invoice_id, approved_by = :approved_by, approved_at = :approved_at, completed_at = :completed_at, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, transfer); err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	return nil
}

// List returns transfers based on filters with total count.
func (r *TransferRepository) List(ctx context.Context, filter models.TransferFilter) ([]models.EnrollmentTransfer, int, error) {
	baseQuery := `FROM enrollment_transfers WHERE 1=1`
	var conditions []string
	var args []interface{}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.EnrollmentID != "" {
		conditions = append(conditions, fmt.Sprintf("enrollment_id = $%d", len(args)+1))
		args = append(args, filter.EnrollmentID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}
	page, pageSize := models.NormalizePage(filter.Page, filter.PageSize)

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", transferColumns, baseQuery, pageSize, (page-1)*pageSize)
	var transfers []models.EnrollmentTransfer
	if err := r.db.SelectContext(ctx, &transfers, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list transfers: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(1) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count transfers: %w", err)
	}
	return transfers, total, nil
}
