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

const enrollmentColumns = `id, enrollment_number, student_id, class_id, term_id, status, total_amount, discount_amount, final_amount, paid_amount, attendance_rate, invoice_id, seat_counted, cancellation_reason, approved_by, activated_at, cancelled_at, completed_at, withdrawn_at, certificate_number, certificate_issued_at, certificate_file, deleted_at, created_at, updated_at`

// EnrollmentRepository persists enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository creates a new instance of EnrollmentRepository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create inserts an enrollment. A live duplicate for the same (student, class) is rejected by
// the partial unique index and reported as ErrDuplicate.
func (r *EnrollmentRepository) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now
	query := `INSERT INTO enrollments (` + enrollmentColumns + `) VALUES (:id, :enrollment_number, :student_id, :class_id, :term_id, :status, :total_amount, :discount_amount, :final_amount, :paid_amount, :attendance_rate, :invoice_id, :seat_counted, :cancellation_reason, :approved_by, :activated_at, :cancelled_at, :completed_at, :withdrawn_at, :certificate_number, :certificate_issued_at, :certificate_file, :deleted_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, enrollment); err != nil {
		return mapWriteError(err, "create enrollment")
	}
	return nil
}

// FindByID returns a non-deleted enrollment.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 AND deleted_at IS NULL`
	return r.get(ctx, r.db, query, "find enrollment", id)
}

// LockByID loads the enrollment with a row lock.
func (r *EnrollmentRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`
	return r.get(ctx, exec, query, "lock enrollment", id)
}

// LockByInvoiceID loads the enrollment linked to an invoice with a row lock.
func (r *EnrollmentRepository) LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE invoice_id = $1 AND deleted_at IS NULL FOR UPDATE`
	return r.get(ctx, exec, query, "lock enrollment by invoice", invoiceID)
}

func (r *EnrollmentRepository) get(ctx context.Context, q sqlx.QueryerContext, query, op string, args ...interface{}) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &enrollment, nil
}

// ExistsLive reports whether the student holds a non-cancelled, non-rejected enrollment in the class.
func (r *EnrollmentRepository) ExistsLive(ctx context.Context, exec sqlx.ExtContext, studentID, classID, excludeID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND class_id = $2 AND status NOT IN ('CANCELLED', 'REJECTED') AND deleted_at IS NULL AND id <> $3)`
	var exists bool
	if err := sqlx.GetContext(ctx, exec, &exists, query, studentID, classID, excludeID); err != nil {
		return false, fmt.Errorf("check live enrollment: %w", err)
	}
	return exists, nil
}

// HasOpenTransferInto reports whether one of the student's enrollments is waiting to move into the class.
func (r *EnrollmentRepository) HasOpenTransferInto(ctx context.Context, exec sqlx.ExtContext, studentID, classID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM enrollment_transfers WHERE student_id = $1 AND to_class_id = $2 AND status IN ('PENDING', 'PENDING_PAYMENT', 'APPROVED'))`
	var exists bool
	if err := sqlx.GetContext(ctx, exec, &exists, query, studentID, classID); err != nil {
		return false, fmt.Errorf("check incoming transfer: %w", err)
	}
	return exists, nil
}

// CountHeldSeats counts PENDING enrollments without a counted seat created after since.
func (r *EnrollmentRepository) CountHeldSeats(ctx context.Context, exec sqlx.ExtContext, classID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM enrollments WHERE class_id = $1 AND status = 'PENDING' AND seat_counted = FALSE AND deleted_at IS NULL AND created_at > $2`
	var count int
	if err := sqlx.GetContext(ctx, exec, &count, query, classID, since); err != nil {
		return 0, fmt.Errorf("count held seats: %w", err)
	}
	return count, nil
}

// Update persists every mutable field of the enrollment.
func (r *EnrollmentRepository) Update(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	enrollment.UpdatedAt = time.Now().UTC()
	const query = `UPDATE enrollments SET class_id = :class_id, status = :status, total_amount = :total_amount, discount_amount = :discount_amount, final_amount = :final_amount, paid_amount = :paid_amount, attendance_rate = :attendance_rate, invoice_id = :invoice_id, seat_counted = :seat_counted, cancellation_reason = :cancellation_reason, approved_by = :approved_by, activated_at = :activated_at, cancelled_at = :cancelled_at, completed_at = :completed_at, withdrawn_at = :withdrawn_at, certificate_number = :certificate_number, certificate_issued_at = :certificate_issued_at, certificate_file = :certificate_file, updated_at = :updated_at WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, exec, query, enrollment)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDelete hides an enrollment while keeping its financial trail.
func (r *EnrollmentRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE enrollments SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("soft delete enrollment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns enrollments based on filters with total count.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	baseQuery := `FROM enrollments WHERE deleted_at IS NULL`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{"created_at": true, "updated_at": true, "enrollment_number": true, "status": true}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "created_at"
	}
	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	page, pageSize := models.NormalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", enrollmentColumns, baseQuery, sortBy, sortOrder, pageSize, offset)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(1) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}
