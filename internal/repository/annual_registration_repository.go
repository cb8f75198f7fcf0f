package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

const annualRegistrationColumns = `id, student_id, academic_year, branch_id, status, fee, invoice_id, is_paid_cached, documents_verified, verified_by, start_date, end_date, activated_at, cancelled_at, cancellation_reason, created_at, updated_at`

// AnnualRegistrationRepository persists yearly registrations.
type AnnualRegistrationRepository struct {
	db *sqlx.DB
}

// NewAnnualRegistrationRepository creates a new instance of AnnualRegistrationRepository.
func NewAnnualRegistrationRepository(db *sqlx.DB) *AnnualRegistrationRepository {
	return &AnnualRegistrationRepository{db: db}
}

// Create inserts a registration. The (student_id, academic_year) unique key maps to ErrDuplicate.
func (r *AnnualRegistrationRepository) Create(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration) error {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	reg.CreatedAt = now
	reg.UpdatedAt = now
	query := `INSERT INTO annual_registrations (` + annualRegistrationColumns + `) VALUES (:id, :student_id, :academic_year, :branch_id, :status, :fee, :invoice_id, :is_paid_cached, :documents_verified, :verified_by, :start_date, :end_date, :activated_at, :cancelled_at, :cancellation_reason, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, reg); err != nil {
		return mapWriteError(err, "create annual registration")
	}
	return nil
}

// FindByID returns a registration by identifier.
func (r *AnnualRegistrationRepository) FindByID(ctx context.Context, id string) (*models.AnnualRegistration, error) {
	query := `SELECT ` + annualRegistrationColumns + ` FROM annual_registrations WHERE id = $1`
	return r.get(ctx, r.db, query, "find annual registration", id)
}

// LockByID loads a registration with a row lock.
func (r *AnnualRegistrationRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.AnnualRegistration, error) {
	query := `SELECT ` + annualRegistrationColumns + ` FROM annual_registrations WHERE id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock annual registration", id)
}

// LockByInvoiceID loads the registration billed by invoiceID.
func (r *AnnualRegistrationRepository) LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.AnnualRegistration, error) {
	query := `SELECT ` + annualRegistrationColumns + ` FROM annual_registrations WHERE invoice_id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock annual registration by invoice", invoiceID)
}

func (r *AnnualRegistrationRepository) get(ctx context.Context, q sqlx.QueryerContext, query, op string, args ...interface{}) (*models.AnnualRegistration, error) {
	var reg models.AnnualRegistration
	if err := sqlx.GetContext(ctx, q, &reg, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &reg, nil
}

// Update persists the mutable registration fields.
func (r *AnnualRegistrationRepository) Update(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration) error {
	reg.UpdatedAt = time.Now().UTC()
	const query = `UPDATE annual_registrations SET status = :status, invoice_id = :invoice_id, is_paid_cached = :is_paid_cached, documents_verified = :documents_verified, verified_by = :verified_by, activated_at = :activated_at, cancelled_at = :cancelled_at, cancellation_reason = :cancellation_reason, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, reg); err != nil {
		return fmt.Errorf("update annual registration: %w", err)
	}
	return nil
}

// ExpirePastEndDate moves ACTIVE registrations ending before today to EXPIRED.
func (r *AnnualRegistrationRepository) ExpirePastEndDate(ctx context.Context, today time.Time) (int64, error) {
	const query = `UPDATE annual_registrations SET status = 'EXPIRED', updated_at = NOW() WHERE status = 'ACTIVE' AND end_date < $1`
	res, err := r.db.ExecContext(ctx, query, today)
	if err != nil {
		return 0, fmt.Errorf("expire annual registrations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire annual registrations rows: %w", err)
	}
	return affected, nil
}
