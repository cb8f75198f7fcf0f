package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

const paymentColumns = `id, payment_number, invoice_id, student_id, amount, method, status, reference, gateway_token, redirect_url, verified_by, failure_reason, refund_reason, completed_at, refunded_at, created_at, updated_at`

// PaymentRepository persists settlement attempts.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository creates a new instance of PaymentRepository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a payment.
func (r *PaymentRepository) Create(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	query := `INSERT INTO payments (` + paymentColumns + `) VALUES (:id, :payment_number, :invoice_id, :student_id, :amount, :method, :status, :reference, :gateway_token, :redirect_url, :verified_by, :failure_reason, :refund_reason, :completed_at, :refunded_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, payment); err != nil {
		return mapWriteError(err, "create payment")
	}
	return nil
}

// FindByID returns a payment by identifier.
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.get(ctx, r.db, query, "find payment", id)
}

// FindByGatewayToken returns the payment opened with the gateway token.
func (r *PaymentRepository) FindByGatewayToken(ctx context.Context, token string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_token = $1`
	return r.get(ctx, r.db, query, "find payment by token", token)
}

// LockByID loads the payment with a row lock.
func (r *PaymentRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock payment", id)
}

func (r *PaymentRepository) get(ctx context.Context, q sqlx.QueryerContext, query, op string, args ...interface{}) (*models.Payment, error) {
	var payment models.Payment
	if err := sqlx.GetContext(ctx, q, &payment, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &payment, nil
}

// Update persists status and settlement metadata.
func (r *PaymentRepository) Update(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error {
	payment.UpdatedAt = time.Now().UTC()
	const query = `UPDATE payments SET status = :status, reference = :reference, gateway_token = :gateway_token, redirect_url = :redirect_url, verified_by = :verified_by, failure_reason = :failure_reason, refund_reason = :refund_reason, completed_at = :completed_at, refunded_at = :refunded_at, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, payment); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

// SumCompleted returns the sum of COMPLETED payment amounts for an invoice.
func (r *PaymentRepository) SumCompleted(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (decimal.Decimal, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1 AND status = 'COMPLETED'`
	var sum decimal.Decimal
	if err := sqlx.GetContext(ctx, exec, &sum, query, invoiceID); err != nil {
		return decimal.Zero, fmt.Errorf("sum completed payments: %w", err)
	}
	return sum, nil
}

// CountCompleted returns the number of COMPLETED payments for an invoice.
func (r *PaymentRepository) CountCompleted(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (int, error) {
	const query = `SELECT COUNT(1) FROM payments WHERE invoice_id = $1 AND status = 'COMPLETED'`
	var count int
	if err := sqlx.GetContext(ctx, exec, &count, query, invoiceID); err != nil {
		return 0, fmt.Errorf("count completed payments: %w", err)
	}
	return count, nil
}

// HasPendingOnline reports whether an online payment for the invoice still waits for the gateway.
func (r *PaymentRepository) HasPendingOnline(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM payments WHERE invoice_id = $1 AND method = 'ONLINE' AND status = 'PENDING')`
	var exists bool
	if err := sqlx.GetContext(ctx, exec, &exists, query, invoiceID); err != nil {
		return false, fmt.Errorf("check pending online payment: %w", err)
	}
	return exists, nil
}

// ListByInvoice returns payments for an invoice ordered by creation.
func (r *PaymentRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE invoice_id = $1 ORDER BY created_at ASC`
	var payments []models.Payment
	if err := r.db.SelectContext(ctx, &payments, query, invoiceID); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// LatestCompletedByInvoice returns the most recent COMPLETED payment of an invoice.
func (r *PaymentRepository) LatestCompletedByInvoice(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE invoice_id = $1 AND status = 'COMPLETED' ORDER BY completed_at DESC LIMIT 1`
	return r.get(ctx, exec, query, "latest completed payment", invoiceID)
}
