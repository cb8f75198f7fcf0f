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

const invoiceColumns = `id, invoice_number, student_id, description, subtotal, discount_amount, tax_amount, total_amount, paid_amount, status, coupon_id, due_date, last_reminded_at, created_at, updated_at`

const invoiceItemColumns = `id, invoice_id, description, quantity, unit_price, discount_amount, total_amount`

// InvoiceRepository persists invoices and their line items.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository creates a new instance of InvoiceRepository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts the invoice and its items.
func (r *InvoiceRepository) Create(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	query := `INSERT INTO invoices (` + invoiceColumns + `) VALUES (:id, :invoice_number, :student_id, :description, :subtotal, :discount_amount, :tax_amount, :total_amount, :paid_amount, :status, :coupon_id, :due_date, :last_reminded_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, invoice); err != nil {
		return mapWriteError(err, "create invoice")
	}
	itemQuery := `INSERT INTO invoice_items (` + invoiceItemColumns + `) VALUES (:id, :invoice_id, :description, :quantity, :unit_price, :discount_amount, :total_amount)`
	for idx := range invoice.Items {
		item := &invoice.Items[idx]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.InvoiceID = invoice.ID
		if _, err := sqlx.NamedExecContext(ctx, exec, itemQuery, item); err != nil {
			return fmt.Errorf("create invoice item: %w", err)
		}
	}
	return nil
}

// FindByID returns the invoice with its items.
func (r *InvoiceRepository) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	invoice, err := r.get(ctx, r.db, query, "find invoice", id)
	if err != nil {
		return nil, err
	}
	items, err := r.ListItems(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	invoice.Items = items
	return invoice, nil
}

// LockByID loads the invoice header with a row lock.
func (r *InvoiceRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock invoice", id)
}

func (r *InvoiceRepository) get(ctx context.Context, q sqlx.QueryerContext, query, op string, args ...interface{}) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := sqlx.GetContext(ctx, q, &invoice, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &invoice, nil
}

// ListItems returns the invoice lines in insertion order.
func (r *InvoiceRepository) ListItems(ctx context.Context, q sqlx.QueryerContext, invoiceID string) ([]models.InvoiceItem, error) {
	query := `SELECT ` + invoiceItemColumns + ` FROM invoice_items WHERE invoice_id = $1 ORDER BY id`
	var items []models.InvoiceItem
	if err := sqlx.SelectContext(ctx, q, &items, query, invoiceID); err != nil {
		return nil, fmt.Errorf("list invoice items: %w", err)
	}
	return items, nil
}

// Update persists totals, paid amount, status and coupon link.
func (r *InvoiceRepository) Update(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	invoice.UpdatedAt = time.Now().UTC()
	const query = `UPDATE invoices SET subtotal = :subtotal, discount_amount = :discount_amount, tax_amount = :tax_amount, total_amount = :total_amount, paid_amount = :paid_amount, status = :status, coupon_id = :coupon_id, due_date = :due_date, last_reminded_at = :last_reminded_at, updated_at = :updated_at WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, exec, query, invoice)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListDueForReminder returns unpaid invoices due before dueBefore that were not reminded since remindedBefore.
func (r *InvoiceRepository) ListDueForReminder(ctx context.Context, dueBefore, remindedBefore time.Time, limit int) ([]models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
WHERE status IN ('PENDING', 'PARTIALLY_PAID') AND due_date IS NOT NULL AND due_date <= $1
AND (last_reminded_at IS NULL OR last_reminded_at < $2)
ORDER BY due_date ASC LIMIT $3`
	var invoices []models.Invoice
	if err := r.db.SelectContext(ctx, &invoices, query, dueBefore, remindedBefore, limit); err != nil {
		return nil, fmt.Errorf("list invoices due for reminder: %w", err)
	}
	return invoices, nil
}

// MarkReminded stamps last_reminded_at.
func (r *InvoiceRepository) MarkReminded(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE invoices SET last_reminded_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark invoice reminded: %w", err)
	}
	return nil
}

// ListResettleCandidates returns paid invoices whose dependents still wait for settlement.
func (r *InvoiceRepository) ListResettleCandidates(ctx context.Context, limit int) ([]string, error) {
	const query = `SELECT i.id FROM invoices i WHERE i.status = 'PAID' AND (
	EXISTS (SELECT 1 FROM enrollments e WHERE e.invoice_id = i.id AND e.status IN ('PENDING', 'APPROVED') AND e.deleted_at IS NULL)
	OR EXISTS (SELECT 1 FROM enrollment_transfers t WHERE t.invoice_id = i.id AND t.status = 'PENDING_PAYMENT')
	OR EXISTS (SELECT 1 FROM annual_registrations a WHERE a.invoice_id = i.id AND a.status = 'PENDING_PAYMENT')
) ORDER BY i.updated_at ASC LIMIT $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, limit); err != nil {
		return nil, fmt.Errorf("list resettle candidates: %w", err)
	}
	return ids, nil
}
