package service

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

// SettlementHandler reacts to a completed payment inside the transaction that completed it.
// Handlers must be idempotent and return nil when nothing is linked to the invoice.
type SettlementHandler func(ctx context.Context, exec sqlx.ExtContext, event models.PaymentCompleted, outbox *Outbox) error

type namedHandler struct {
	name    string
	handler SettlementHandler
}

type coordinatorInvoiceStore interface {
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error)
}

type coordinatorPaymentStore interface {
	LatestCompletedByInvoice(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Payment, error)
}

// PaymentCoordinator fans a PaymentCompleted event out to the registered handlers.
type PaymentCoordinator struct {
	tx       Transactor
	invoices coordinatorInvoiceStore
	payments coordinatorPaymentStore
	handlers []namedHandler
	logger   *zap.Logger
}

// NewPaymentCoordinator constructs PaymentCoordinator.
func NewPaymentCoordinator(tx Transactor, invoices coordinatorInvoiceStore, payments coordinatorPaymentStore, logger *zap.Logger) *PaymentCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentCoordinator{tx: tx, invoices: invoices, payments: payments, logger: logger}
}

// Register appends a handler. Handlers run in registration order.
func (c *PaymentCoordinator) Register(name string, handler SettlementHandler) {
	c.handlers = append(c.handlers, namedHandler{name: name, handler: handler})
}

// Handlers returns the registered handler names.
func (c *PaymentCoordinator) Handlers() []string {
	names := make([]string, 0, len(c.handlers))
	for _, h := range c.handlers {
		names = append(names, h.name)
	}
	return names
}

// Dispatch invokes every handler. The first error aborts the caller's transaction.
func (c *PaymentCoordinator) Dispatch(ctx context.Context, exec sqlx.ExtContext, event models.PaymentCompleted, outbox *Outbox) error {
	for _, h := range c.handlers {
		if err := h.handler(ctx, exec, event, outbox); err != nil {
			c.logger.Warn("settlement handler failed",
				zap.String("handler", h.name),
				zap.String("invoice_id", event.InvoiceID),
				zap.String("payment_id", event.PaymentID),
				zap.Error(err),
			)
			return internalError(err, fmt.Sprintf("settlement handler %s failed", h.name))
		}
	}
	return nil
}

// Resettle replays PaymentCompleted for a paid invoice. Handlers are idempotent, so replaying a
// settled invoice changes nothing. Returns false when the invoice is not paid.
func (c *PaymentCoordinator) Resettle(ctx context.Context, invoiceID string) (bool, error) {
	outbox := NewOutbox()
	replayed := false
	err := c.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		invoice, err := c.invoices.LockByID(ctx, exec, invoiceID)
		if err != nil {
			return notFoundOr(err, "invoice not found", "failed to lock invoice")
		}
		if !invoice.IsPaid() {
			return nil
		}
		payment, err := c.payments.LatestCompletedByInvoice(ctx, exec, invoice.ID)
		if err != nil {
			return notFoundOr(err, "invoice has no completed payment", "failed to load payment")
		}
		event := models.PaymentCompleted{
			InvoiceID: invoice.ID,
			PaymentID: payment.ID,
			StudentID: invoice.StudentID,
			Amount:    payment.Amount,
			Method:    payment.Method,
		}
		if err := c.Dispatch(ctx, exec, event, outbox); err != nil {
			return err
		}
		replayed = true
		return nil
	})
	if err != nil {
		return false, internalError(err, "failed to resettle invoice")
	}
	outbox.Flush(ctx)
	return replayed, nil
}
