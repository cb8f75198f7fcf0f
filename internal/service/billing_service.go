package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
	"github.com/noah-isme/academy-enrollment-api/pkg/gateway"
)

type invoiceStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error)
	Update(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
}

type paymentStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	FindByGatewayToken(ctx context.Context, token string) (*models.Payment, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Payment, error)
	Update(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error
	SumCompleted(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (decimal.Decimal, error)
	CountCompleted(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (int, error)
	HasPendingOnline(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (bool, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error)
}

type couponStore interface {
	LockByCode(ctx context.Context, exec sqlx.ExtContext, code string) (*models.Coupon, error)
	IncrementUsage(ctx context.Context, exec sqlx.ExtContext, id string) error
	CountUsageByStudent(ctx context.Context, exec sqlx.ExtContext, couponID, studentID string) (int, error)
	CreateUsage(ctx context.Context, exec sqlx.ExtContext, usage *models.CouponUsage) error
}

type creditLedger interface {
	AddCreditTx(ctx context.Context, exec sqlx.ExtContext, m CreditMovement) (*models.CreditTransaction, error)
	UseCreditTx(ctx context.Context, exec sqlx.ExtContext, m CreditMovement) (*models.CreditTransaction, error)
}

type settlementDispatcher interface {
	Dispatch(ctx context.Context, exec sqlx.ExtContext, event models.PaymentCompleted, outbox *Outbox) error
}

// InvoiceListener observes invoice changes inside the transaction that made them. It replaces
// implicit model signals with an explicit call.
type InvoiceListener func(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, outbox *Outbox) error

// InvoiceDraft describes an invoice created on behalf of another workflow.
type InvoiceDraft struct {
	StudentID      string
	Description    string
	Items          []models.InvoiceItem
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	DueDate        *time.Time
}

// BillingConfig carries billing settings used by the service.
type BillingConfig struct {
	TaxRate decimal.Decimal
}

var gatewaySuccessStatuses = map[string]bool{"success": true, "settlement": true, "paid": true, "capture": true}

// BillingService implements the invoice and payment ledger.
type BillingService struct {
	tx         Transactor
	invoices   invoiceStore
	payments   paymentStore
	coupons    couponStore
	sequences  sequenceGenerator
	credits    creditLedger
	gateway    gateway.Gateway
	dispatcher settlementDispatcher
	listeners  []InvoiceListener
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        BillingConfig
	now        func() time.Time
}

// NewBillingService constructs BillingService.
func NewBillingService(tx Transactor, invoices invoiceStore, payments paymentStore, coupons couponStore, sequences sequenceGenerator, credits creditLedger, gw gateway.Gateway, dispatcher settlementDispatcher, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg BillingConfig) *BillingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingService{
		tx:         tx,
		invoices:   invoices,
		payments:   payments,
		coupons:    coupons,
		sequences:  sequences,
		credits:    credits,
		gateway:    gw,
		dispatcher: dispatcher,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OnInvoiceChanged registers a listener called after every persisted invoice recompute.
func (s *BillingService) OnInvoiceChanged(listener InvoiceListener) {
	s.listeners = append(s.listeners, listener)
}

// TaxRate exposes the configured tax percentage.
func (s *BillingService) TaxRate() decimal.Decimal {
	return s.cfg.TaxRate
}

// CreateInvoice creates a standalone invoice with server-side totals. Staff only.
func (s *BillingService) CreateInvoice(ctx context.Context, actor models.Actor, req dto.CreateInvoiceRequest) (*models.Invoice, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invoice payload")
	}
	if req.DiscountAmount.IsNegative() || req.TaxAmount.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "discount and tax must not be negative")
	}
	draft := InvoiceDraft{
		StudentID:      req.StudentID,
		Description:    req.Description,
		DiscountAmount: req.DiscountAmount,
		TaxAmount:      req.TaxAmount,
		DueDate:        req.DueDate,
	}
	for _, item := range req.Items {
		if item.UnitPrice.IsNegative() || item.DiscountAmount.IsNegative() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "item amounts must not be negative")
		}
		draft.Items = append(draft.Items, models.InvoiceItem{
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			DiscountAmount: item.DiscountAmount,
		})
	}
	var invoice *models.Invoice
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		invoice, err = s.CreateInvoiceTx(ctx, exec, draft)
		return err
	})
	if err != nil {
		return nil, internalError(err, "failed to create invoice")
	}
	return invoice, nil
}

// CreateInvoiceTx creates an invoice inside the caller's transaction.
func (s *BillingService) CreateInvoiceTx(ctx context.Context, exec sqlx.ExtContext, draft InvoiceDraft) (*models.Invoice, error) {
	number, err := nextDocumentNumber(ctx, exec, s.sequences, models.PrefixInvoice, s.now())
	if err != nil {
		return nil, internalError(err, "failed to allocate invoice number")
	}
	invoice := &models.Invoice{
		InvoiceNumber:  number,
		StudentID:      draft.StudentID,
		Description:    draft.Description,
		DiscountAmount: draft.DiscountAmount,
		TaxAmount:      draft.TaxAmount,
		PaidAmount:     decimal.Zero,
		Status:         models.InvoiceStatusPending,
		DueDate:        draft.DueDate,
		Items:          append([]models.InvoiceItem(nil), draft.Items...),
	}
	invoice.Recalculate()
	invoice.ApplyPaidAmount(decimal.Zero)
	if err := s.invoices.Create(ctx, exec, invoice); err != nil {
		return nil, internalError(err, "failed to create invoice")
	}
	return invoice, nil
}

// VoidInvoiceTx cancels an invoice inside the caller's transaction. Money already paid stays
// recorded in paid_amount; the caller decides where it goes. changed is false when the invoice
// was already cancelled.
func (s *BillingService) VoidInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (invoice *models.Invoice, changed bool, err error) {
	invoice, err = s.invoices.LockByID(ctx, exec, invoiceID)
	if err != nil {
		return nil, false, notFoundOr(err, "invoice not found", "failed to lock invoice")
	}
	if invoice.Status == models.InvoiceStatusCancelled {
		return invoice, false, nil
	}
	invoice.Status = models.InvoiceStatusCancelled
	if err := s.invoices.Update(ctx, exec, invoice); err != nil {
		return nil, false, internalError(err, "failed to cancel invoice")
	}
	return invoice, true, nil
}

// GetInvoice returns an invoice visible to the actor.
func (s *BillingService) GetInvoice(ctx context.Context, actor models.Actor, id string) (*models.Invoice, error) {
	invoice, err := s.invoices.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "invoice not found", "failed to load invoice")
	}
	if !actor.CanActFor(invoice.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	return invoice, nil
}

// ListPayments returns every payment attempt recorded against an invoice.
func (s *BillingService) ListPayments(ctx context.Context, actor models.Actor, invoiceID string) ([]models.Payment, error) {
	if _, err := s.GetInvoice(ctx, actor, invoiceID); err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, internalError(err, "failed to list payments")
	}
	return payments, nil
}

// LockInvoiceTx reads the invoice under lock for collaborators deciding on payment state.
func (s *BillingService) LockInvoiceTx(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error) {
	invoice, err := s.invoices.LockByID(ctx, exec, id)
	if err != nil {
		return nil, notFoundOr(err, "invoice not found", "failed to lock invoice")
	}
	return invoice, nil
}

// ApplyCoupon redeems a coupon against an unpaid invoice.
func (s *BillingService) ApplyCoupon(ctx context.Context, actor models.Actor, invoiceID string, req dto.ApplyCouponRequest) (*models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid coupon payload")
	}
	outbox := NewOutbox()
	var invoice *models.Invoice
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		invoice, err = s.invoices.LockByID(ctx, exec, invoiceID)
		if err != nil {
			return notFoundOr(err, "invoice not found", "failed to lock invoice")
		}
		if !actor.CanActFor(invoice.StudentID) {
			return appErrors.ErrForbidden
		}
		if invoice.Status == models.InvoiceStatusCancelled || invoice.Status == models.InvoiceStatusPaid {
			return appErrors.Clone(appErrors.ErrInvalidCoupon, "invoice is not open for discounts")
		}
		if invoice.CouponID != nil {
			return appErrors.Clone(appErrors.ErrInvalidCoupon, "a coupon is already applied to this invoice")
		}
		completed, err := s.payments.CountCompleted(ctx, exec, invoice.ID)
		if err != nil {
			return internalError(err, "failed to check invoice payments")
		}
		if completed > 0 {
			return appErrors.Clone(appErrors.ErrInvalidCoupon, "coupons cannot be applied after a payment")
		}

		coupon, err := s.coupons.LockByCode(ctx, exec, strings.TrimSpace(req.Code))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrInvalidCoupon, "unknown coupon code")
			}
			return internalError(err, "failed to load coupon")
		}
		if reason := coupon.Rejection(s.now(), invoice.Subtotal); reason != "" {
			return appErrors.Clone(appErrors.ErrInvalidCoupon, reason)
		}
		if coupon.UsageLimitPerUser != nil {
			used, err := s.coupons.CountUsageByStudent(ctx, exec, coupon.ID, invoice.StudentID)
			if err != nil {
				return internalError(err, "failed to check coupon usage")
			}
			if used >= *coupon.UsageLimitPerUser {
				return appErrors.Clone(appErrors.ErrInvalidCoupon, "coupon usage limit per student reached")
			}
		}
		if err := s.coupons.IncrementUsage(ctx, exec, coupon.ID); err != nil {
			if errors.Is(err, repository.ErrCouponExhausted) {
				return appErrors.Clone(appErrors.ErrInvalidCoupon, "coupon usage limit reached")
			}
			return internalError(err, "failed to redeem coupon")
		}

		discount := coupon.DiscountFor(invoice.Subtotal)
		if err := s.coupons.CreateUsage(ctx, exec, &models.CouponUsage{
			CouponID:       coupon.ID,
			StudentID:      invoice.StudentID,
			InvoiceID:      invoice.ID,
			DiscountAmount: discount,
		}); err != nil {
			return internalError(err, "failed to record coupon usage")
		}
		invoice.DiscountAmount = invoice.DiscountAmount.Add(discount)
		invoice.CouponID = &coupon.ID
		invoice.RecalculateTotal()
		invoice.ApplyPaidAmount(invoice.PaidAmount)
		if err := s.invoices.Update(ctx, exec, invoice); err != nil {
			return internalError(err, "failed to update invoice")
		}
		return s.notifyListeners(ctx, exec, invoice, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return invoice, nil
}

// RecordPayment records a settlement attempt. Manual methods and credit complete immediately;
// online payments open a gateway session first and stay PENDING until a verified callback.
func (s *BillingService) RecordPayment(ctx context.Context, actor models.Actor, invoiceID string, req dto.RecordPaymentRequest) (*dto.PaymentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	if !req.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must be positive")
	}
	if req.Method.IsManual() && !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "manual payments are recorded by staff")
	}

	invoice, err := s.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return nil, notFoundOr(err, "invoice not found", "failed to load invoice")
	}
	if !actor.CanActFor(invoice.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	if err := checkPayable(invoice, req.Amount); err != nil {
		return nil, err
	}

	payment := &models.Payment{
		ID:        uuid.NewString(),
		InvoiceID: invoice.ID,
		StudentID: invoice.StudentID,
		Amount:    req.Amount,
		Method:    req.Method,
		Status:    models.PaymentStatusPending,
		Reference: strPtr(req.Reference),
	}

	var session *gateway.Session
	if req.Method == models.PaymentMethodOnline {
		// The gateway is called before any lock is taken; a failure persists nothing.
		session, err = s.gateway.CreatePaymentRequest(ctx, gateway.PaymentRequest{
			PaymentID:     payment.ID,
			InvoiceNumber: invoice.InvoiceNumber,
			Amount:        req.Amount,
			Description:   invoice.Description,
		})
		if err != nil {
			s.logger.Warn("gateway payment request failed", zap.String("invoice_id", invoice.ID), zap.Error(err))
			return nil, appErrors.Wrap(err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "payment gateway unavailable")
		}
		payment.GatewayToken = &session.Token
		payment.RedirectURL = strPtr(session.RedirectURL)
	}

	outbox := NewOutbox()
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		locked, err := s.invoices.LockByID(ctx, exec, invoice.ID)
		if err != nil {
			return notFoundOr(err, "invoice not found", "failed to lock invoice")
		}
		if err := checkPayable(locked, req.Amount); err != nil {
			return err
		}
		if req.Method == models.PaymentMethodOnline {
			open, err := s.payments.HasPendingOnline(ctx, exec, locked.ID)
			if err != nil {
				return internalError(err, "failed to check open payments")
			}
			if open {
				return appErrors.Clone(appErrors.ErrConflict, "invoice already has an open online payment")
			}
		}
		invoice = locked
		now := s.now()
		payment.PaymentNumber, err = nextDocumentNumber(ctx, exec, s.sequences, models.PrefixPayment, now)
		if err != nil {
			return internalError(err, "failed to allocate payment number")
		}

		switch req.Method {
		case models.PaymentMethodOnline:
			return internalError(s.payments.Create(ctx, exec, payment), "failed to record payment")
		case models.PaymentMethodCredit:
			if _, err := s.credits.UseCreditTx(ctx, exec, CreditMovement{
				StudentID:     invoice.StudentID,
				Amount:        req.Amount,
				Reason:        "payment " + payment.PaymentNumber,
				ReferenceType: "payment",
				ReferenceID:   payment.ID,
				CreatedBy:     actor.ActorRef(),
			}); err != nil {
				return err
			}
		default:
			payment.VerifiedBy = actor.ActorRef()
		}
		payment.Status = models.PaymentStatusCompleted
		payment.CompletedAt = timePtr(now)
		if err := s.payments.Create(ctx, exec, payment); err != nil {
			return internalError(err, "failed to record payment")
		}
		return s.settleTx(ctx, exec, invoice, payment, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)

	result := &dto.PaymentResult{Payment: payment, Invoice: invoice}
	if session != nil {
		result.RedirectURL = session.RedirectURL
		result.Token = session.Token
	}
	return result, nil
}

func checkPayable(invoice *models.Invoice, amount decimal.Decimal) error {
	switch invoice.Status {
	case models.InvoiceStatusCancelled:
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "invoice is cancelled")
	case models.InvoiceStatusPaid:
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "invoice is already paid")
	}
	if amount.GreaterThan(invoice.RemainingAmount()) {
		return appErrors.Clone(appErrors.ErrValidation, "amount exceeds remaining balance "+invoice.RemainingAmount().String())
	}
	return nil
}

// settleTx recomputes the invoice from its completed payments and dispatches PaymentCompleted.
// The payment must already be persisted as COMPLETED.
func (s *BillingService) settleTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, payment *models.Payment, outbox *Outbox) error {
	if err := s.recomputeTx(ctx, exec, invoice, outbox); err != nil {
		return err
	}
	event := models.PaymentCompleted{
		InvoiceID: invoice.ID,
		PaymentID: payment.ID,
		StudentID: invoice.StudentID,
		Amount:    payment.Amount,
		Method:    payment.Method,
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, exec, event, outbox); err != nil {
			return err
		}
	}
	method := string(payment.Method)
	outbox.Add(func(context.Context) { s.metrics.RecordPaymentCompleted(method) })
	return nil
}

// recomputeTx sets paid_amount to the sum of COMPLETED payments and derives the status.
func (s *BillingService) recomputeTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, outbox *Outbox) error {
	paid, err := s.payments.SumCompleted(ctx, exec, invoice.ID)
	if err != nil {
		return internalError(err, "failed to sum payments")
	}
	invoice.ApplyPaidAmount(paid)
	if err := s.invoices.Update(ctx, exec, invoice); err != nil {
		return internalError(err, "failed to update invoice")
	}
	return s.notifyListeners(ctx, exec, invoice, outbox)
}

func (s *BillingService) notifyListeners(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, outbox *Outbox) error {
	for _, listener := range s.listeners {
		if err := listener(ctx, exec, invoice, outbox); err != nil {
			return err
		}
	}
	return nil
}

// HandleGatewayCallback processes an inbound gateway result. The payment is completed only after
// the gateway confirms it; repeated callbacks for a completed payment are no-ops.
func (s *BillingService) HandleGatewayCallback(ctx context.Context, req dto.GatewayCallbackRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid callback payload")
	}
	payment, err := s.payments.FindByGatewayToken(ctx, req.Token)
	if err != nil {
		return nil, notFoundOr(err, "payment not found for token", "failed to load payment")
	}
	switch payment.Status {
	case models.PaymentStatusCompleted:
		s.logger.Info("duplicate gateway callback ignored", zap.String("payment_id", payment.ID))
		return payment, nil
	case models.PaymentStatusPending:
	default:
		s.logger.Info("gateway callback for closed payment ignored", zap.String("payment_id", payment.ID), zap.String("status", string(payment.Status)))
		return payment, nil
	}

	if !gatewaySuccessStatuses[strings.ToLower(req.Status)] {
		return s.failPayment(ctx, payment.ID, "gateway reported "+req.Status)
	}

	verification, err := s.gateway.Verify(ctx, req.Token, req.Reference)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownToken) {
			if _, ferr := s.failPayment(ctx, payment.ID, "gateway does not know the token"); ferr != nil {
				return nil, ferr
			}
			return nil, appErrors.Clone(appErrors.ErrPaymentNotVerified, "gateway does not recognise the payment")
		}
		s.logger.Warn("gateway verification failed", zap.String("payment_id", payment.ID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "payment verification unavailable")
	}
	if !verification.Verified || (!verification.Amount.IsZero() && !verification.Amount.Equal(payment.Amount)) {
		if _, err := s.failPayment(ctx, payment.ID, "gateway verification rejected"); err != nil {
			return nil, err
		}
		return nil, appErrors.ErrPaymentNotVerified
	}

	reference := req.Reference
	if verification.Reference != "" {
		reference = verification.Reference
	}
	outbox := NewOutbox()
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		locked, err := s.payments.LockByID(ctx, exec, payment.ID)
		if err != nil {
			return notFoundOr(err, "payment not found", "failed to lock payment")
		}
		payment = locked
		if payment.Status != models.PaymentStatusPending {
			return nil
		}
		invoice, err := s.invoices.LockByID(ctx, exec, payment.InvoiceID)
		if err != nil {
			return notFoundOr(err, "invoice not found", "failed to lock invoice")
		}
		payment.Status = models.PaymentStatusCompleted
		payment.Reference = strPtr(reference)
		payment.CompletedAt = timePtr(s.now())
		if err := s.payments.Update(ctx, exec, payment); err != nil {
			return internalError(err, "failed to complete payment")
		}
		if invoice.Status == models.InvoiceStatusCancelled {
			return s.creditLatePaymentTx(ctx, exec, invoice, payment, outbox)
		}
		if err := s.settleTx(ctx, exec, invoice, payment, outbox); err != nil {
			return err
		}
		return s.creditSurplusTx(ctx, exec, invoice, payment, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return payment, nil
}

// creditLatePaymentTx books money that arrived for a voided invoice into the student's wallet.
func (s *BillingService) creditLatePaymentTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, payment *models.Payment, outbox *Outbox) error {
	if err := s.recomputeTx(ctx, exec, invoice, outbox); err != nil {
		return err
	}
	if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
		StudentID:     payment.StudentID,
		Amount:        payment.Amount,
		Reason:        "payment " + payment.PaymentNumber + " received for cancelled invoice " + invoice.InvoiceNumber,
		ReferenceType: "payment",
		ReferenceID:   payment.ID,
	}); err != nil {
		return err
	}
	paymentID := payment.ID
	outbox.Add(func(context.Context) {
		s.logger.Warn("payment completed on cancelled invoice, amount credited", zap.String("payment_id", paymentID))
	})
	return nil
}

// creditSurplusTx moves the part of a gateway payment above the invoice total into the
// student's wallet.
func (s *BillingService) creditSurplusTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, payment *models.Payment, outbox *Outbox) error {
	surplus := invoice.PaidAmount.Sub(invoice.TotalAmount)
	if !surplus.IsPositive() {
		return nil
	}
	if surplus.GreaterThan(payment.Amount) {
		surplus = payment.Amount
	}
	if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
		StudentID:     payment.StudentID,
		Amount:        surplus,
		Reason:        "overpayment " + payment.PaymentNumber + " on invoice " + invoice.InvoiceNumber,
		ReferenceType: "payment",
		ReferenceID:   payment.ID,
	}); err != nil {
		return err
	}
	paymentID, amount := payment.ID, surplus.String()
	outbox.Add(func(context.Context) {
		s.logger.Warn("invoice overpaid, surplus credited", zap.String("payment_id", paymentID), zap.String("amount", amount))
	})
	return nil
}

func (s *BillingService) failPayment(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	var payment *models.Payment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		payment, err = s.payments.LockByID(ctx, exec, paymentID)
		if err != nil {
			return notFoundOr(err, "payment not found", "failed to lock payment")
		}
		if payment.Status != models.PaymentStatusPending {
			return nil
		}
		payment.Status = models.PaymentStatusFailed
		payment.FailureReason = &reason
		return internalError(s.payments.Update(ctx, exec, payment), "failed to mark payment failed")
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// Refund reverses a completed payment and recomputes the invoice. With ToCredit the amount is
// credited to the student's wallet.
func (s *BillingService) Refund(ctx context.Context, actor models.Actor, paymentID string, req dto.RefundRequest) (*models.Payment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refund payload")
	}
	outbox := NewOutbox()
	var payment *models.Payment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		payment, err = s.payments.LockByID(ctx, exec, paymentID)
		if err != nil {
			return notFoundOr(err, "payment not found", "failed to lock payment")
		}
		if payment.Status != models.PaymentStatusCompleted {
			return invalidTransition(payment.Status, models.PaymentStatusRefunded)
		}
		invoice, err := s.invoices.LockByID(ctx, exec, payment.InvoiceID)
		if err != nil {
			return notFoundOr(err, "invoice not found", "failed to lock invoice")
		}
		if invoice.Status == models.InvoiceStatusCancelled {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "invoice was cancelled and its payments credited to the wallet")
		}
		payment.Status = models.PaymentStatusRefunded
		payment.RefundReason = &req.Reason
		payment.RefundedAt = timePtr(s.now())
		if err := s.payments.Update(ctx, exec, payment); err != nil {
			return internalError(err, "failed to refund payment")
		}
		if err := s.recomputeTx(ctx, exec, invoice, outbox); err != nil {
			return err
		}
		if req.ToCredit {
			if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
				StudentID:     payment.StudentID,
				Amount:        payment.Amount,
				Reason:        "refund " + payment.PaymentNumber + ": " + req.Reason,
				ReferenceType: "payment",
				ReferenceID:   payment.ID,
				CreatedBy:     actor.ActorRef(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	s.logger.Info("payment refunded", zap.String("payment_id", payment.ID), zap.Bool("to_credit", req.ToCredit), zap.String("actor_id", actor.ID))
	return payment, nil
}

// CancelPayment abandons a PENDING online payment.
func (s *BillingService) CancelPayment(ctx context.Context, actor models.Actor, paymentID string) (*models.Payment, error) {
	var payment *models.Payment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		payment, err = s.payments.LockByID(ctx, exec, paymentID)
		if err != nil {
			return notFoundOr(err, "payment not found", "failed to lock payment")
		}
		if !actor.CanActFor(payment.StudentID) {
			return appErrors.ErrForbidden
		}
		if payment.Status == models.PaymentStatusCancelled {
			return nil
		}
		if payment.Status != models.PaymentStatusPending {
			return invalidTransition(payment.Status, models.PaymentStatusCancelled)
		}
		payment.Status = models.PaymentStatusCancelled
		return internalError(s.payments.Update(ctx, exec, payment), "failed to cancel payment")
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// GetPayment returns a payment visible to the actor.
func (s *BillingService) GetPayment(ctx context.Context, actor models.Actor, id string) (*models.Payment, error) {
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "payment not found", "failed to load payment")
	}
	if !actor.CanActFor(payment.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	return payment, nil
}
