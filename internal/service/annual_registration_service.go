package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type annualRegistrationStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration) error
	FindByID(ctx context.Context, id string) (*models.AnnualRegistration, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.AnnualRegistration, error)
	LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.AnnualRegistration, error)
	Update(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration) error
	ExpirePastEndDate(ctx context.Context, today time.Time) (int64, error)
}

// AnnualRegistrationConfig carries the membership fee policy.
type AnnualRegistrationConfig struct {
	Fee          decimal.Decimal
	InvoiceDueIn time.Duration
}

// AnnualRegistrationService manages yearly branch memberships.
type AnnualRegistrationService struct {
	tx        Transactor
	regs      annualRegistrationStore
	billing   invoiceIssuer
	credits   creditLedger
	notifier  notifier
	validator *validator.Validate
	logger    *zap.Logger
	cfg       AnnualRegistrationConfig
	now       func() time.Time
}

// NewAnnualRegistrationService constructs AnnualRegistrationService.
func NewAnnualRegistrationService(tx Transactor, regs annualRegistrationStore, billing invoiceIssuer, credits creditLedger, notifier notifier, validate *validator.Validate, logger *zap.Logger, cfg AnnualRegistrationConfig) *AnnualRegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnnualRegistrationService{
		tx:        tx,
		regs:      regs,
		billing:   billing,
		credits:   credits,
		notifier:  notifier,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a DRAFT registration. One registration per student and academic year.
func (s *AnnualRegistrationService) Create(ctx context.Context, actor models.Actor, req dto.CreateAnnualRegistrationRequest) (*models.AnnualRegistration, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if !actor.CanActFor(req.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	reg := &models.AnnualRegistration{
		StudentID:    req.StudentID,
		AcademicYear: req.AcademicYear,
		BranchID:     req.BranchID,
		Status:       models.AnnualRegistrationStatusDraft,
		Fee:          s.cfg.Fee,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
	}
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		return s.regs.Create(ctx, exec, reg)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.ErrDuplicateRegistration
		}
		return nil, internalError(err, "failed to create registration")
	}
	return reg, nil
}

// Submit issues the fee invoice and moves a DRAFT to PENDING_PAYMENT.
func (s *AnnualRegistrationService) Submit(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error) {
	outbox := NewOutbox()
	var reg *models.AnnualRegistration
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		reg, err = s.regs.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "registration not found", "failed to lock registration")
		}
		if !actor.CanActFor(reg.StudentID) {
			return appErrors.ErrForbidden
		}
		if reg.Status != models.AnnualRegistrationStatusDraft {
			return invalidTransition(reg.Status, models.AnnualRegistrationStatusPendingPayment)
		}
		due := s.now().Add(s.cfg.InvoiceDueIn)
		invoice, err := s.billing.CreateInvoiceTx(ctx, exec, InvoiceDraft{
			StudentID:   reg.StudentID,
			Description: "Annual registration " + reg.AcademicYear,
			Items: []models.InvoiceItem{{
				Description: "Annual registration fee " + reg.AcademicYear,
				Quantity:    1,
				UnitPrice:   reg.Fee,
			}},
			TaxAmount: models.TaxFor(reg.Fee, s.billing.TaxRate()),
			DueDate:   &due,
		})
		if err != nil {
			return err
		}
		reg.InvoiceID = &invoice.ID
		reg.Status = models.AnnualRegistrationStatusPendingPayment
		return s.checkTx(ctx, exec, reg, invoice, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return reg, nil
}

// VerifyDocuments records staff document verification and re-evaluates activation.
func (s *AnnualRegistrationService) VerifyDocuments(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	return s.withLocked(ctx, id, func(exec sqlx.ExtContext, reg *models.AnnualRegistration, invoice *models.Invoice, outbox *Outbox) error {
		if reg.Status.IsTerminal() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "registration is closed")
		}
		reg.DocumentsVerified = true
		reg.VerifiedBy = actor.ActorRef()
		return s.checkTx(ctx, exec, reg, invoice, outbox)
	})
}

// CheckAndActivate re-evaluates activation from the invoice, never from the cached flag.
func (s *AnnualRegistrationService) CheckAndActivate(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error) {
	return s.withLocked(ctx, id, func(exec sqlx.ExtContext, reg *models.AnnualRegistration, invoice *models.Invoice, outbox *Outbox) error {
		if !actor.CanActFor(reg.StudentID) {
			return appErrors.ErrForbidden
		}
		return s.checkTx(ctx, exec, reg, invoice, outbox)
	})
}

// HandlePaymentCompleted is the settlement hook for registration fee invoices.
func (s *AnnualRegistrationService) HandlePaymentCompleted(ctx context.Context, exec sqlx.ExtContext, event models.PaymentCompleted, outbox *Outbox) error {
	reg, err := s.regs.LockByInvoiceID(ctx, exec, event.InvoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return internalError(err, "failed to lock registration")
	}
	invoice, err := s.billing.LockInvoiceTx(ctx, exec, event.InvoiceID)
	if err != nil {
		return err
	}
	return s.checkTx(ctx, exec, reg, invoice, outbox)
}

// RefreshPaidFlagTx keeps is_paid_cached in step with invoice changes, including refunds.
func (s *AnnualRegistrationService) RefreshPaidFlagTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, _ *Outbox) error {
	reg, err := s.regs.LockByInvoiceID(ctx, exec, invoice.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return internalError(err, "failed to lock registration")
	}
	if reg.IsPaidCached == invoice.IsPaid() {
		return nil
	}
	reg.IsPaidCached = invoice.IsPaid()
	return internalError(s.regs.Update(ctx, exec, reg), "failed to refresh registration")
}

// checkTx applies the activation rule: paid and verified is ACTIVE, paid alone is
// PENDING_VERIFICATION. Registrations outside the awaiting states only get their flag refreshed.
func (s *AnnualRegistrationService) checkTx(ctx context.Context, exec sqlx.ExtContext, reg *models.AnnualRegistration, invoice *models.Invoice, outbox *Outbox) error {
	paid := invoice != nil && invoice.IsPaid()
	reg.IsPaidCached = paid
	if reg.Status.AwaitingActivation() && paid {
		if reg.DocumentsVerified {
			reg.Status = models.AnnualRegistrationStatusActive
			reg.ActivatedAt = timePtr(s.now())
			active := *reg
			outbox.Add(func(ctx context.Context) {
				s.notifier.Notify(ctx, active.StudentID, models.TemplateRegistrationActive, map[string]interface{}{
					"registration_id": active.ID,
					"academic_year":   active.AcademicYear,
				})
			})
		} else {
			reg.Status = models.AnnualRegistrationStatusPendingVerification
		}
	}
	return internalError(s.regs.Update(ctx, exec, reg), "failed to update registration")
}

// Cancel closes a registration. Students may cancel before activation; staff at any
// non-terminal state. Money already paid moves to the wallet.
func (s *AnnualRegistrationService) Cancel(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.AnnualRegistration, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reason")
	}
	return s.withLocked(ctx, id, func(exec sqlx.ExtContext, reg *models.AnnualRegistration, invoice *models.Invoice, outbox *Outbox) error {
		if !actor.CanActFor(reg.StudentID) {
			return appErrors.ErrForbidden
		}
		if reg.Status == models.AnnualRegistrationStatusCancelled {
			return nil
		}
		if reg.Status.IsTerminal() {
			return invalidTransition(reg.Status, models.AnnualRegistrationStatusCancelled)
		}
		if reg.Status == models.AnnualRegistrationStatusActive && !actor.IsStaff() {
			return appErrors.Clone(appErrors.ErrForbidden, "only staff can cancel an active registration")
		}
		if invoice != nil {
			voided, changed, err := s.billing.VoidInvoiceTx(ctx, exec, invoice.ID)
			if err != nil {
				return err
			}
			if changed && voided.PaidAmount.IsPositive() {
				if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
					StudentID:     reg.StudentID,
					Amount:        voided.PaidAmount,
					Reason:        "annual registration " + reg.AcademicYear + " cancelled",
					ReferenceType: "annual_registration",
					ReferenceID:   reg.ID,
					CreatedBy:     actor.ActorRef(),
				}); err != nil {
					return err
				}
			}
		}
		reg.Status = models.AnnualRegistrationStatusCancelled
		reg.CancelledAt = timePtr(s.now())
		reg.CancellationReason = strPtr(req.Reason)
		return internalError(s.regs.Update(ctx, exec, reg), "failed to cancel registration")
	})
}

// ExpirePastEndDate expires ACTIVE registrations whose end date has passed.
func (s *AnnualRegistrationService) ExpirePastEndDate(ctx context.Context) (int64, error) {
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	expired, err := s.regs.ExpirePastEndDate(ctx, today)
	if err != nil {
		return 0, internalError(err, "failed to expire registrations")
	}
	return expired, nil
}

// Get returns a registration visible to the actor.
func (s *AnnualRegistrationService) Get(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error) {
	reg, err := s.regs.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "registration not found", "failed to load registration")
	}
	if !actor.CanActFor(reg.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	return reg, nil
}

// withLocked locks the fee invoice before the registration, the order settlement uses.
func (s *AnnualRegistrationService) withLocked(ctx context.Context, id string, fn func(exec sqlx.ExtContext, reg *models.AnnualRegistration, invoice *models.Invoice, outbox *Outbox) error) (*models.AnnualRegistration, error) {
	current, err := s.regs.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "registration not found", "failed to load registration")
	}
	outbox := NewOutbox()
	var reg *models.AnnualRegistration
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var invoice *models.Invoice
		if current.InvoiceID != nil {
			if invoice, err = s.billing.LockInvoiceTx(ctx, exec, *current.InvoiceID); err != nil {
				return err
			}
		}
		reg, err = s.regs.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "registration not found", "failed to lock registration")
		}
		return fn(exec, reg, invoice, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return reg, nil
}
