package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type transferStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer) error
	FindByID(ctx context.Context, id string) (*models.EnrollmentTransfer, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EnrollmentTransfer, error)
	LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.EnrollmentTransfer, error)
	HasOpenForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error)
	Update(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer) error
	List(ctx context.Context, filter models.TransferFilter) ([]models.EnrollmentTransfer, int, error)
}

type transferEnrollmentStore interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	ExistsLive(ctx context.Context, exec sqlx.ExtContext, studentID, classID, excludeID string) (bool, error)
	CountHeldSeats(ctx context.Context, exec sqlx.ExtContext, classID string, since time.Time) (int, error)
	Update(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
}

type offerPromoter interface {
	MarkEnrolledTx(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) error
	HeldOffersTx(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string) (int, error)
	PromoteNextTx(ctx context.Context, exec sqlx.ExtContext, classID string, outbox *Outbox) ([]models.WaitingListEntry, error)
}

// TransferConfig carries top-up and seat hold windows.
type TransferConfig struct {
	InvoiceDueIn time.Duration
	HoldTTL      time.Duration
}

// TransferService moves ACTIVE enrollments between classes.
type TransferService struct {
	tx          Transactor
	transfers   transferStore
	enrollments transferEnrollmentStore
	classes     classStore
	billing     invoiceIssuer
	credits     creditLedger
	waitingList offerPromoter
	notifier    notifier
	cache       *CacheService
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         TransferConfig
	now         func() time.Time
}

// NewTransferService constructs TransferService.
func NewTransferService(tx Transactor, transfers transferStore, enrollments transferEnrollmentStore, classes classStore, billing invoiceIssuer, credits creditLedger, waitingList offerPromoter, notifier notifier, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg TransferConfig) *TransferService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferService{
		tx:          tx,
		transfers:   transfers,
		enrollments: enrollments,
		classes:     classes,
		billing:     billing,
		credits:     credits,
		waitingList: waitingList,
		notifier:    notifier,
		cache:       cache,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequestTransfer opens a PENDING transfer for an ACTIVE enrollment.
func (s *TransferService) RequestTransfer(ctx context.Context, actor models.Actor, req dto.RequestTransferRequest) (*models.EnrollmentTransfer, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}
	enrollment, err := s.enrollments.FindByID(ctx, req.EnrollmentID)
	if err != nil {
		return nil, notFoundOr(err, "enrollment not found", "failed to load enrollment")
	}
	if !actor.CanActFor(enrollment.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	if enrollment.ClassID == req.ToClassID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "target class must differ from the current class")
	}
	target, err := s.classes.FindByID(ctx, req.ToClassID)
	if err != nil {
		return nil, notFoundOr(err, "target class not found", "failed to load class")
	}
	if !target.IsRegistrationOpen(s.now()) {
		return nil, appErrors.ErrRegistrationClosed
	}
	source, err := s.classes.FindByID(ctx, enrollment.ClassID)
	if err != nil {
		return nil, notFoundOr(err, "class not found", "failed to load class")
	}

	var transfer *models.EnrollmentTransfer
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		locked, err := s.enrollments.LockByID(ctx, exec, enrollment.ID)
		if err != nil {
			return notFoundOr(err, "enrollment not found", "failed to lock enrollment")
		}
		if locked.Status != models.EnrollmentStatusActive {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "only active enrollments can be transferred")
		}
		if _, err := s.classes.LockForUpdate(ctx, exec, target.ID); err != nil {
			return notFoundOr(err, "target class not found", "failed to lock class")
		}
		live, err := s.enrollments.ExistsLive(ctx, exec, locked.StudentID, target.ID, locked.ID)
		if err != nil {
			return internalError(err, "failed to check enrollments")
		}
		if live {
			return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already holds an enrollment in the target class")
		}
		open, err := s.transfers.HasOpenForEnrollment(ctx, exec, locked.ID)
		if err != nil {
			return internalError(err, "failed to check transfers")
		}
		if open {
			return appErrors.Clone(appErrors.ErrConflict, "enrollment already has an open transfer")
		}
		transfer = &models.EnrollmentTransfer{
			EnrollmentID:    locked.ID,
			StudentID:       locked.StudentID,
			FromClassID:     source.ID,
			ToClassID:       target.ID,
			PriceDifference: target.Price.Sub(source.Price),
			Status:          models.TransferStatusPending,
			Reason:          req.Reason,
			RequestedBy:     actor.ID,
		}
		return internalError(s.transfers.Create(ctx, exec, transfer), "failed to create transfer")
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// Approve accepts a PENDING transfer. A positive price difference issues a top-up invoice and
// waits for payment; otherwise the transfer completes immediately.
func (s *TransferService) Approve(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentTransfer, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	outbox := NewOutbox()
	var transfer *models.EnrollmentTransfer
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		transfer, err = s.transfers.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "transfer not found", "failed to lock transfer")
		}
		if transfer.Status != models.TransferStatusPending {
			return invalidTransition(transfer.Status, models.TransferStatusApproved)
		}
		now := s.now()
		transfer.ApprovedBy = actor.ActorRef()
		transfer.ApprovedAt = timePtr(now)

		if transfer.PriceDifference.IsPositive() {
			target, err := s.classes.FindByID(ctx, transfer.ToClassID)
			if err != nil {
				return notFoundOr(err, "target class not found", "failed to load class")
			}
			due := now.Add(s.cfg.InvoiceDueIn)
			invoice, err := s.billing.CreateInvoiceTx(ctx, exec, InvoiceDraft{
				StudentID:   transfer.StudentID,
				Description: "Transfer top-up to " + target.Name,
				Items: []models.InvoiceItem{{
					Description: "Price difference for " + target.Name,
					Quantity:    1,
					UnitPrice:   transfer.PriceDifference,
				}},
				TaxAmount: models.TaxFor(transfer.PriceDifference, s.billing.TaxRate()),
				DueDate:   &due,
			})
			if err != nil {
				return err
			}
			transfer.InvoiceID = &invoice.ID
			transfer.Status = models.TransferStatusPendingPayment
			return internalError(s.transfers.Update(ctx, exec, transfer), "failed to update transfer")
		}

		transfer.Status = models.TransferStatusApproved
		return s.completeTx(ctx, exec, transfer, actor, outbox)
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrClassFull) {
			s.metrics.RecordSeatConflict("transfer")
		}
		return nil, err
	}
	outbox.Flush(ctx)
	return transfer, nil
}

// Complete finishes an APPROVED transfer or a PENDING_PAYMENT transfer whose top-up is paid.
func (s *TransferService) Complete(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentTransfer, error) {
	if !actor.IsPrivileged() {
		return nil, appErrors.ErrForbidden
	}
	current, err := s.transfers.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "transfer not found", "failed to load transfer")
	}
	outbox := NewOutbox()
	var transfer *models.EnrollmentTransfer
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var invoice *models.Invoice
		if current.InvoiceID != nil {
			invoice, err = s.billing.LockInvoiceTx(ctx, exec, *current.InvoiceID)
			if err != nil {
				return err
			}
		}
		transfer, err = s.transfers.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "transfer not found", "failed to lock transfer")
		}
		switch transfer.Status {
		case models.TransferStatusCompleted:
			return nil
		case models.TransferStatusApproved:
		case models.TransferStatusPendingPayment:
			if invoice == nil || !invoice.IsPaid() {
				return appErrors.Clone(appErrors.ErrPreconditionFailed, "top-up invoice is not paid")
			}
		default:
			return invalidTransition(transfer.Status, models.TransferStatusCompleted)
		}
		return s.completeTx(ctx, exec, transfer, actor, outbox)
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return transfer, nil
}

// HandlePaymentCompleted completes a transfer whose top-up invoice became paid. A seat conflict
// leaves the transfer waiting so the resettle sweep retries it; the payment itself stands.
func (s *TransferService) HandlePaymentCompleted(ctx context.Context, exec sqlx.ExtContext, event models.PaymentCompleted, outbox *Outbox) error {
	transfer, err := s.transfers.LockByInvoiceID(ctx, exec, event.InvoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return internalError(err, "failed to lock transfer")
	}
	if transfer.Status != models.TransferStatusPendingPayment {
		return nil
	}
	invoice, err := s.billing.LockInvoiceTx(ctx, exec, event.InvoiceID)
	if err != nil {
		return err
	}
	if !invoice.IsPaid() {
		return nil
	}
	err = s.completeTx(ctx, exec, transfer, models.SystemActor, outbox)
	full := errors.Is(err, appErrors.ErrClassFull)
	if full || errors.Is(err, appErrors.ErrPreconditionFailed) || errors.Is(err, appErrors.ErrDuplicateEnrollment) {
		transferID := transfer.ID
		outbox.Add(func(context.Context) {
			s.logger.Warn("paid transfer could not complete, will retry", zap.String("transfer_id", transferID), zap.Error(err))
			if full {
				s.metrics.RecordSeatConflict("transfer")
			}
		})
		return nil
	}
	return err
}

// completeTx moves the enrollment and both seat counters. Classes are locked in id order and
// every write happens in the caller's transaction, so any failure rolls the whole move back.
// The target is checked against live enrollments of the student and against the same
// soft-reserve accounting as new requests before anything is written.
func (s *TransferService) completeTx(ctx context.Context, exec sqlx.ExtContext, transfer *models.EnrollmentTransfer, actor models.Actor, outbox *Outbox) error {
	enrollment, err := s.enrollments.LockByID(ctx, exec, transfer.EnrollmentID)
	if err != nil {
		return notFoundOr(err, "enrollment not found", "failed to lock enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is no longer active")
	}

	classIDs := []string{transfer.FromClassID, transfer.ToClassID}
	sort.Strings(classIDs)
	var target *models.Class
	for _, classID := range classIDs {
		class, err := s.classes.LockForUpdate(ctx, exec, classID)
		if err != nil {
			return notFoundOr(err, "class not found", "failed to lock class")
		}
		if classID == transfer.ToClassID {
			target = class
		}
	}
	live, err := s.enrollments.ExistsLive(ctx, exec, enrollment.StudentID, transfer.ToClassID, enrollment.ID)
	if err != nil {
		return internalError(err, "failed to check enrollments")
	}
	if live {
		return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already holds an enrollment in the target class")
	}
	pending, err := s.enrollments.CountHeldSeats(ctx, exec, target.ID, s.now().Add(-s.cfg.HoldTTL))
	if err != nil {
		return internalError(err, "failed to count held seats")
	}
	offers, err := s.waitingList.HeldOffersTx(ctx, exec, target.ID, enrollment.StudentID)
	if err != nil {
		return err
	}
	if target.CurrentEnrollments+pending+offers >= target.Capacity {
		return appErrors.Clone(appErrors.ErrClassFull, "target class is full")
	}
	if err := s.classes.AdjustSeats(ctx, exec, transfer.ToClassID, 1); err != nil {
		return seatError(err, "target class is full")
	}
	freed := enrollment.SeatCounted
	if freed {
		if err := s.classes.AdjustSeats(ctx, exec, transfer.FromClassID, -1); err != nil {
			return seatError(err, "failed to release source seat")
		}
	}

	total := enrollment.TotalAmount.Add(transfer.PriceDifference)
	paid := enrollment.PaidAmount
	var credit decimal.Decimal
	switch {
	case transfer.PriceDifference.IsPositive() && transfer.InvoiceID != nil:
		invoice, err := s.billing.LockInvoiceTx(ctx, exec, *transfer.InvoiceID)
		if err != nil {
			return err
		}
		total = total.Add(invoice.TaxAmount)
		paid = paid.Add(invoice.PaidAmount)
	case transfer.PriceDifference.IsNegative():
		credit = transfer.PriceDifference.Neg()
		if credit.GreaterThan(paid) {
			credit = paid
		}
		paid = paid.Sub(credit)
	}
	enrollment.ClassID = transfer.ToClassID
	enrollment.SeatCounted = true
	enrollment.SetAmounts(total, enrollment.DiscountAmount, paid)
	if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
		return internalError(err, "failed to move enrollment")
	}
	if err := s.waitingList.MarkEnrolledTx(ctx, exec, transfer.ToClassID, transfer.StudentID); err != nil {
		return err
	}

	if credit.IsPositive() {
		if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
			StudentID:     transfer.StudentID,
			Amount:        credit,
			Reason:        "price difference refund for transfer",
			ReferenceType: "transfer",
			ReferenceID:   transfer.ID,
			CreatedBy:     actor.ActorRef(),
		}); err != nil {
			return err
		}
	}

	transfer.Status = models.TransferStatusCompleted
	transfer.CompletedAt = timePtr(s.now())
	if err := s.transfers.Update(ctx, exec, transfer); err != nil {
		return internalError(err, "failed to complete transfer")
	}
	if freed {
		if _, err := s.waitingList.PromoteNextTx(ctx, exec, transfer.FromClassID, outbox); err != nil {
			return err
		}
	}

	done := *transfer
	outbox.Add(func(ctx context.Context) {
		s.cache.InvalidateAvailability(ctx, done.FromClassID, done.ToClassID)
		s.notifier.Notify(ctx, done.StudentID, models.TemplateTransferCompleted, map[string]interface{}{
			"transfer_id":   done.ID,
			"from_class_id": done.FromClassID,
			"to_class_id":   done.ToClassID,
		})
	})
	return nil
}

// Reject declines an open transfer. An unpaid top-up invoice is cancelled; any partial payment
// moves to the wallet.
func (s *TransferService) Reject(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.EnrollmentTransfer, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reason")
	}
	current, err := s.transfers.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "transfer not found", "failed to load transfer")
	}
	var transfer *models.EnrollmentTransfer
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var invoice *models.Invoice
		if current.InvoiceID != nil {
			if invoice, err = s.billing.LockInvoiceTx(ctx, exec, *current.InvoiceID); err != nil {
				return err
			}
		}
		transfer, err = s.transfers.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "transfer not found", "failed to lock transfer")
		}
		if transfer.Status == models.TransferStatusRejected {
			return nil
		}
		if transfer.Status != models.TransferStatusPending && transfer.Status != models.TransferStatusPendingPayment {
			return invalidTransition(transfer.Status, models.TransferStatusRejected)
		}
		if invoice != nil {
			voided, changed, err := s.billing.VoidInvoiceTx(ctx, exec, invoice.ID)
			if err != nil {
				return err
			}
			if changed && voided.PaidAmount.IsPositive() {
				if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
					StudentID:     transfer.StudentID,
					Amount:        voided.PaidAmount,
					Reason:        "rejected transfer top-up",
					ReferenceType: "transfer",
					ReferenceID:   transfer.ID,
					CreatedBy:     actor.ActorRef(),
				}); err != nil {
					return err
				}
			}
		}
		transfer.Status = models.TransferStatusRejected
		transfer.RejectionReason = strPtr(req.Reason)
		return internalError(s.transfers.Update(ctx, exec, transfer), "failed to reject transfer")
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// Get returns a transfer visible to the actor.
func (s *TransferService) Get(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentTransfer, error) {
	transfer, err := s.transfers.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "transfer not found", "failed to load transfer")
	}
	if !actor.CanActFor(transfer.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	return transfer, nil
}

// List returns transfers with pagination metadata. Students only see their own.
func (s *TransferService) List(ctx context.Context, actor models.Actor, filter models.TransferFilter) ([]models.EnrollmentTransfer, *models.Pagination, error) {
	if !actor.IsPrivileged() {
		if actor.StudentID == "" {
			return nil, nil, appErrors.ErrForbidden
		}
		filter.StudentID = actor.StudentID
	}
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize)
	transfers, total, err := s.transfers.List(ctx, filter)
	if err != nil {
		return nil, nil, internalError(err, "failed to list transfers")
	}
	return transfers, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}
