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

type enrollmentStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	LockByInvoiceID(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Enrollment, error)
	ExistsLive(ctx context.Context, exec sqlx.ExtContext, studentID, classID, excludeID string) (bool, error)
	HasOpenTransferInto(ctx context.Context, exec sqlx.ExtContext, studentID, classID string) (bool, error)
	CountHeldSeats(ctx context.Context, exec sqlx.ExtContext, classID string, since time.Time) (int, error)
	Update(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
}

type classStore interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Class, error)
	AdjustSeats(ctx context.Context, exec sqlx.ExtContext, id string, delta int) error
}

type invoiceIssuer interface {
	CreateInvoiceTx(ctx context.Context, exec sqlx.ExtContext, draft InvoiceDraft) (*models.Invoice, error)
	VoidInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) (*models.Invoice, bool, error)
	LockInvoiceTx(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Invoice, error)
	TaxRate() decimal.Decimal
}

type waitingListCoordinator interface {
	EnqueueTx(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) (*models.WaitingListEntry, error)
	MarkEnrolledTx(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) error
	HeldOffersTx(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string) (int, error)
	PromoteNextTx(ctx context.Context, exec sqlx.ExtContext, classID string, outbox *Outbox) ([]models.WaitingListEntry, error)
}

// EnrollmentConfig carries enrollment and certificate policy.
type EnrollmentConfig struct {
	HoldTTL             time.Duration
	InvoiceDueIn        time.Duration
	CertificatesEnabled bool
	MinAttendance       decimal.Decimal
	CertificateURLBase  string
}

var hundredPercent = decimal.NewFromInt(100)

// EnrollmentService drives the enrollment state machine and owns every seat counter mutation.
type EnrollmentService struct {
	tx          Transactor
	enrollments enrollmentStore
	classes     classStore
	sequences   sequenceGenerator
	billing     invoiceIssuer
	credits     creditLedger
	waitingList waitingListCoordinator
	notifier    notifier
	cache       *CacheService
	metrics     *MetricsService
	renderer    certificateRenderer
	artifacts   artifactStore
	signer      downloadSigner
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         EnrollmentConfig
	now         func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(tx Transactor, enrollments enrollmentStore, classes classStore, sequences sequenceGenerator, billing invoiceIssuer, credits creditLedger, waitingList waitingListCoordinator, notifier notifier, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg EnrollmentConfig) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinAttendance.IsZero() {
		cfg.MinAttendance = decimal.NewFromInt(75)
	}
	if cfg.CertificateURLBase == "" {
		cfg.CertificateURLBase = "/api/v1/certificates/download"
	}
	return &EnrollmentService{
		tx:          tx,
		enrollments: enrollments,
		classes:     classes,
		sequences:   sequences,
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

// RequestEnrollment reserves a seat for a student. Seats are soft-reserved: the class counter is
// only incremented on activation, but fresh PENDING enrollments and outstanding waiting-list
// offers count against capacity.
func (s *EnrollmentService) RequestEnrollment(ctx context.Context, actor models.Actor, req dto.RequestEnrollmentRequest) (*dto.EnrollmentRequestResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if !actor.CanActFor(req.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	class, err := s.classes.FindByID(ctx, req.ClassID)
	if err != nil {
		return nil, notFoundOr(err, "class not found", "failed to load class")
	}
	if !class.IsRegistrationOpen(s.now()) {
		return nil, appErrors.ErrRegistrationClosed
	}

	outbox := NewOutbox()
	result := &dto.EnrollmentRequestResult{}
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		class, err := s.classes.LockForUpdate(ctx, exec, req.ClassID)
		if err != nil {
			return notFoundOr(err, "class not found", "failed to lock class")
		}
		now := s.now()
		if !class.IsRegistrationOpen(now) {
			return appErrors.ErrRegistrationClosed
		}
		live, err := s.enrollments.ExistsLive(ctx, exec, req.StudentID, class.ID, "")
		if err != nil {
			return internalError(err, "failed to check enrollments")
		}
		if live {
			return appErrors.ErrDuplicateEnrollment
		}
		incoming, err := s.enrollments.HasOpenTransferInto(ctx, exec, req.StudentID, class.ID)
		if err != nil {
			return internalError(err, "failed to check transfers")
		}
		if incoming {
			return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student has an open transfer into this class")
		}

		pending, err := s.enrollments.CountHeldSeats(ctx, exec, class.ID, now.Add(-s.cfg.HoldTTL))
		if err != nil {
			return internalError(err, "failed to count held seats")
		}
		offers, err := s.waitingList.HeldOffersTx(ctx, exec, class.ID, req.StudentID)
		if err != nil {
			return err
		}
		if class.CurrentEnrollments+pending+offers >= class.Capacity {
			if !req.JoinWaitingListIfFull {
				return appErrors.ErrClassFull
			}
			entry, err := s.waitingList.EnqueueTx(ctx, exec, class.ID, req.StudentID)
			if err != nil {
				return err
			}
			result.WaitingListEntry = entry
			return nil
		}

		number, err := nextDocumentNumber(ctx, exec, s.sequences, models.PrefixEnrollment, now)
		if err != nil {
			return internalError(err, "failed to allocate enrollment number")
		}
		due := now.Add(s.cfg.InvoiceDueIn)
		invoice, err := s.billing.CreateInvoiceTx(ctx, exec, InvoiceDraft{
			StudentID:   req.StudentID,
			Description: "Enrollment " + number + " - " + class.Name,
			Items: []models.InvoiceItem{{
				Description: class.Name,
				Quantity:    1,
				UnitPrice:   class.Price,
			}},
			TaxAmount: models.TaxFor(class.Price, s.billing.TaxRate()),
			DueDate:   &due,
		})
		if err != nil {
			return err
		}

		enrollment := &models.Enrollment{
			EnrollmentNumber: number,
			StudentID:        req.StudentID,
			ClassID:          class.ID,
			TermID:           req.TermID,
			Status:           models.EnrollmentStatusPending,
			AttendanceRate:   decimal.Zero,
			InvoiceID:        &invoice.ID,
		}
		syncAmounts(enrollment, invoice)
		if err := s.enrollments.Create(ctx, exec, enrollment); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return appErrors.ErrDuplicateEnrollment
			}
			return internalError(err, "failed to create enrollment")
		}
		if err := s.waitingList.MarkEnrolledTx(ctx, exec, class.ID, req.StudentID); err != nil {
			return err
		}

		s.recordTransition(outbox, enrollment)
		if invoice.IsPaid() {
			if err := s.activateTx(ctx, exec, enrollment, outbox); err != nil {
				return seatError(err, "class is full")
			}
		} else {
			pendingCopy := *enrollment
			outbox.Add(func(ctx context.Context) {
				s.notifier.Notify(ctx, pendingCopy.StudentID, models.TemplateEnrollmentPending, map[string]interface{}{
					"enrollment_number": pendingCopy.EnrollmentNumber,
					"invoice_number":    invoice.InvoiceNumber,
					"amount":            invoice.TotalAmount.String(),
				})
			})
		}
		s.invalidateAvailability(outbox, class.ID)
		result.Enrollment = enrollment
		result.Invoice = invoice
		return nil
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrClassFull) {
			s.metrics.RecordSeatConflict("request")
		}
		return nil, err
	}
	outbox.Flush(ctx)
	return result, nil
}

// HandlePaymentCompleted activates the enrollment linked to a paid invoice. It runs inside the
// settling transaction and is idempotent.
func (s *EnrollmentService) HandlePaymentCompleted(ctx context.Context, exec sqlx.ExtContext, event models.PaymentCompleted, outbox *Outbox) error {
	enrollment, err := s.enrollments.LockByInvoiceID(ctx, exec, event.InvoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return internalError(err, "failed to lock enrollment")
	}
	invoice, err := s.billing.LockInvoiceTx(ctx, exec, event.InvoiceID)
	if err != nil {
		return err
	}
	syncAmounts(enrollment, invoice)

	if !invoice.IsPaid() || !enrollment.Status.AwaitingPayment() {
		if invoice.IsPaid() {
			s.logger.Info("payment completed for enrollment not awaiting payment",
				zap.String("enrollment_id", enrollment.ID),
				zap.String("status", string(enrollment.Status)),
			)
		}
		return internalError(s.enrollments.Update(ctx, exec, enrollment), "failed to update enrollment")
	}

	err = s.activateTx(ctx, exec, enrollment, outbox)
	if errors.Is(err, repository.ErrSeatUnavailable) {
		return s.seatLostTx(ctx, exec, enrollment, outbox)
	}
	return seatError(err, "class is full")
}

// SyncInvoiceTx mirrors invoice totals onto the linked enrollment. Registered as an invoice
// listener on the billing service.
func (s *EnrollmentService) SyncInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice, _ *Outbox) error {
	enrollment, err := s.enrollments.LockByInvoiceID(ctx, exec, invoice.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return internalError(err, "failed to lock enrollment")
	}
	syncAmounts(enrollment, invoice)
	return internalError(s.enrollments.Update(ctx, exec, enrollment), "failed to sync enrollment amounts")
}

// activateTx counts the seat when needed and moves the enrollment to ACTIVE. Seat errors are
// returned unmapped.
func (s *EnrollmentService) activateTx(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment, outbox *Outbox) error {
	if !enrollment.SeatCounted {
		if err := s.classes.AdjustSeats(ctx, exec, enrollment.ClassID, 1); err != nil {
			return err
		}
		enrollment.SeatCounted = true
	}
	enrollment.Status = models.EnrollmentStatusActive
	enrollment.ActivatedAt = timePtr(s.now())
	if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
		return internalError(err, "failed to activate enrollment")
	}

	activated := *enrollment
	outbox.Add(func(ctx context.Context) {
		s.notifier.Notify(ctx, activated.StudentID, models.TemplateEnrollmentActivated, map[string]interface{}{
			"enrollment_number": activated.EnrollmentNumber,
			"class_id":          activated.ClassID,
		})
	})
	s.recordTransition(outbox, enrollment)
	s.invalidateAvailability(outbox, enrollment.ClassID)
	return nil
}

// seatLostTx handles a payment that completed after the last seat went to someone else: the
// enrollment is cancelled, the money moves to the student's wallet and the student is queued.
func (s *EnrollmentService) seatLostTx(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment, outbox *Outbox) error {
	if _, err := s.classes.LockForUpdate(ctx, exec, enrollment.ClassID); err != nil {
		return notFoundOr(err, "class not found", "failed to lock class")
	}
	now := s.now()
	reason := "class filled before payment completed; amount credited"
	enrollment.Status = models.EnrollmentStatusCancelled
	enrollment.CancellationReason = &reason
	enrollment.CancelledAt = timePtr(now)
	if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
		return internalError(err, "failed to cancel enrollment")
	}
	if _, _, err := s.billing.VoidInvoiceTx(ctx, exec, *enrollment.InvoiceID); err != nil {
		return err
	}
	if enrollment.PaidAmount.IsPositive() {
		if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
			StudentID:     enrollment.StudentID,
			Amount:        enrollment.PaidAmount,
			Reason:        "seat unavailable for enrollment " + enrollment.EnrollmentNumber,
			ReferenceType: "enrollment",
			ReferenceID:   enrollment.ID,
		}); err != nil {
			return err
		}
	}
	entry, err := s.waitingList.EnqueueTx(ctx, exec, enrollment.ClassID, enrollment.StudentID)
	if err != nil {
		return err
	}

	lost := *enrollment
	outbox.Add(func(ctx context.Context) {
		s.logger.Warn("seat lost at activation, payment credited",
			zap.String("enrollment_id", lost.ID),
			zap.String("class_id", lost.ClassID),
			zap.String("credited", lost.PaidAmount.String()),
		)
		s.metrics.RecordSeatConflict("activation")
		s.notifier.Notify(ctx, lost.StudentID, models.TemplateSeatLostRefunded, map[string]interface{}{
			"enrollment_number": lost.EnrollmentNumber,
			"credited_amount":   lost.PaidAmount.String(),
			"waiting_list_id":   entry.ID,
		})
	})
	s.recordTransition(outbox, enrollment)
	return nil
}

// Approve counts the seat of a PENDING enrollment. A paid enrollment becomes ACTIVE directly.
func (s *EnrollmentService) Approve(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	outbox := NewOutbox()
	var enrollment *models.Enrollment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var invoice *models.Invoice
		var err error
		enrollment, invoice, err = s.lockForTransition(ctx, exec, id)
		if err != nil {
			return err
		}
		if enrollment.Status == models.EnrollmentStatusApproved {
			return nil
		}
		if !enrollment.Status.CanTransitionTo(models.EnrollmentStatusApproved) {
			return invalidTransition(enrollment.Status, models.EnrollmentStatusApproved)
		}
		if !enrollment.SeatCounted {
			if err := s.classes.AdjustSeats(ctx, exec, enrollment.ClassID, 1); err != nil {
				return seatError(err, "class is full")
			}
			enrollment.SeatCounted = true
		}
		enrollment.Status = models.EnrollmentStatusApproved
		enrollment.ApprovedBy = actor.ActorRef()
		if invoice != nil && invoice.IsPaid() {
			return s.activateTx(ctx, exec, enrollment, outbox)
		}
		if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
			return internalError(err, "failed to approve enrollment")
		}
		s.recordTransition(outbox, enrollment)
		s.invalidateAvailability(outbox, enrollment.ClassID)
		return nil
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrClassFull) {
			s.metrics.RecordSeatConflict("approve")
		}
		return nil, err
	}
	outbox.Flush(ctx)
	return enrollment, nil
}

// Reject declines a PENDING or APPROVED enrollment.
func (s *EnrollmentService) Reject(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	return s.close(ctx, actor, id, req, models.EnrollmentStatusRejected, models.TemplateEnrollmentRejected)
}

// Cancel cancels an enrollment. Students may cancel their own enrollment before activation;
// staff may cancel from any non-terminal state. Re-cancelling is a no-op.
func (s *EnrollmentService) Cancel(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error) {
	return s.close(ctx, actor, id, req, models.EnrollmentStatusCancelled, models.TemplateEnrollmentCancelled)
}

func (s *EnrollmentService) close(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest, target models.EnrollmentStatus, template models.NotificationTemplate) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reason")
	}
	outbox := NewOutbox()
	var enrollment *models.Enrollment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		enrollment, _, err = s.lockForTransition(ctx, exec, id)
		if err != nil {
			return err
		}
		if !actor.CanActFor(enrollment.StudentID) {
			return appErrors.ErrForbidden
		}
		if enrollment.Status == target {
			s.logger.Info("enrollment already closed", zap.String("enrollment_id", enrollment.ID), zap.String("status", string(target)))
			return nil
		}
		if !actor.IsPrivileged() && !enrollment.Status.AwaitingPayment() {
			return appErrors.Clone(appErrors.ErrForbidden, "only staff can cancel an active enrollment")
		}
		if !enrollment.Status.CanTransitionTo(target) {
			return invalidTransition(enrollment.Status, target)
		}

		now := s.now()
		enrollment.Status = target
		enrollment.CancellationReason = strPtr(req.Reason)
		enrollment.CancelledAt = timePtr(now)
		if err := s.releaseTx(ctx, exec, enrollment, actor); err != nil {
			return err
		}
		if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
			return internalError(err, "failed to update enrollment")
		}
		if _, err := s.waitingList.PromoteNextTx(ctx, exec, enrollment.ClassID, outbox); err != nil {
			return err
		}
		s.invalidateAvailability(outbox, enrollment.ClassID)

		closed := *enrollment
		outbox.Add(func(ctx context.Context) {
			s.notifier.Notify(ctx, closed.StudentID, template, map[string]interface{}{
				"enrollment_number": closed.EnrollmentNumber,
				"reason":            req.Reason,
			})
		})
		s.recordTransition(outbox, enrollment)
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return enrollment, nil
}

// releaseTx frees the seat and settles the invoice of a closing enrollment. An unpaid invoice is
// cancelled; money already paid moves to the student's wallet.
func (s *EnrollmentService) releaseTx(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment, actor models.Actor) error {
	if enrollment.SeatCounted {
		if err := s.classes.AdjustSeats(ctx, exec, enrollment.ClassID, -1); err != nil {
			return seatError(err, "failed to release seat")
		}
		enrollment.SeatCounted = false
	}
	if enrollment.InvoiceID != nil {
		invoice, changed, err := s.billing.VoidInvoiceTx(ctx, exec, *enrollment.InvoiceID)
		if err != nil {
			return err
		}
		if changed && invoice.PaidAmount.IsPositive() {
			if _, err := s.credits.AddCreditTx(ctx, exec, CreditMovement{
				StudentID:     enrollment.StudentID,
				Amount:        invoice.PaidAmount,
				Reason:        "enrollment " + enrollment.EnrollmentNumber + " " + string(enrollment.Status),
				ReferenceType: "enrollment",
				ReferenceID:   enrollment.ID,
				CreatedBy:     actor.ActorRef(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Withdraw ends an ACTIVE enrollment at the student's request. The seat stays counted for the
// term.
func (s *EnrollmentService) Withdraw(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reason")
	}
	return s.transition(ctx, actor, id, models.EnrollmentStatusWithdrawn, false, func(e *models.Enrollment, now time.Time) {
		e.WithdrawnAt = timePtr(now)
		e.CancellationReason = strPtr(req.Reason)
	})
}

// Suspend pauses an ACTIVE enrollment. The seat is kept.
func (s *EnrollmentService) Suspend(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return s.transition(ctx, actor, id, models.EnrollmentStatusSuspended, true, nil)
}

// Resume reactivates a SUSPENDED enrollment.
func (s *EnrollmentService) Resume(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return s.transition(ctx, actor, id, models.EnrollmentStatusActive, true, func(e *models.Enrollment, now time.Time) {
		if e.ActivatedAt == nil {
			e.ActivatedAt = timePtr(now)
		}
	})
}

// Complete closes an ACTIVE enrollment with its final attendance rate.
func (s *EnrollmentService) Complete(ctx context.Context, actor models.Actor, id string, req dto.AttendanceRequest) (*models.Enrollment, error) {
	if err := validateRate(req.AttendanceRate); err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, id, models.EnrollmentStatusCompleted, true, func(e *models.Enrollment, now time.Time) {
		e.AttendanceRate = req.AttendanceRate
		e.CompletedAt = timePtr(now)
	})
}

func (s *EnrollmentService) transition(ctx context.Context, actor models.Actor, id string, target models.EnrollmentStatus, staffOnly bool, mutate func(*models.Enrollment, time.Time)) (*models.Enrollment, error) {
	if staffOnly && !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	outbox := NewOutbox()
	var enrollment *models.Enrollment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		enrollment, err = s.enrollments.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "enrollment not found", "failed to lock enrollment")
		}
		if !actor.CanActFor(enrollment.StudentID) {
			return appErrors.ErrForbidden
		}
		if enrollment.Status == target {
			return nil
		}
		if !enrollment.Status.CanTransitionTo(target) {
			return invalidTransition(enrollment.Status, target)
		}
		enrollment.Status = target
		if mutate != nil {
			mutate(enrollment, s.now())
		}
		if err := s.enrollments.Update(ctx, exec, enrollment); err != nil {
			return internalError(err, "failed to update enrollment")
		}
		s.recordTransition(outbox, enrollment)
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return enrollment, nil
}

// UpdateAttendanceRate records the attendance percentage of a running or finished enrollment.
func (s *EnrollmentService) UpdateAttendanceRate(ctx context.Context, actor models.Actor, id string, req dto.AttendanceRequest) (*models.Enrollment, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := validateRate(req.AttendanceRate); err != nil {
		return nil, err
	}
	var enrollment *models.Enrollment
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		enrollment, err = s.enrollments.LockByID(ctx, exec, id)
		if err != nil {
			return notFoundOr(err, "enrollment not found", "failed to lock enrollment")
		}
		switch enrollment.Status {
		case models.EnrollmentStatusActive, models.EnrollmentStatusSuspended, models.EnrollmentStatusCompleted:
		default:
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "attendance applies to started enrollments only")
		}
		enrollment.AttendanceRate = req.AttendanceRate
		return internalError(s.enrollments.Update(ctx, exec, enrollment), "failed to update attendance")
	})
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundredPercent) {
		return appErrors.Clone(appErrors.ErrValidation, "attendance_rate must be between 0 and 100")
	}
	return nil
}

// Get returns an enrollment visible to the actor.
func (s *EnrollmentService) Get(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "enrollment not found", "failed to load enrollment")
	}
	if !actor.CanActFor(enrollment.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	return enrollment, nil
}

// List returns enrollments with pagination metadata. Students only see their own.
func (s *EnrollmentService) List(ctx context.Context, actor models.Actor, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	if !actor.IsPrivileged() {
		if actor.StudentID == "" {
			return nil, nil, appErrors.ErrForbidden
		}
		filter.StudentID = actor.StudentID
	}
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize)
	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, internalError(err, "failed to list enrollments")
	}
	return enrollments, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// SoftDelete hides a closed enrollment.
func (s *EnrollmentService) SoftDelete(ctx context.Context, actor models.Actor, id string) error {
	if !actor.IsStaff() {
		return appErrors.ErrForbidden
	}
	enrollment, err := s.enrollments.FindByID(ctx, id)
	if err != nil {
		return notFoundOr(err, "enrollment not found", "failed to load enrollment")
	}
	if !enrollment.Status.IsTerminal() {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "only closed enrollments can be deleted")
	}
	if err := s.enrollments.SoftDelete(ctx, id, s.now()); err != nil {
		return notFoundOr(err, "enrollment not found", "failed to delete enrollment")
	}
	return nil
}

// lockForTransition locks invoice before enrollment, matching the order used by settlement.
func (s *EnrollmentService) lockForTransition(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, *models.Invoice, error) {
	current, err := s.enrollments.FindByID(ctx, id)
	if err != nil {
		return nil, nil, notFoundOr(err, "enrollment not found", "failed to load enrollment")
	}
	var invoice *models.Invoice
	if current.InvoiceID != nil {
		invoice, err = s.billing.LockInvoiceTx(ctx, exec, *current.InvoiceID)
		if err != nil {
			return nil, nil, err
		}
	}
	enrollment, err := s.enrollments.LockByID(ctx, exec, id)
	if err != nil {
		return nil, nil, notFoundOr(err, "enrollment not found", "failed to lock enrollment")
	}
	return enrollment, invoice, nil
}

func (s *EnrollmentService) recordTransition(outbox *Outbox, enrollment *models.Enrollment) {
	status := string(enrollment.Status)
	outbox.Add(func(context.Context) { s.metrics.RecordEnrollmentTransition(status) })
}

func (s *EnrollmentService) invalidateAvailability(outbox *Outbox, classID string) {
	outbox.Add(func(ctx context.Context) { s.cache.InvalidateAvailability(ctx, classID) })
}

// syncAmounts mirrors invoice money onto the enrollment so final_amount equals the invoice total.
func syncAmounts(enrollment *models.Enrollment, invoice *models.Invoice) {
	enrollment.SetAmounts(invoice.Subtotal.Add(invoice.TaxAmount), invoice.DiscountAmount, invoice.PaidAmount)
}
