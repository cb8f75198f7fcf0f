package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type waitingListStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, entry *models.WaitingListEntry) error
	FindByID(ctx context.Context, id string) (*models.WaitingListEntry, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.WaitingListEntry, error)
	FindOpenByStudent(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) (*models.WaitingListEntry, error)
	NextWaiting(ctx context.Context, exec sqlx.ExtContext, classID string) (*models.WaitingListEntry, error)
	CountOutstandingOffers(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string, now time.Time) (int, error)
	Update(ctx context.Context, exec sqlx.ExtContext, entry *models.WaitingListEntry) error
	ListByClass(ctx context.Context, classID string, openOnly bool) ([]models.WaitingListEntry, error)
	ExpireOffers(ctx context.Context, exec sqlx.ExtContext, now time.Time) ([]string, error)
}

type seatLocker interface {
	LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Class, error)
}

type seatHoldCounter interface {
	ExistsLive(ctx context.Context, exec sqlx.ExtContext, studentID, classID, excludeID string) (bool, error)
	CountHeldSeats(ctx context.Context, exec sqlx.ExtContext, classID string, since time.Time) (int, error)
}

type notifier interface {
	Notify(ctx context.Context, recipient string, template models.NotificationTemplate, data map[string]interface{})
}

// WaitingListConfig tunes offer and hold windows.
type WaitingListConfig struct {
	NotifyTTL time.Duration
	HoldTTL   time.Duration
}

// ExpireResult summarises an expiry sweep.
type ExpireResult struct {
	Classes  int `json:"classes"`
	Promoted int `json:"promoted"`
}

// WaitingListService manages per-class queues and seat offers.
type WaitingListService struct {
	tx          Transactor
	entries     waitingListStore
	classes     seatLocker
	enrollments seatHoldCounter
	notifier    notifier
	cache       *CacheService
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         WaitingListConfig
	now         func() time.Time
}

// NewWaitingListService constructs WaitingListService.
func NewWaitingListService(tx Transactor, entries waitingListStore, classes seatLocker, enrollments seatHoldCounter, notifier notifier, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg WaitingListConfig) *WaitingListService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NotifyTTL <= 0 {
		cfg.NotifyTTL = 24 * time.Hour
	}
	return &WaitingListService{
		tx:          tx,
		entries:     entries,
		classes:     classes,
		enrollments: enrollments,
		notifier:    notifier,
		cache:       cache,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Join queues a student for a class. Only staff may set priority.
func (s *WaitingListService) Join(ctx context.Context, actor models.Actor, classID string, req dto.JoinWaitingListRequest) (*models.WaitingListEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid waiting list payload")
	}
	if !actor.CanActFor(req.StudentID) {
		return nil, appErrors.ErrForbidden
	}
	if req.IsPriority && !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff can grant waiting list priority")
	}

	outbox := NewOutbox()
	var entry *models.WaitingListEntry
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if _, err := s.classes.LockForUpdate(ctx, exec, classID); err != nil {
			return notFoundOr(err, "class not found", "failed to lock class")
		}
		live, err := s.enrollments.ExistsLive(ctx, exec, req.StudentID, classID, "")
		if err != nil {
			return internalError(err, "failed to check enrollments")
		}
		if live {
			return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already holds an enrollment for this class")
		}
		if _, err := s.entries.FindOpenByStudent(ctx, exec, classID, req.StudentID); err == nil {
			return appErrors.Clone(appErrors.ErrConflict, "student is already on the waiting list")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return internalError(err, "failed to check waiting list")
		}
		entry = &models.WaitingListEntry{
			ClassID:    classID,
			StudentID:  req.StudentID,
			IsPriority: req.IsPriority,
			Status:     models.WaitingListStatusWaiting,
		}
		if err := s.entries.Create(ctx, exec, entry); err != nil {
			return internalError(err, "failed to join waiting list")
		}
		promoted, err := s.promoteTx(ctx, exec, classID, outbox)
		if err != nil {
			return err
		}
		for _, p := range promoted {
			if p.ID == entry.ID {
				*entry = p
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return entry, nil
}

// EnqueueTx queues a student inside the caller's transaction, returning the open entry when one
// already exists. The caller must hold the class lock.
func (s *WaitingListService) EnqueueTx(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) (*models.WaitingListEntry, error) {
	existing, err := s.entries.FindOpenByStudent(ctx, exec, classID, studentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, internalError(err, "failed to check waiting list")
	}
	entry := &models.WaitingListEntry{
		ClassID:   classID,
		StudentID: studentID,
		Status:    models.WaitingListStatusWaiting,
	}
	if err := s.entries.Create(ctx, exec, entry); err != nil {
		return nil, internalError(err, "failed to join waiting list")
	}
	return entry, nil
}

// MarkEnrolledTx closes the student's open entry once they hold an enrollment.
func (s *WaitingListService) MarkEnrolledTx(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) error {
	entry, err := s.entries.FindOpenByStudent(ctx, exec, classID, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return internalError(err, "failed to check waiting list")
	}
	entry.Status = models.WaitingListStatusEnrolled
	entry.EnrolledAt = timePtr(s.now())
	return internalError(s.entries.Update(ctx, exec, entry), "failed to update waiting list entry")
}

// HeldOffersTx counts unexpired offers held by students other than excludeStudentID.
func (s *WaitingListService) HeldOffersTx(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string) (int, error) {
	count, err := s.entries.CountOutstandingOffers(ctx, exec, classID, excludeStudentID, s.now())
	if err != nil {
		return 0, internalError(err, "failed to count waiting list offers")
	}
	return count, nil
}

// Leave cancels an open entry. A released offer is passed to the next student.
func (s *WaitingListService) Leave(ctx context.Context, actor models.Actor, entryID string) (*models.WaitingListEntry, error) {
	current, err := s.entries.FindByID(ctx, entryID)
	if err != nil {
		return nil, notFoundOr(err, "waiting list entry not found", "failed to load waiting list entry")
	}
	if !actor.CanActFor(current.StudentID) {
		return nil, appErrors.ErrForbidden
	}

	outbox := NewOutbox()
	var entry *models.WaitingListEntry
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if _, err := s.classes.LockForUpdate(ctx, exec, current.ClassID); err != nil {
			return notFoundOr(err, "class not found", "failed to lock class")
		}
		entry, err = s.entries.LockByID(ctx, exec, entryID)
		if err != nil {
			return notFoundOr(err, "waiting list entry not found", "failed to lock waiting list entry")
		}
		if entry.Status == models.WaitingListStatusCancelled {
			return nil
		}
		if !entry.IsOpen() {
			return invalidTransition(entry.Status, models.WaitingListStatusCancelled)
		}
		heldOffer := entry.Status == models.WaitingListStatusNotified
		entry.Status = models.WaitingListStatusCancelled
		if err := s.entries.Update(ctx, exec, entry); err != nil {
			return internalError(err, "failed to leave waiting list")
		}
		if heldOffer {
			_, err := s.promoteTx(ctx, exec, entry.ClassID, outbox)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return entry, nil
}

// PromoteNext offers freed seats of a class to the next waiting students.
func (s *WaitingListService) PromoteNext(ctx context.Context, classID string) ([]models.WaitingListEntry, error) {
	outbox := NewOutbox()
	var promoted []models.WaitingListEntry
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		promoted, err = s.PromoteNextTx(ctx, exec, classID, outbox)
		return err
	})
	if err != nil {
		return nil, err
	}
	outbox.Flush(ctx)
	return promoted, nil
}

// PromoteNextTx promotes inside the caller's transaction.
func (s *WaitingListService) PromoteNextTx(ctx context.Context, exec sqlx.ExtContext, classID string, outbox *Outbox) ([]models.WaitingListEntry, error) {
	return s.promoteTx(ctx, exec, classID, outbox)
}

// promoteTx re-reads the class under lock so counters reflect earlier writes of the transaction.
func (s *WaitingListService) promoteTx(ctx context.Context, exec sqlx.ExtContext, classID string, outbox *Outbox) ([]models.WaitingListEntry, error) {
	class, err := s.classes.LockForUpdate(ctx, exec, classID)
	if err != nil {
		return nil, notFoundOr(err, "class not found", "failed to lock class")
	}
	now := s.now()
	pending, err := s.enrollments.CountHeldSeats(ctx, exec, classID, now.Add(-s.cfg.HoldTTL))
	if err != nil {
		return nil, internalError(err, "failed to count held seats")
	}
	offers, err := s.entries.CountOutstandingOffers(ctx, exec, classID, "", now)
	if err != nil {
		return nil, internalError(err, "failed to count waiting list offers")
	}
	free := class.Capacity - class.CurrentEnrollments - pending - offers

	var promoted []models.WaitingListEntry
	for i := 0; i < free; i++ {
		next, err := s.entries.NextWaiting(ctx, exec, classID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, internalError(err, "failed to load next waiting entry")
		}
		next.Status = models.WaitingListStatusNotified
		next.NotifiedAt = timePtr(now)
		next.ExpiresAt = timePtr(now.Add(s.cfg.NotifyTTL))
		if err := s.entries.Update(ctx, exec, next); err != nil {
			return nil, internalError(err, "failed to promote waiting entry")
		}
		promoted = append(promoted, *next)

		entry := *next
		outbox.Add(func(ctx context.Context) {
			s.notifier.Notify(ctx, entry.StudentID, models.TemplateWaitingListNotified, map[string]interface{}{
				"class_id":   entry.ClassID,
				"entry_id":   entry.ID,
				"expires_at": entry.ExpiresAt,
			})
			s.metrics.RecordWaitingListPromotion()
		})
	}
	if len(promoted) > 0 {
		outbox.Add(func(ctx context.Context) {
			s.cache.InvalidateAvailability(ctx, classID)
		})
	}
	return promoted, nil
}

// ExpireStale expires lapsed offers and re-runs promotion for every affected class.
func (s *WaitingListService) ExpireStale(ctx context.Context) (ExpireResult, error) {
	var classIDs []string
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		classIDs, err = s.entries.ExpireOffers(ctx, exec, s.now())
		return internalError(err, "failed to expire waiting list offers")
	})
	if err != nil {
		return ExpireResult{}, err
	}

	result := ExpireResult{Classes: len(classIDs)}
	for _, classID := range classIDs {
		promoted, err := s.PromoteNext(ctx, classID)
		if err != nil {
			s.logger.Warn("waiting list promotion failed after expiry", zap.String("class_id", classID), zap.Error(err))
			continue
		}
		result.Promoted += len(promoted)
	}
	return result, nil
}

// List returns a class queue in promotion order.
func (s *WaitingListService) List(ctx context.Context, actor models.Actor, classID string, openOnly bool) ([]models.WaitingListEntry, error) {
	if !actor.IsPrivileged() {
		return nil, appErrors.ErrForbidden
	}
	entries, err := s.entries.ListByClass(ctx, classID, openOnly)
	if err != nil {
		return nil, internalError(err, "failed to list waiting list")
	}
	models.SortForPromotion(entries)
	return entries, nil
}
