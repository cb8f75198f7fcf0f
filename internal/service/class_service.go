package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	ReconcileSeatCounters(ctx context.Context, exec sqlx.ExtContext) (models.SeatReconciliation, error)
}

type holdReader interface {
	CountHeldSeats(ctx context.Context, exec sqlx.ExtContext, classID string, since time.Time) (int, error)
}

type offerReader interface {
	CountOutstandingOffers(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string, now time.Time) (int, error)
}

// ClassService exposes read-side class capacity information.
type ClassService struct {
	tx          Transactor
	classes     classReader
	enrollments holdReader
	offers      offerReader
	cache       *CacheService
	logger      *zap.Logger
	holdTTL     time.Duration
	now         func() time.Time
}

// NewClassService constructs ClassService.
func NewClassService(tx Transactor, classes classReader, enrollments holdReader, offers offerReader, cache *CacheService, logger *zap.Logger, holdTTL time.Duration) *ClassService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassService{
		tx:          tx,
		classes:     classes,
		enrollments: enrollments,
		offers:      offers,
		cache:       cache,
		logger:      logger,
		holdTTL:     holdTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Availability returns capacity, counted and held seats for a class. Snapshots are cached and
// invalidated after every committed seat change.
func (s *ClassService) Availability(ctx context.Context, classID string) (*models.ClassAvailability, error) {
	key := availabilityCacheKey(classID)
	var cached models.ClassAvailability
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		return nil, notFoundOr(err, "class not found", "failed to load class")
	}
	now := s.now()
	var held int
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		pending, err := s.enrollments.CountHeldSeats(ctx, exec, classID, now.Add(-s.holdTTL))
		if err != nil {
			return err
		}
		offers, err := s.offers.CountOutstandingOffers(ctx, exec, classID, "", now)
		if err != nil {
			return err
		}
		held = pending + offers
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to compute availability")
	}

	availability := models.NewClassAvailability(*class, held, now)
	s.cache.Set(ctx, key, availability)
	return &availability, nil
}

// ReconcileSeatCounters recomputes every class counter from seat-counted enrollments under the
// class row locks. Overbooked classes are clamped to capacity and logged for manual review.
func (s *ClassService) ReconcileSeatCounters(ctx context.Context) (models.SeatReconciliation, error) {
	var result models.SeatReconciliation
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		result, err = s.classes.ReconcileSeatCounters(ctx, exec)
		return err
	})
	if err != nil {
		return models.SeatReconciliation{}, internalError(err, "failed to reconcile seat counters")
	}
	if result.Corrected > 0 {
		s.logger.Warn("seat counters drifted and were reconciled", zap.Int64("classes", result.Corrected))
	}
	if len(result.Overbooked) > 0 {
		s.logger.Error("seat-counted enrollments exceed capacity", zap.Strings("class_ids", result.Overbooked))
	}
	return result, nil
}
