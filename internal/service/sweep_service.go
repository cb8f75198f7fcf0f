package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

// Sweep names accepted by Run.
const (
	SweepExpireWaitingList     = "expire_stale_waiting_list_entries"
	SweepExpireRegistrations   = "expire_annual_registrations_past_end_date"
	SweepPaymentReminders      = "send_payment_due_reminders"
	SweepResettlePaidInvoices  = "resettle_paid_invoices"
	SweepReconcileSeatCounters = "reconcile_seat_counters"
	sweepBatchSize             = 200
)

type reminderStore interface {
	ListDueForReminder(ctx context.Context, dueBefore, remindedBefore time.Time, limit int) ([]models.Invoice, error)
	MarkReminded(ctx context.Context, id string, at time.Time) error
	ListResettleCandidates(ctx context.Context, limit int) ([]string, error)
}

type sweepLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

type waitingListExpirer interface {
	ExpireStale(ctx context.Context) (ExpireResult, error)
}

type registrationExpirer interface {
	ExpirePastEndDate(ctx context.Context) (int64, error)
}

type invoiceResettler interface {
	Resettle(ctx context.Context, invoiceID string) (bool, error)
}

type seatReconciler interface {
	ReconcileSeatCounters(ctx context.Context) (models.SeatReconciliation, error)
}

// SweepConfig tunes reminder windows and the cross-instance lease.
type SweepConfig struct {
	ReminderWindow   time.Duration
	ReminderCooldown time.Duration
	LockTTL          time.Duration
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Name     string                 `json:"name"`
	Skipped  bool                   `json:"skipped"`
	Summary  map[string]interface{} `json:"summary,omitempty"`
	Duration string                 `json:"duration"`
}

// SweepService runs periodic maintenance entry points.
type SweepService struct {
	waitingList   waitingListExpirer
	registrations registrationExpirer
	invoices      reminderStore
	resettler     invoiceResettler
	seats         seatReconciler
	notifier      notifier
	locker        sweepLocker
	metrics       *MetricsService
	logger        *zap.Logger
	cfg           SweepConfig
	now           func() time.Time
	sweeps        map[string]func(context.Context) (map[string]interface{}, error)
}

// NewSweepService constructs SweepService.
func NewSweepService(waitingList waitingListExpirer, registrations registrationExpirer, invoices reminderStore, resettler invoiceResettler, seats seatReconciler, notifier notifier, locker sweepLocker, metrics *MetricsService, logger *zap.Logger, cfg SweepConfig) *SweepService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = 72 * time.Hour
	}
	if cfg.ReminderCooldown <= 0 {
		cfg.ReminderCooldown = 24 * time.Hour
	}
	s := &SweepService{
		waitingList:   waitingList,
		registrations: registrations,
		invoices:      invoices,
		resettler:     resettler,
		seats:         seats,
		notifier:      notifier,
		locker:        locker,
		metrics:       metrics,
		logger:        logger,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
	s.sweeps = map[string]func(context.Context) (map[string]interface{}, error){
		SweepExpireWaitingList:     s.expireWaitingList,
		SweepExpireRegistrations:   s.expireRegistrations,
		SweepPaymentReminders:      s.sendPaymentReminders,
		SweepResettlePaidInvoices:  s.resettlePaidInvoices,
		SweepReconcileSeatCounters: s.reconcileSeatCounters,
	}
	return s
}

// Names lists the registered sweeps in stable order.
func (s *SweepService) Names() []string {
	names := make([]string, 0, len(s.sweeps))
	for name := range s.sweeps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one sweep under a distributed lease. A lease held elsewhere skips the run.
func (s *SweepService) Run(ctx context.Context, name string) (*SweepResult, error) {
	sweep, ok := s.sweeps[name]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "unknown sweep "+name)
	}
	result := &SweepResult{Name: name}
	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, "sweep:"+name, s.cfg.LockTTL)
		if err != nil {
			s.metrics.RecordSweepRun(name, "error")
			return nil, internalError(err, "failed to acquire sweep lock")
		}
		if !acquired {
			s.metrics.RecordSweepRun(name, "skipped")
			result.Skipped = true
			return result, nil
		}
		defer release()
	}

	start := time.Now()
	summary, err := sweep(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		s.metrics.RecordSweepRun(name, "error")
		s.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
		return nil, err
	}
	result.Summary = summary
	s.metrics.RecordSweepRun(name, "ok")
	s.logger.Sugar().Infow("sweep finished", "sweep", name, "summary", summary, "duration", result.Duration)
	return result, nil
}

// RunAll executes every sweep, logging failures and continuing.
func (s *SweepService) RunAll(ctx context.Context) {
	for _, name := range s.Names() {
		if _, err := s.Run(ctx, name); err != nil {
			s.logger.Warn("scheduled sweep failed", zap.String("sweep", name), zap.Error(err))
		}
	}
}

// Start runs every sweep on the interval until ctx is cancelled.
func (s *SweepService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunAll(ctx)
			}
		}
	}()
}

func (s *SweepService) expireWaitingList(ctx context.Context) (map[string]interface{}, error) {
	result, err := s.waitingList.ExpireStale(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"classes": result.Classes, "promoted": result.Promoted}, nil
}

func (s *SweepService) expireRegistrations(ctx context.Context) (map[string]interface{}, error) {
	expired, err := s.registrations.ExpirePastEndDate(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"expired": expired}, nil
}

func (s *SweepService) sendPaymentReminders(ctx context.Context) (map[string]interface{}, error) {
	now := s.now()
	invoices, err := s.invoices.ListDueForReminder(ctx, now.Add(s.cfg.ReminderWindow), now.Add(-s.cfg.ReminderCooldown), sweepBatchSize)
	if err != nil {
		return nil, internalError(err, "failed to list invoices due")
	}
	sent := 0
	for _, invoice := range invoices {
		if err := s.invoices.MarkReminded(ctx, invoice.ID, now); err != nil {
			s.logger.Warn("failed to mark invoice reminded", zap.String("invoice_id", invoice.ID), zap.Error(err))
			continue
		}
		s.notifier.Notify(ctx, invoice.StudentID, models.TemplatePaymentDueReminder, map[string]interface{}{
			"invoice_number": invoice.InvoiceNumber,
			"remaining":      invoice.RemainingAmount().String(),
			"due_date":       invoice.DueDate,
		})
		sent++
	}
	return map[string]interface{}{"reminded": sent}, nil
}

func (s *SweepService) resettlePaidInvoices(ctx context.Context) (map[string]interface{}, error) {
	ids, err := s.invoices.ListResettleCandidates(ctx, sweepBatchSize)
	if err != nil {
		return nil, internalError(err, "failed to list resettle candidates")
	}
	replayed, failed := 0, 0
	for _, id := range ids {
		ok, err := s.resettler.Resettle(ctx, id)
		if err != nil {
			failed++
			s.logger.Warn("resettle failed", zap.String("invoice_id", id), zap.Error(err))
			continue
		}
		if ok {
			replayed++
		}
	}
	return map[string]interface{}{"candidates": len(ids), "replayed": replayed, "failed": failed}, nil
}

func (s *SweepService) reconcileSeatCounters(ctx context.Context) (map[string]interface{}, error) {
	result, err := s.seats.ReconcileSeatCounters(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"corrected": result.Corrected, "overbooked": len(result.Overbooked)}, nil
}
