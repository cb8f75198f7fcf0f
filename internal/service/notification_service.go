package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/jobs"
	"github.com/noah-isme/academy-enrollment-api/pkg/middleware/requestid"
)

// JobTypeNotificationDeliver routes notification jobs to NotificationService.Deliver.
const JobTypeNotificationDeliver = "notification.deliver"

type notificationStore interface {
	Create(ctx context.Context, notification *models.Notification) error
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type notificationPayload struct {
	Recipient string
	Template  models.NotificationTemplate
	Context   map[string]interface{}
	// RequestID correlates the delivery log line with the request that triggered it.
	RequestID string
}

// NotificationService is the fire-and-forget notification boundary. Notify only enqueues;
// delivery happens on the worker queue and its failures never reach the caller.
type NotificationService struct {
	store  notificationStore
	queue  jobDispatcher
	logger *zap.Logger
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(store notificationStore, queue jobDispatcher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{store: store, queue: queue, logger: logger}
}

// SetQueue attaches the worker queue once it is constructed.
func (s *NotificationService) SetQueue(queue jobDispatcher) {
	s.queue = queue
}

// Notify enqueues a notification for recipient.
func (s *NotificationService) Notify(ctx context.Context, recipient string, template models.NotificationTemplate, data map[string]interface{}) {
	if s == nil || recipient == "" {
		return
	}
	if s.queue == nil {
		s.logger.Debug("notification dropped, no queue", zap.String("template", string(template)))
		return
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    JobTypeNotificationDeliver,
		Payload: notificationPayload{Recipient: recipient, Template: template, Context: data, RequestID: requestid.FromContext(ctx)},
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue notification", zap.String("template", string(template)), zap.String("recipient", recipient), zap.Error(err))
	}
}

// Deliver persists the in-app notification. It is the queue handler for JobTypeNotificationDeliver.
func (s *NotificationService) Deliver(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(notificationPayload)
	if !ok {
		return fmt.Errorf("unexpected notification payload %T", job.Payload)
	}
	raw, err := json.Marshal(payload.Context)
	if err != nil {
		return fmt.Errorf("encode notification context: %w", err)
	}
	notification := &models.Notification{
		RecipientID: payload.Recipient,
		Template:    payload.Template,
		Payload:     raw,
	}
	if err := s.store.Create(ctx, notification); err != nil {
		return err
	}
	s.logger.Info("notification delivered",
		zap.String("notification_id", notification.ID),
		zap.String("recipient", payload.Recipient),
		zap.String("template", string(payload.Template)),
		zap.Int("attempt", job.Attempt),
		zap.String("request_id", payload.RequestID),
	)
	return nil
}
