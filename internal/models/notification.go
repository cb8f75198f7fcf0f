package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// NotificationTemplate names a message template rendered by the delivery collaborator.
type NotificationTemplate string

const (
	TemplateEnrollmentPending    NotificationTemplate = "enrollment_pending"
	TemplateEnrollmentActivated  NotificationTemplate = "enrollment_activated"
	TemplateEnrollmentCancelled  NotificationTemplate = "enrollment_cancelled"
	TemplateEnrollmentRejected   NotificationTemplate = "enrollment_rejected"
	TemplateWaitingListNotified  NotificationTemplate = "waiting_list_notified"
	TemplateTransferCompleted    NotificationTemplate = "transfer_completed"
	TemplateRegistrationActive   NotificationTemplate = "registration_activated"
	TemplatePaymentDueReminder   NotificationTemplate = "payment_due_reminder"
	TemplateCertificateIssued    NotificationTemplate = "certificate_issued"
	TemplateSeatLostRefunded     NotificationTemplate = "seat_lost_refunded"
)

// Notification is an in-app message persisted by the notification worker.
type Notification struct {
	ID          string               `db:"id" json:"id"`
	RecipientID string               `db:"recipient_id" json:"recipient_id"`
	Template    NotificationTemplate `db:"template" json:"template"`
	Payload     types.JSONText       `db:"payload" json:"payload"`
	CreatedAt   time.Time            `db:"created_at" json:"created_at"`
}
