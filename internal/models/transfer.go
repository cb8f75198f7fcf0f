package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus represents the lifecycle of an enrollment transfer.
type TransferStatus string

const (
	TransferStatusPending        TransferStatus = "PENDING"
	TransferStatusPendingPayment TransferStatus = "PENDING_PAYMENT"
	TransferStatusApproved       TransferStatus = "APPROVED"
	TransferStatusCompleted      TransferStatus = "COMPLETED"
	TransferStatusRejected       TransferStatus = "REJECTED"
)

// IsOpen reports whether the transfer can still complete.
func (s TransferStatus) IsOpen() bool {
	return s == TransferStatusPending || s == TransferStatusPendingPayment || s == TransferStatusApproved
}

// EnrollmentTransfer moves an active enrollment between classes.
type EnrollmentTransfer struct {
	ID              string          `db:"id" json:"id"`
	EnrollmentID    string          `db:"enrollment_id" json:"enrollment_id"`
	StudentID       string          `db:"student_id" json:"student_id"`
	FromClassID     string          `db:"from_class_id" json:"from_class_id"`
	ToClassID       string          `db:"to_class_id" json:"to_class_id"`
	PriceDifference decimal.Decimal `db:"price_difference" json:"price_difference"`
	Status          TransferStatus  `db:"status" json:"status"`
	Reason          string          `db:"reason" json:"reason"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	InvoiceID       *string         `db:"invoice_id" json:"invoice_id,omitempty"`
	RequestedBy     string          `db:"requested_by" json:"requested_by"`
	ApprovedBy      *string         `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// TransferFilter captures list filters for transfers.
type TransferFilter struct {
	StudentID    string
	EnrollmentID string
	Status       *TransferStatus
	Page         int
	PageSize     int
}
