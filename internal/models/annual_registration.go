package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnnualRegistrationStatus represents the yearly membership lifecycle.
type AnnualRegistrationStatus string

const (
	AnnualRegistrationStatusDraft               AnnualRegistrationStatus = "DRAFT"
	AnnualRegistrationStatusPendingPayment      AnnualRegistrationStatus = "PENDING_PAYMENT"
	AnnualRegistrationStatusPendingVerification AnnualRegistrationStatus = "PENDING_VERIFICATION"
	AnnualRegistrationStatusActive              AnnualRegistrationStatus = "ACTIVE"
	AnnualRegistrationStatusExpired             AnnualRegistrationStatus = "EXPIRED"
	AnnualRegistrationStatusCancelled           AnnualRegistrationStatus = "CANCELLED"
)

// IsTerminal reports whether the registration can no longer change.
func (s AnnualRegistrationStatus) IsTerminal() bool {
	return s == AnnualRegistrationStatusExpired || s == AnnualRegistrationStatusCancelled
}

// AwaitingActivation reports whether CheckAndActivate may move the registration forward.
func (s AnnualRegistrationStatus) AwaitingActivation() bool {
	return s == AnnualRegistrationStatusPendingPayment || s == AnnualRegistrationStatusPendingVerification
}

// AnnualRegistration is a yearly branch membership keyed by (student, academic year).
// IsPaidCached is a read optimisation only; activation always consults the invoice.
type AnnualRegistration struct {
	ID                 string                   `db:"id" json:"id"`
	StudentID          string                   `db:"student_id" json:"student_id"`
	AcademicYear       string                   `db:"academic_year" json:"academic_year"`
	BranchID           *string                  `db:"branch_id" json:"branch_id,omitempty"`
	Status             AnnualRegistrationStatus `db:"status" json:"status"`
	Fee                decimal.Decimal          `db:"fee" json:"fee"`
	InvoiceID          *string                  `db:"invoice_id" json:"invoice_id,omitempty"`
	IsPaidCached       bool                     `db:"is_paid_cached" json:"is_paid"`
	DocumentsVerified  bool                     `db:"documents_verified" json:"documents_verified"`
	VerifiedBy         *string                  `db:"verified_by" json:"verified_by,omitempty"`
	StartDate          time.Time                `db:"start_date" json:"start_date"`
	EndDate            time.Time                `db:"end_date" json:"end_date"`
	ActivatedAt        *time.Time               `db:"activated_at" json:"activated_at,omitempty"`
	CancelledAt        *time.Time               `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason *string                  `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time                `db:"updated_at" json:"updated_at"`
}
