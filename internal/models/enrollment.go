package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EnrollmentStatus represents lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusPending   EnrollmentStatus = "PENDING"
	EnrollmentStatusApproved  EnrollmentStatus = "APPROVED"
	EnrollmentStatusRejected  EnrollmentStatus = "REJECTED"
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusSuspended EnrollmentStatus = "SUSPENDED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusCancelled EnrollmentStatus = "CANCELLED"
	EnrollmentStatusWithdrawn EnrollmentStatus = "WITHDRAWN"
)

var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusPending:   {EnrollmentStatusApproved, EnrollmentStatusRejected, EnrollmentStatusActive, EnrollmentStatusCancelled},
	EnrollmentStatusApproved:  {EnrollmentStatusActive, EnrollmentStatusRejected, EnrollmentStatusCancelled},
	EnrollmentStatusActive:    {EnrollmentStatusCompleted, EnrollmentStatusCancelled, EnrollmentStatusSuspended, EnrollmentStatusWithdrawn},
	EnrollmentStatusSuspended: {EnrollmentStatusActive, EnrollmentStatusCancelled},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	for _, allowed := range enrollmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s EnrollmentStatus) IsTerminal() bool {
	return len(enrollmentTransitions[s]) == 0
}

// IsLive reports whether the enrollment still occupies the (student, class) slot.
func (s EnrollmentStatus) IsLive() bool {
	return s != EnrollmentStatusCancelled && s != EnrollmentStatusRejected
}

// AwaitingPayment reports whether payment completion may activate the enrollment.
func (s EnrollmentStatus) AwaitingPayment() bool {
	return s == EnrollmentStatusPending || s == EnrollmentStatusApproved
}

// Enrollment ties a student to a class with its financial and attendance trail.
type Enrollment struct {
	ID                  string           `db:"id" json:"id"`
	EnrollmentNumber    string           `db:"enrollment_number" json:"enrollment_number"`
	StudentID           string           `db:"student_id" json:"student_id"`
	ClassID             string           `db:"class_id" json:"class_id"`
	TermID              *string          `db:"term_id" json:"term_id,omitempty"`
	Status              EnrollmentStatus `db:"status" json:"status"`
	TotalAmount         decimal.Decimal  `db:"total_amount" json:"total_amount"`
	DiscountAmount      decimal.Decimal  `db:"discount_amount" json:"discount_amount"`
	FinalAmount         decimal.Decimal  `db:"final_amount" json:"final_amount"`
	PaidAmount          decimal.Decimal  `db:"paid_amount" json:"paid_amount"`
	AttendanceRate      decimal.Decimal  `db:"attendance_rate" json:"attendance_rate"`
	InvoiceID           *string          `db:"invoice_id" json:"invoice_id,omitempty"`
	SeatCounted         bool             `db:"seat_counted" json:"seat_counted"`
	CancellationReason  *string          `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	ApprovedBy          *string          `db:"approved_by" json:"approved_by,omitempty"`
	ActivatedAt         *time.Time       `db:"activated_at" json:"activated_at,omitempty"`
	CancelledAt         *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CompletedAt         *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	WithdrawnAt         *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	CertificateNumber   *string          `db:"certificate_number" json:"certificate_number,omitempty"`
	CertificateIssuedAt *time.Time       `db:"certificate_issued_at" json:"certificate_issued_at,omitempty"`
	CertificateFile     *string          `db:"certificate_file" json:"-"`
	DeletedAt           *time.Time       `db:"deleted_at" json:"-"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// SetAmounts stores the financial snapshot. final_amount is always derived.
func (e *Enrollment) SetAmounts(total, discount, paid decimal.Decimal) {
	e.TotalAmount = total
	e.DiscountAmount = discount
	e.FinalAmount = total.Sub(discount)
	e.PaidAmount = paid
}

// RemainingAmount is the unpaid share of the final amount.
func (e Enrollment) RemainingAmount() decimal.Decimal {
	remaining := e.FinalAmount.Sub(e.PaidAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// EnrollmentFilter captures list filters for enrollments.
type EnrollmentFilter struct {
	StudentID string
	ClassID   string
	Status    *EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
