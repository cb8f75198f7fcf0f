package dto

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

// RequestEnrollmentRequest asks for a seat in a class.
type RequestEnrollmentRequest struct {
	StudentID             string  `json:"student_id" validate:"required"`
	ClassID               string  `json:"class_id" validate:"required"`
	TermID                *string `json:"term_id"`
	JoinWaitingListIfFull bool    `json:"join_waiting_list_if_full"`
}

// EnrollmentRequestResult is returned by a seat request. Exactly one of Enrollment or
// WaitingListEntry is set.
type EnrollmentRequestResult struct {
	Enrollment       *models.Enrollment       `json:"enrollment,omitempty"`
	Invoice          *models.Invoice          `json:"invoice,omitempty"`
	WaitingListEntry *models.WaitingListEntry `json:"waiting_list_entry,omitempty"`
}

// ReasonRequest carries a free-text reason for reject, cancel, withdraw and similar transitions.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// AttendanceRequest sets an enrollment's attendance rate in percent.
type AttendanceRequest struct {
	AttendanceRate decimal.Decimal `json:"attendance_rate"`
}

// CertificateURLResponse exposes a signed certificate download link.
type CertificateURLResponse struct {
	CertificateNumber string `json:"certificate_number"`
	Token             string `json:"token"`
	URL               string `json:"url"`
	ExpiresAt         string `json:"expires_at"`
}
