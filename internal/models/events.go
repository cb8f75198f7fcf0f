package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentCompleted is raised inside the transaction that moved a payment to COMPLETED.
type PaymentCompleted struct {
	InvoiceID string          `json:"invoice_id"`
	PaymentID string          `json:"payment_id"`
	StudentID string          `json:"student_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
}

// DocumentPrefix identifies a human-readable number series.
type DocumentPrefix string

const (
	PrefixEnrollment  DocumentPrefix = "EN"
	PrefixInvoice     DocumentPrefix = "INV"
	PrefixPayment     DocumentPrefix = "PAY"
	PrefixCertificate DocumentPrefix = "CERT"
)

// FormatDocumentNumber renders <prefix><year><6-digit sequence>.
func FormatDocumentNumber(prefix DocumentPrefix, year int, seq int64) string {
	return fmt.Sprintf("%s%d%06d", prefix, year, seq)
}
