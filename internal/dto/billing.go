package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

// InvoiceItemInput describes one invoice line. Totals are always computed server-side.
type InvoiceItemInput struct {
	Description    string          `json:"description" validate:"required"`
	Quantity       int             `json:"quantity" validate:"required,min=1"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// CreateInvoiceRequest creates a standalone invoice.
type CreateInvoiceRequest struct {
	StudentID      string             `json:"student_id" validate:"required"`
	Description    string             `json:"description"`
	Items          []InvoiceItemInput `json:"items" validate:"required,min=1,dive"`
	DiscountAmount decimal.Decimal    `json:"discount_amount"`
	TaxAmount      decimal.Decimal    `json:"tax_amount"`
	DueDate        *time.Time         `json:"due_date"`
}

// ApplyCouponRequest redeems a coupon code against an invoice.
type ApplyCouponRequest struct {
	Code string `json:"code" validate:"required"`
}

// RecordPaymentRequest records a settlement attempt.
type RecordPaymentRequest struct {
	Amount    decimal.Decimal      `json:"amount"`
	Method    models.PaymentMethod `json:"method" validate:"required,oneof=CASH BANK_TRANSFER POS ONLINE CREDIT"`
	Reference string               `json:"reference"`
}

// PaymentResult is returned after recording a payment. Online payments carry a redirect.
type PaymentResult struct {
	Payment     *models.Payment `json:"payment"`
	Invoice     *models.Invoice `json:"invoice"`
	RedirectURL string          `json:"redirect_url,omitempty"`
	Token       string          `json:"token,omitempty"`
}

// GatewayCallbackRequest is the inbound gateway result.
type GatewayCallbackRequest struct {
	Token     string `json:"token" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Reference string `json:"reference"`
}

// RefundRequest refunds a completed payment.
type RefundRequest struct {
	Reason   string `json:"reason" validate:"required,max=500"`
	ToCredit bool   `json:"to_credit"`
}

// AddCreditRequest tops up a student's wallet.
type AddCreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,max=500"`
}
