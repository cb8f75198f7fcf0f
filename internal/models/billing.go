package models

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// InvoiceStatus is derived from paid_amount against total_amount unless cancelled.
type InvoiceStatus string

const (
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
)

// Invoice is a billing document owned by a student.
type Invoice struct {
	ID             string          `db:"id" json:"id"`
	InvoiceNumber  string          `db:"invoice_number" json:"invoice_number"`
	StudentID      string          `db:"student_id" json:"student_id"`
	Description    string          `db:"description" json:"description"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	Status         InvoiceStatus   `db:"status" json:"status"`
	CouponID       *string         `db:"coupon_id" json:"coupon_id,omitempty"`
	DueDate        *time.Time      `db:"due_date" json:"due_date,omitempty"`
	LastRemindedAt *time.Time      `db:"last_reminded_at" json:"last_reminded_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	Items          []InvoiceItem   `db:"-" json:"items,omitempty"`
}

// IsPaid reports whether completed payments cover the total.
func (i Invoice) IsPaid() bool {
	return i.Status != InvoiceStatusCancelled && i.PaidAmount.GreaterThanOrEqual(i.TotalAmount)
}

// RemainingAmount is the outstanding balance.
func (i Invoice) RemainingAmount() decimal.Decimal {
	remaining := i.TotalAmount.Sub(i.PaidAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Recalculate derives subtotal from items and total from subtotal, discount and tax.
func (i *Invoice) Recalculate() {
	subtotal := decimal.Zero
	for idx := range i.Items {
		i.Items[idx].Recalculate()
		subtotal = subtotal.Add(i.Items[idx].TotalAmount)
	}
	i.Subtotal = subtotal
	i.RecalculateTotal()
}

// RecalculateTotal derives total = subtotal - discount + tax, floored at zero.
func (i *Invoice) RecalculateTotal() {
	total := i.Subtotal.Sub(i.DiscountAmount).Add(i.TaxAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	i.TotalAmount = total
}

// ApplyPaidAmount stores the recomputed paid sum and derives the status.
func (i *Invoice) ApplyPaidAmount(paid decimal.Decimal) {
	i.PaidAmount = paid
	if i.Status == InvoiceStatusCancelled {
		return
	}
	switch {
	case paid.GreaterThanOrEqual(i.TotalAmount):
		i.Status = InvoiceStatusPaid
	case paid.IsPositive():
		i.Status = InvoiceStatusPartiallyPaid
	default:
		i.Status = InvoiceStatusPending
	}
}

// TaxFor computes tax for a taxable base using a percentage rate.
func TaxFor(base, ratePercent decimal.Decimal) decimal.Decimal {
	if !ratePercent.IsPositive() {
		return decimal.Zero
	}
	return base.Mul(ratePercent).Div(hundred).Round(2)
}

// InvoiceItem is a single invoice line.
type InvoiceItem struct {
	ID             string          `db:"id" json:"id"`
	InvoiceID      string          `db:"invoice_id" json:"invoice_id"`
	Description    string          `db:"description" json:"description"`
	Quantity       int             `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
}

// Recalculate derives the line total.
func (it *InvoiceItem) Recalculate() {
	total := it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Sub(it.DiscountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	it.TotalAmount = total
}

// PaymentMethod enumerates settlement channels.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodPOS          PaymentMethod = "POS"
	PaymentMethodOnline       PaymentMethod = "ONLINE"
	PaymentMethodCredit       PaymentMethod = "CREDIT"
)

// IsManual reports whether staff verifies the payment at the counter.
func (m PaymentMethod) IsManual() bool {
	return m == PaymentMethodCash || m == PaymentMethodBankTransfer || m == PaymentMethodPOS
}

// PaymentStatus represents a settlement attempt lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// Payment is one settlement attempt against an invoice.
type Payment struct {
	ID            string          `db:"id" json:"id"`
	PaymentNumber string          `db:"payment_number" json:"payment_number"`
	InvoiceID     string          `db:"invoice_id" json:"invoice_id"`
	StudentID     string          `db:"student_id" json:"student_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        PaymentMethod   `db:"method" json:"method"`
	Status        PaymentStatus   `db:"status" json:"status"`
	Reference     *string         `db:"reference" json:"reference,omitempty"`
	GatewayToken  *string         `db:"gateway_token" json:"gateway_token,omitempty"`
	RedirectURL   *string         `db:"redirect_url" json:"redirect_url,omitempty"`
	VerifiedBy    *string         `db:"verified_by" json:"verified_by,omitempty"`
	FailureReason *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	RefundReason  *string         `db:"refund_reason" json:"refund_reason,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	RefundedAt    *time.Time      `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// CouponType distinguishes percentage and fixed discounts.
type CouponType string

const (
	CouponTypePercentage CouponType = "PERCENTAGE"
	CouponTypeFixed      CouponType = "FIXED"
)

// Coupon is a redeemable discount code.
type Coupon struct {
	ID                string              `db:"id" json:"id"`
	Code              string              `db:"code" json:"code"`
	DiscountType      CouponType          `db:"discount_type" json:"discount_type"`
	DiscountValue     decimal.Decimal     `db:"discount_value" json:"discount_value"`
	MaxDiscountAmount decimal.NullDecimal `db:"max_discount_amount" json:"max_discount_amount"`
	MinPurchaseAmount decimal.Decimal     `db:"min_purchase_amount" json:"min_purchase_amount"`
	UsageLimit        *int                `db:"usage_limit" json:"usage_limit,omitempty"`
	UsageLimitPerUser *int                `db:"usage_limit_per_user" json:"usage_limit_per_user,omitempty"`
	UsedCount         int                 `db:"used_count" json:"used_count"`
	ValidFrom         *time.Time          `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil        *time.Time          `db:"valid_until" json:"valid_until,omitempty"`
	IsActive          bool                `db:"is_active" json:"is_active"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
}

// Rejection returns a reason the coupon cannot be redeemed against subtotal at now, or "".
func (c Coupon) Rejection(now time.Time, subtotal decimal.Decimal) string {
	switch {
	case !c.IsActive:
		return "coupon is inactive"
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return "coupon is not yet valid"
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		return "coupon has expired"
	case c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit:
		return "coupon usage limit reached"
	case subtotal.LessThan(c.MinPurchaseAmount):
		return "minimum purchase amount not met"
	}
	return ""
}

// DiscountFor computes the discount for subtotal: percentage capped by max_discount_amount,
// fixed capped by the subtotal itself.
func (c Coupon) DiscountFor(subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.DiscountType {
	case CouponTypePercentage:
		discount = subtotal.Mul(c.DiscountValue).Div(hundred).Round(2)
		if c.MaxDiscountAmount.Valid && discount.GreaterThan(c.MaxDiscountAmount.Decimal) {
			discount = c.MaxDiscountAmount.Decimal
		}
	default:
		discount = c.DiscountValue
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount
}

// CouponUsage records one redemption.
type CouponUsage struct {
	ID             string          `db:"id" json:"id"`
	CouponID       string          `db:"coupon_id" json:"coupon_id"`
	StudentID      string          `db:"student_id" json:"student_id"`
	InvoiceID      string          `db:"invoice_id" json:"invoice_id"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	UsedAt         time.Time       `db:"used_at" json:"used_at"`
}

// CreditNote is the per-student stored-value wallet.
type CreditNote struct {
	ID        string          `db:"id" json:"id"`
	StudentID string          `db:"student_id" json:"student_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// CreditTransactionType is the direction of a wallet movement.
type CreditTransactionType string

const (
	CreditTransactionCredit CreditTransactionType = "CREDIT"
	CreditTransactionDebit  CreditTransactionType = "DEBIT"
)

// CreditTransaction is an immutable wallet ledger entry.
type CreditTransaction struct {
	ID            string                `db:"id" json:"id"`
	CreditNoteID  string                `db:"credit_note_id" json:"credit_note_id"`
	StudentID     string                `db:"student_id" json:"student_id"`
	Type          CreditTransactionType `db:"type" json:"type"`
	Amount        decimal.Decimal       `db:"amount" json:"amount"`
	BalanceAfter  decimal.Decimal       `db:"balance_after" json:"balance_after"`
	Reason        string                `db:"reason" json:"reason"`
	ReferenceType *string               `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   *string               `db:"reference_id" json:"reference_id,omitempty"`
	CreatedBy     *string               `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time             `db:"created_at" json:"created_at"`
}
