package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEnrollmentTransitions(t *testing.T) {
	assert.True(t, EnrollmentStatusPending.CanTransitionTo(EnrollmentStatusActive))
	assert.True(t, EnrollmentStatusActive.CanTransitionTo(EnrollmentStatusWithdrawn))
	assert.False(t, EnrollmentStatusCancelled.CanTransitionTo(EnrollmentStatusActive))
	assert.False(t, EnrollmentStatusCompleted.CanTransitionTo(EnrollmentStatusCancelled))
	assert.True(t, EnrollmentStatusWithdrawn.IsTerminal())
	assert.False(t, EnrollmentStatusRejected.IsLive())
	assert.True(t, EnrollmentStatusPending.IsLive())
}

func TestCouponPercentageCappedByMaximum(t *testing.T) {
	coupon := Coupon{
		DiscountType:      CouponTypePercentage,
		DiscountValue:     decimal.NewFromInt(10),
		MaxDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(50000)),
		IsActive:          true,
	}
	subtotal := decimal.NewFromInt(1000000)
	assert.Equal(t, "", coupon.Rejection(time.Now(), subtotal))

	invoice := Invoice{Subtotal: subtotal, DiscountAmount: coupon.DiscountFor(subtotal)}
	invoice.RecalculateTotal()
	assert.True(t, invoice.DiscountAmount.Equal(decimal.NewFromInt(50000)))
	assert.True(t, invoice.TotalAmount.Equal(decimal.NewFromInt(950000)))
}

func TestCouponFixedCappedBySubtotal(t *testing.T) {
	coupon := Coupon{DiscountType: CouponTypeFixed, DiscountValue: decimal.NewFromInt(300), IsActive: true}
	assert.True(t, coupon.DiscountFor(decimal.NewFromInt(200)).Equal(decimal.NewFromInt(200)))
}

func TestCouponRejections(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	limit := 1
	expired := Coupon{IsActive: true, ValidUntil: &past}
	assert.NotEmpty(t, expired.Rejection(time.Now(), decimal.NewFromInt(1)))
	exhausted := Coupon{IsActive: true, UsageLimit: &limit, UsedCount: 1}
	assert.NotEmpty(t, exhausted.Rejection(time.Now(), decimal.NewFromInt(1)))
	minimum := Coupon{IsActive: true, MinPurchaseAmount: decimal.NewFromInt(10)}
	assert.NotEmpty(t, minimum.Rejection(time.Now(), decimal.NewFromInt(5)))
}

func TestInvoiceStatusDerivation(t *testing.T) {
	invoice := Invoice{
		Items:  []InvoiceItem{{Quantity: 2, UnitPrice: decimal.NewFromInt(500), DiscountAmount: decimal.NewFromInt(100)}},
		Status: InvoiceStatusPending,
	}
	invoice.Recalculate()
	assert.True(t, invoice.Subtotal.Equal(decimal.NewFromInt(900)))

	invoice.ApplyPaidAmount(decimal.NewFromInt(100))
	assert.Equal(t, InvoiceStatusPartiallyPaid, invoice.Status)
	invoice.ApplyPaidAmount(decimal.NewFromInt(900))
	assert.Equal(t, InvoiceStatusPaid, invoice.Status)
	assert.True(t, invoice.IsPaid())
	invoice.ApplyPaidAmount(decimal.Zero)
	assert.Equal(t, InvoiceStatusPending, invoice.Status)
}

func TestSortForPromotion(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []WaitingListEntry{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute), IsPriority: true},
		{ID: "c", CreatedAt: base.Add(-time.Minute)},
		{ID: "d", CreatedAt: base.Add(2 * time.Minute), IsPriority: true},
	}
	SortForPromotion(entries)
	ids := []string{entries[0].ID, entries[1].ID, entries[2].ID, entries[3].ID}
	assert.Equal(t, []string{"b", "d", "c", "a"}, ids)
}

func TestClassRegistrationWindow(t *testing.T) {
	now := time.Now()
	start := now.Add(time.Hour)
	class := Class{IsActive: true, RegistrationStart: &start}
	assert.False(t, class.IsRegistrationOpen(now))
	class.RegistrationStart = nil
	assert.True(t, class.IsRegistrationOpen(now))
	class.IsActive = false
	assert.False(t, class.IsRegistrationOpen(now))
}

func TestActorCanActFor(t *testing.T) {
	student := Actor{ID: "u1", Role: RoleStudent, StudentID: "s1"}
	assert.True(t, student.CanActFor("s1"))
	assert.False(t, student.CanActFor("s2"))
	assert.True(t, Actor{Role: RoleBranchManager}.CanActFor("s2"))
	assert.True(t, SystemActor.CanActFor("s2"))
}

func TestFormatDocumentNumber(t *testing.T) {
	assert.Equal(t, "EN2025000042", FormatDocumentNumber(PrefixEnrollment, 2025, 42))
}
