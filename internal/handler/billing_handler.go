package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type billingService interface {
	CreateInvoice(ctx context.Context, actor models.Actor, req dto.CreateInvoiceRequest) (*models.Invoice, error)
	GetInvoice(ctx context.Context, actor models.Actor, id string) (*models.Invoice, error)
	ApplyCoupon(ctx context.Context, actor models.Actor, invoiceID string, req dto.ApplyCouponRequest) (*models.Invoice, error)
	RecordPayment(ctx context.Context, actor models.Actor, invoiceID string, req dto.RecordPaymentRequest) (*dto.PaymentResult, error)
	HandleGatewayCallback(ctx context.Context, req dto.GatewayCallbackRequest) (*models.Payment, error)
	Refund(ctx context.Context, actor models.Actor, paymentID string, req dto.RefundRequest) (*models.Payment, error)
	CancelPayment(ctx context.Context, actor models.Actor, paymentID string) (*models.Payment, error)
	GetPayment(ctx context.Context, actor models.Actor, id string) (*models.Payment, error)
	ListPayments(ctx context.Context, actor models.Actor, invoiceID string) ([]models.Payment, error)
}

// BillingHandler exposes invoice and payment endpoints.
type BillingHandler struct {
	billing billingService
}

// NewBillingHandler constructs BillingHandler.
func NewBillingHandler(billing billingService) *BillingHandler {
	return &BillingHandler{billing: billing}
}

// CreateInvoice godoc
// @Summary Create a standalone invoice
// @Tags Billing
// @Accept json
// @Produce json
// @Param payload body dto.CreateInvoiceRequest true "Invoice payload"
// @Success 201 {object} response.Envelope
// @Router /invoices [post]
func (h *BillingHandler) CreateInvoice(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateInvoiceRequest
	if !bindJSON(c, &req) {
		return
	}
	invoice, err := h.billing.CreateInvoice(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, invoice)
}

// GetInvoice godoc
// @Summary Get invoice
// @Tags Billing
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id} [get]
func (h *BillingHandler) GetInvoice(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	invoice, err := h.billing.GetInvoice(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// ApplyCoupon godoc
// @Summary Redeem a coupon against an invoice
// @Tags Billing
// @Accept json
// @Produce json
// @Param id path string true "Invoice ID"
// @Param payload body dto.ApplyCouponRequest true "Coupon"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /invoices/{id}/coupon [post]
func (h *BillingHandler) ApplyCoupon(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.ApplyCouponRequest
	if !bindJSON(c, &req) {
		return
	}
	invoice, err := h.billing.ApplyCoupon(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// RecordPayment godoc
// @Summary Record a payment
// @Description Manual methods are staff only. ONLINE returns a gateway redirect and completes on callback.
// @Tags Billing
// @Accept json
// @Produce json
// @Param id path string true "Invoice ID"
// @Param payload body dto.RecordPaymentRequest true "Payment"
// @Success 201 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /invoices/{id}/payments [post]
func (h *BillingHandler) RecordPayment(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.RecordPaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.billing.RecordPayment(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// ListPayments godoc
// @Summary List payment attempts for an invoice
// @Tags Billing
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/payments [get]
func (h *BillingHandler) ListPayments(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	payments, err := h.billing.ListPayments(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payments, nil)
}

// GatewayCallback godoc
// @Summary Payment gateway callback
// @Description Unauthenticated; the gateway verification of the token is the gate.
// @Tags Billing
// @Accept json
// @Produce json
// @Param payload body dto.GatewayCallbackRequest true "Callback"
// @Success 200 {object} response.Envelope
// @Failure 402 {object} response.Envelope
// @Router /payments/gateway/callback [post]
func (h *BillingHandler) GatewayCallback(c *gin.Context) {
	var req dto.GatewayCallbackRequest
	if !bindJSON(c, &req) {
		return
	}
	payment, err := h.billing.HandleGatewayCallback(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// GetPayment godoc
// @Summary Get payment
// @Tags Billing
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Router /payments/{id} [get]
func (h *BillingHandler) GetPayment(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	payment, err := h.billing.GetPayment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Refund godoc
// @Summary Refund a completed payment
// @Tags Billing
// @Accept json
// @Produce json
// @Param id path string true "Payment ID"
// @Param payload body dto.RefundRequest true "Refund"
// @Success 200 {object} response.Envelope
// @Router /payments/{id}/refund [post]
func (h *BillingHandler) Refund(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.RefundRequest
	if !bindJSON(c, &req) {
		return
	}
	payment, err := h.billing.Refund(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// CancelPayment godoc
// @Summary Cancel a pending payment
// @Tags Billing
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Router /payments/{id}/cancel [post]
func (h *BillingHandler) CancelPayment(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	payment, err := h.billing.CancelPayment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}
