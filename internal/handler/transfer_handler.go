package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type transferService interface {
	RequestTransfer(ctx context.Context, actor models.Actor, req dto.RequestTransferRequest) (*models.EnrollmentTransfer, error)
	Approve(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentTransfer, error)
	Complete(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentTransfer, error)
	Reject(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.EnrollmentTransfer, error)
	Get(ctx context.Context, actor models.Actor, id string) (*models.EnrollmentTransfer, error)
	List(ctx context.Context, actor models.Actor, filter models.TransferFilter) ([]models.EnrollmentTransfer, *models.Pagination, error)
}

// TransferHandler exposes class transfer endpoints.
type TransferHandler struct {
	transfers transferService
}

// NewTransferHandler constructs TransferHandler.
func NewTransferHandler(transfers transferService) *TransferHandler {
	return &TransferHandler{transfers: transfers}
}

// List godoc
// @Summary List transfers
// @Tags Transfers
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param enrollmentId query string false "Filter by enrollment"
// @Param status query string false "Filter by status"
// @Success 200 {object} response.Envelope
// @Router /transfers [get]
func (h *TransferHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	filter := models.TransferFilter{
		StudentID:    c.Query("studentId"),
		EnrollmentID: c.Query("enrollmentId"),
	}
	if status := strings.ToUpper(c.Query("status")); status != "" {
		s := models.TransferStatus(status)
		filter.Status = &s
	}
	filter.Page, filter.PageSize = pageParams(c)
	transfers, pagination, err := h.transfers.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfers, pagination)
}

// Request godoc
// @Summary Request a transfer to another class
// @Tags Transfers
// @Accept json
// @Produce json
// @Param payload body dto.RequestTransferRequest true "Transfer request"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /transfers [post]
func (h *TransferHandler) Request(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.RequestTransferRequest
	if !bindJSON(c, &req) {
		return
	}
	transfer, err := h.transfers.RequestTransfer(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, transfer)
}

// Get godoc
// @Summary Get transfer
// @Tags Transfers
// @Produce json
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id} [get]
func (h *TransferHandler) Get(c *gin.Context) {
	h.transition(c, h.transfers.Get)
}

// Approve godoc
// @Summary Approve a transfer
// @Description A positive price difference moves the transfer to PENDING_PAYMENT with its own invoice.
// @Tags Transfers
// @Produce json
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id}/approve [post]
func (h *TransferHandler) Approve(c *gin.Context) {
	h.transition(c, h.transfers.Approve)
}

// Complete godoc
// @Summary Complete an approved transfer
// @Tags Transfers
// @Produce json
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id}/complete [post]
func (h *TransferHandler) Complete(c *gin.Context) {
	h.transition(c, h.transfers.Complete)
}

// Reject godoc
// @Summary Reject a transfer
// @Tags Transfers
// @Accept json
// @Produce json
// @Param id path string true "Transfer ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id}/reject [post]
func (h *TransferHandler) Reject(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.ReasonRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	transfer, err := h.transfers.Reject(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfer, nil)
}

func (h *TransferHandler) transition(c *gin.Context, fn func(context.Context, models.Actor, string) (*models.EnrollmentTransfer, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	transfer, err := fn(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfer, nil)
}
