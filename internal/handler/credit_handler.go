package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
	"github.com/noah-isme/academy-enrollment-api/pkg/export"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type creditService interface {
	Balance(ctx context.Context, actor models.Actor, studentID string) (*models.CreditNote, error)
	Transactions(ctx context.Context, actor models.Actor, studentID string, page, pageSize int) ([]models.CreditTransaction, *models.Pagination, error)
	AddCredit(ctx context.Context, actor models.Actor, studentID string, req dto.AddCreditRequest) (*models.CreditTransaction, error)
	Statement(ctx context.Context, actor models.Actor, studentID string, format export.Format) ([]byte, error)
}

// CreditHandler exposes student wallet endpoints.
type CreditHandler struct {
	credits creditService
}

// NewCreditHandler constructs CreditHandler.
func NewCreditHandler(credits creditService) *CreditHandler {
	return &CreditHandler{credits: credits}
}

// Balance godoc
// @Summary Get a student's credit balance
// @Tags Credits
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /credits/{studentId} [get]
func (h *CreditHandler) Balance(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	note, err := h.credits.Balance(c.Request.Context(), actor, c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, note, nil)
}

// Transactions godoc
// @Summary List credit movements
// @Tags Credits
// @Produce json
// @Param studentId path string true "Student ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /credits/{studentId}/transactions [get]
func (h *CreditHandler) Transactions(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	page, size := pageParams(c)
	txns, pagination, err := h.credits.Transactions(c.Request.Context(), actor, c.Param("studentId"), page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, txns, pagination)
}

// AddCredit godoc
// @Summary Top up a student's wallet
// @Tags Credits
// @Accept json
// @Produce json
// @Param studentId path string true "Student ID"
// @Param payload body dto.AddCreditRequest true "Credit payload"
// @Success 201 {object} response.Envelope
// @Router /credits/{studentId} [post]
func (h *CreditHandler) AddCredit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.AddCreditRequest
	if !bindJSON(c, &req) {
		return
	}
	txn, err := h.credits.AddCredit(c.Request.Context(), actor, c.Param("studentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, txn)
}

// Statement godoc
// @Summary Download a credit statement
// @Tags Credits
// @Produce text/csv
// @Produce application/pdf
// @Param studentId path string true "Student ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Router /credits/{studentId}/statement [get]
func (h *CreditHandler) Statement(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	format := export.Format(strings.ToLower(c.DefaultQuery("format", string(export.FormatCSV))))
	if format != export.FormatCSV && format != export.FormatPDF {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
		return
	}
	studentID := c.Param("studentId")
	out, err := h.credits.Statement(c.Request.Context(), actor, studentID, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, "credit-statement-"+studentID+"."+string(format), format.ContentType(), out)
}
