package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type annualRegistrationService interface {
	Create(ctx context.Context, actor models.Actor, req dto.CreateAnnualRegistrationRequest) (*models.AnnualRegistration, error)
	Submit(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error)
	VerifyDocuments(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error)
	CheckAndActivate(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error)
	Cancel(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.AnnualRegistration, error)
	Get(ctx context.Context, actor models.Actor, id string) (*models.AnnualRegistration, error)
}

// AnnualRegistrationHandler exposes yearly registration endpoints.
type AnnualRegistrationHandler struct {
	registrations annualRegistrationService
}

// NewAnnualRegistrationHandler constructs AnnualRegistrationHandler.
func NewAnnualRegistrationHandler(registrations annualRegistrationService) *AnnualRegistrationHandler {
	return &AnnualRegistrationHandler{registrations: registrations}
}

// Create godoc
// @Summary Open an annual registration draft
// @Tags AnnualRegistrations
// @Accept json
// @Produce json
// @Param payload body dto.CreateAnnualRegistrationRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Router /annual-registrations [post]
func (h *AnnualRegistrationHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateAnnualRegistrationRequest
	if !bindJSON(c, &req) {
		return
	}
	reg, err := h.registrations.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, reg)
}

// Get godoc
// @Summary Get annual registration
// @Tags AnnualRegistrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /annual-registrations/{id} [get]
func (h *AnnualRegistrationHandler) Get(c *gin.Context) {
	h.transition(c, h.registrations.Get)
}

// Submit godoc
// @Summary Submit a draft and issue the registration fee invoice
// @Tags AnnualRegistrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /annual-registrations/{id}/submit [post]
func (h *AnnualRegistrationHandler) Submit(c *gin.Context) {
	h.transition(c, h.registrations.Submit)
}

// VerifyDocuments godoc
// @Summary Mark supporting documents verified
// @Tags AnnualRegistrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /annual-registrations/{id}/verify-documents [post]
func (h *AnnualRegistrationHandler) VerifyDocuments(c *gin.Context) {
	h.transition(c, h.registrations.VerifyDocuments)
}

// Activate godoc
// @Summary Activate once documents are verified and the fee is paid
// @Tags AnnualRegistrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /annual-registrations/{id}/activate [post]
func (h *AnnualRegistrationHandler) Activate(c *gin.Context) {
	h.transition(c, h.registrations.CheckAndActivate)
}

// Cancel godoc
// @Summary Cancel an annual registration
// @Tags AnnualRegistrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /annual-registrations/{id}/cancel [post]
func (h *AnnualRegistrationHandler) Cancel(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.ReasonRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	reg, err := h.registrations.Cancel(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

func (h *AnnualRegistrationHandler) transition(c *gin.Context, fn func(context.Context, models.Actor, string) (*models.AnnualRegistration, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	reg, err := fn(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}
