package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type classService interface {
	Availability(ctx context.Context, classID string) (*models.ClassAvailability, error)
}

// ClassHandler exposes class seat endpoints.
type ClassHandler struct {
	classes classService
}

// NewClassHandler constructs a class handler.
func NewClassHandler(classes classService) *ClassHandler {
	return &ClassHandler{classes: classes}
}

// Availability godoc
// @Summary Get seat availability for a class
// @Description Free seats exclude active enrollments, live pending holds and outstanding waiting list offers.
// @Tags Classes
// @Produce json
// @Param id path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /classes/{id}/availability [get]
func (h *ClassHandler) Availability(c *gin.Context) {
	availability, err := h.classes.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, availability, nil)
}
