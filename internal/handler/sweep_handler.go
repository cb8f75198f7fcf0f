package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/service"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type sweepRunner interface {
	Names() []string
	Run(ctx context.Context, name string) (*service.SweepResult, error)
}

// SweepHandler lets administrators trigger maintenance sweeps on demand.
type SweepHandler struct {
	sweeps sweepRunner
}

// NewSweepHandler constructs SweepHandler.
func NewSweepHandler(sweeps sweepRunner) *SweepHandler {
	return &SweepHandler{sweeps: sweeps}
}

// List godoc
// @Summary List maintenance sweeps
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/sweeps [get]
func (h *SweepHandler) List(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.sweeps.Names(), nil)
}

// Run godoc
// @Summary Run a maintenance sweep now
// @Description Returns skipped=true when another instance holds the sweep lease.
// @Tags Admin
// @Produce json
// @Param name path string true "Sweep name"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/sweeps/{name} [post]
func (h *SweepHandler) Run(c *gin.Context) {
	result, err := h.sweeps.Run(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
