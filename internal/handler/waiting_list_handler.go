package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type waitingListService interface {
	Join(ctx context.Context, actor models.Actor, classID string, req dto.JoinWaitingListRequest) (*models.WaitingListEntry, error)
	Leave(ctx context.Context, actor models.Actor, entryID string) (*models.WaitingListEntry, error)
	List(ctx context.Context, actor models.Actor, classID string, openOnly bool) ([]models.WaitingListEntry, error)
}

// WaitingListHandler exposes class queue endpoints.
type WaitingListHandler struct {
	queue waitingListService
}

// NewWaitingListHandler constructs WaitingListHandler.
func NewWaitingListHandler(queue waitingListService) *WaitingListHandler {
	return &WaitingListHandler{queue: queue}
}

// Join godoc
// @Summary Join a class waiting list
// @Description A free seat is offered immediately; otherwise the entry waits in priority then FIFO order.
// @Tags WaitingList
// @Accept json
// @Produce json
// @Param id path string true "Class ID"
// @Param payload body dto.JoinWaitingListRequest true "Queue request"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /classes/{id}/waiting-list [post]
func (h *WaitingListHandler) Join(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.JoinWaitingListRequest
	if !bindJSON(c, &req) {
		return
	}
	entry, err := h.queue.Join(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

// List godoc
// @Summary List a class waiting list
// @Tags WaitingList
// @Produce json
// @Param id path string true "Class ID"
// @Param all query bool false "Include closed entries"
// @Success 200 {object} response.Envelope
// @Router /classes/{id}/waiting-list [get]
func (h *WaitingListHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	entries, err := h.queue.List(c.Request.Context(), actor, c.Param("id"), c.Query("all") != "true")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Leave godoc
// @Summary Leave a waiting list
// @Description Releasing an outstanding offer passes it to the next student in line.
// @Tags WaitingList
// @Produce json
// @Param id path string true "Entry ID"
// @Success 200 {object} response.Envelope
// @Router /waiting-list/{id} [delete]
func (h *WaitingListHandler) Leave(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	entry, err := h.queue.Leave(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}
