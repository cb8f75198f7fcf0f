package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
	"github.com/noah-isme/academy-enrollment-api/pkg/response"
)

type enrollmentService interface {
	RequestEnrollment(ctx context.Context, actor models.Actor, req dto.RequestEnrollmentRequest) (*dto.EnrollmentRequestResult, error)
	Approve(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	Reject(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error)
	Cancel(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error)
	Withdraw(ctx context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error)
	Suspend(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	Resume(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	Complete(ctx context.Context, actor models.Actor, id string, req dto.AttendanceRequest) (*models.Enrollment, error)
	UpdateAttendanceRate(ctx context.Context, actor models.Actor, id string, req dto.AttendanceRequest) (*models.Enrollment, error)
	IssueCertificate(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	CertificateDownloadURL(ctx context.Context, actor models.Actor, id string) (*dto.CertificateURLResponse, error)
	OpenCertificate(ctx context.Context, token string) (*os.File, error)
	Get(ctx context.Context, actor models.Actor, id string) (*models.Enrollment, error)
	List(ctx context.Context, actor models.Actor, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error)
	SoftDelete(ctx context.Context, actor models.Actor, id string) error
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// List godoc
// @Summary List enrollments
// @Description Students only see their own enrollments.
// @Tags Enrollments
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param classId query string false "Filter by class"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	filter := models.EnrollmentFilter{
		StudentID: c.Query("studentId"),
		ClassID:   c.Query("classId"),
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}
	if status := strings.ToUpper(c.Query("status")); status != "" {
		s := models.EnrollmentStatus(status)
		filter.Status = &s
	}
	filter.Page, filter.PageSize = pageParams(c)

	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Request godoc
// @Summary Request a seat in a class
// @Description Creates a PENDING enrollment with its invoice, or queues the student when the class is full and join_waiting_list_if_full is set.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body dto.RequestEnrollmentRequest true "Enrollment request"
// @Success 201 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Request(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.RequestEnrollmentRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.enrollments.RequestEnrollment(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.WaitingListEntry != nil {
		response.Accepted(c, result, map[string]interface{}{"queued": true})
		return
	}
	response.Created(c, result)
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Approve godoc
// @Summary Approve a pending enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/approve [post]
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	h.transition(c, h.enrollments.Approve)
}

// Reject godoc
// @Summary Reject an enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/reject [post]
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	h.reasoned(c, h.enrollments.Reject)
}

// Cancel godoc
// @Summary Cancel an enrollment
// @Description Releases the seat, voids the invoice and credits any paid amount.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/cancel [post]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	h.reasoned(c, h.enrollments.Cancel)
}

// Withdraw godoc
// @Summary Withdraw from an active enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/withdraw [post]
func (h *EnrollmentHandler) Withdraw(c *gin.Context) {
	h.reasoned(c, h.enrollments.Withdraw)
}

// Suspend godoc
// @Summary Suspend an active enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/suspend [post]
func (h *EnrollmentHandler) Suspend(c *gin.Context) {
	h.transition(c, h.enrollments.Suspend)
}

// Resume godoc
// @Summary Resume a suspended enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/resume [post]
func (h *EnrollmentHandler) Resume(c *gin.Context) {
	h.transition(c, h.enrollments.Resume)
}

// Complete godoc
// @Summary Complete an enrollment with its final attendance rate
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.AttendanceRequest true "Attendance"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/complete [post]
func (h *EnrollmentHandler) Complete(c *gin.Context) {
	h.attendance(c, h.enrollments.Complete)
}

// UpdateAttendance godoc
// @Summary Update the attendance rate
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.AttendanceRequest true "Attendance"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/attendance [put]
func (h *EnrollmentHandler) UpdateAttendance(c *gin.Context) {
	h.attendance(c, h.enrollments.UpdateAttendanceRate)
}

// IssueCertificate godoc
// @Summary Issue the completion certificate
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /enrollments/{id}/certificate [post]
func (h *EnrollmentHandler) IssueCertificate(c *gin.Context) {
	h.transition(c, h.enrollments.IssueCertificate)
}

// CertificateURL godoc
// @Summary Get a signed certificate download link
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/certificate/url [get]
func (h *EnrollmentHandler) CertificateURL(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	link, err := h.enrollments.CertificateDownloadURL(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}

// DownloadCertificate godoc
// @Summary Download a certificate PDF using a signed token
// @Tags Enrollments
// @Produce application/pdf
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Failure 401 {object} response.Envelope
// @Router /certificates/download [get]
func (h *EnrollmentHandler) DownloadCertificate(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	file, err := h.enrollments.OpenCertificate(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read certificate"))
		return
	}
	response.AttachmentFromReader(c, filepath.Base(file.Name()), "application/pdf", info.Size(), file)
}

// Delete godoc
// @Summary Soft delete a closed enrollment
// @Tags Enrollments
// @Param id path string true "Enrollment ID"
// @Success 204
// @Router /enrollments/{id} [delete]
func (h *EnrollmentHandler) Delete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	if err := h.enrollments.SoftDelete(c.Request.Context(), actor, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *EnrollmentHandler) transition(c *gin.Context, fn func(context.Context, models.Actor, string) (*models.Enrollment, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	enrollment, err := fn(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

func (h *EnrollmentHandler) reasoned(c *gin.Context, fn func(context.Context, models.Actor, string, dto.ReasonRequest) (*models.Enrollment, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.ReasonRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	enrollment, err := fn(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

func (h *EnrollmentHandler) attendance(c *gin.Context, fn func(context.Context, models.Actor, string, dto.AttendanceRequest) (*models.Enrollment, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.AttendanceRequest
	if !bindJSON(c, &req) {
		return
	}
	enrollment, err := fn(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}
