package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type fakeEnrollmentSrv struct {
	requestResult *dto.EnrollmentRequestResult
	err           error
	lastActor     models.Actor
	lastID        string
	lastReason    string
	lastFilter    models.EnrollmentFilter
	certPath      string
}

func (f *fakeEnrollmentSrv) RequestEnrollment(_ context.Context, actor models.Actor, _ dto.RequestEnrollmentRequest) (*dto.EnrollmentRequestResult, error) {
	f.lastActor = actor
	return f.requestResult, f.err
}

func (f *fakeEnrollmentSrv) transition(actor models.Actor, id string) (*models.Enrollment, error) {
	f.lastActor = actor
	f.lastID = id
	if f.err != nil {
		return nil, f.err
	}
	return &models.Enrollment{ID: id}, nil
}

func (f *fakeEnrollmentSrv) Approve(_ context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) Reject(_ context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error) {
	f.lastReason = req.Reason
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) Cancel(_ context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error) {
	f.lastReason = req.Reason
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) Withdraw(_ context.Context, actor models.Actor, id string, req dto.ReasonRequest) (*models.Enrollment, error) {
	f.lastReason = req.Reason
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) Suspend(_ context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) Resume(_ context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) Complete(_ context.Context, actor models.Actor, id string, _ dto.AttendanceRequest) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) UpdateAttendanceRate(_ context.Context, actor models.Actor, id string, _ dto.AttendanceRequest) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) IssueCertificate(_ context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) CertificateDownloadURL(_ context.Context, _ models.Actor, _ string) (*dto.CertificateURLResponse, error) {
	return &dto.CertificateURLResponse{Token: "tok"}, f.err
}

func (f *fakeEnrollmentSrv) OpenCertificate(_ context.Context, token string) (*os.File, error) {
	if f.err != nil {
		return nil, f.err
	}
	return os.Open(f.certPath)
}

func (f *fakeEnrollmentSrv) Get(_ context.Context, actor models.Actor, id string) (*models.Enrollment, error) {
	return f.transition(actor, id)
}

func (f *fakeEnrollmentSrv) List(_ context.Context, actor models.Actor, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	f.lastActor = actor
	f.lastFilter = filter
	return []models.Enrollment{}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize}, f.err
}

func (f *fakeEnrollmentSrv) SoftDelete(_ context.Context, actor models.Actor, id string) error {
	f.lastActor = actor
	f.lastID = id
	return f.err
}

func TestEnrollmentHandlerRequestCreated(t *testing.T) {
	srv := &fakeEnrollmentSrv{requestResult: &dto.EnrollmentRequestResult{Enrollment: &models.Enrollment{ID: "enr-1"}}}
	handler := NewEnrollmentHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/enrollments", dto.RequestEnrollmentRequest{StudentID: "stu-1", ClassID: "class-1"}, studentClaims)
	handler.Request(c)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "stu-1", srv.lastActor.StudentID)
	envelope := decodeEnvelope(t, rec)
	assert.NotNil(t, envelope.Data["enrollment"])
	assert.Nil(t, envelope.Meta)
}

func TestEnrollmentHandlerRequestQueued(t *testing.T) {
	srv := &fakeEnrollmentSrv{requestResult: &dto.EnrollmentRequestResult{WaitingListEntry: &models.WaitingListEntry{ID: "wl-1"}}}
	handler := NewEnrollmentHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/enrollments", dto.RequestEnrollmentRequest{StudentID: "stu-1", ClassID: "class-1", JoinWaitingListIfFull: true}, studentClaims)
	handler.Request(c)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, true, envelope.Meta["queued"])
	assert.NotNil(t, envelope.Data["waiting_list_entry"])
}

func TestEnrollmentHandlerRequestValidation(t *testing.T) {
	handler := NewEnrollmentHandler(&fakeEnrollmentSrv{})

	c, rec := newTestContext(http.MethodPost, "/enrollments", "{not json", studentClaims)
	handler.Request(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newTestContext(http.MethodPost, "/enrollments", dto.RequestEnrollmentRequest{}, nil)
	handler.Request(c)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollmentHandlerMapsDomainErrors(t *testing.T) {
	handler := NewEnrollmentHandler(&fakeEnrollmentSrv{err: appErrors.ErrClassFull})

	c, rec := newTestContext(http.MethodPost, "/enrollments", dto.RequestEnrollmentRequest{StudentID: "stu-1", ClassID: "class-1"}, studentClaims)
	handler.Request(c)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CLASS_FULL", decodeEnvelope(t, rec).Error["code"])
}

func TestEnrollmentHandlerCancelAcceptsEmptyBody(t *testing.T) {
	srv := &fakeEnrollmentSrv{}
	handler := NewEnrollmentHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/enrollments/enr-1/cancel", nil, studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "enr-1"}}
	handler.Cancel(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "enr-1", srv.lastID)
	assert.Empty(t, srv.lastReason)

	c, rec = newTestContext(http.MethodPost, "/enrollments/enr-1/reject", dto.ReasonRequest{Reason: "incomplete"}, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "enr-1"}}
	handler.Reject(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "incomplete", srv.lastReason)
}

func TestEnrollmentHandlerListParsesFilter(t *testing.T) {
	srv := &fakeEnrollmentSrv{}
	handler := NewEnrollmentHandler(srv)

	c, rec := newTestContext(http.MethodGet, "/enrollments?status=active&classId=class-1&page=2&limit=5", nil, adminClaims)
	handler.List(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "class-1", srv.lastFilter.ClassID)
	if assert.NotNil(t, srv.lastFilter.Status) {
		assert.Equal(t, models.EnrollmentStatusActive, *srv.lastFilter.Status)
	}
	assert.Equal(t, 2, srv.lastFilter.Page)
	assert.Equal(t, 5, srv.lastFilter.PageSize)
}

func TestEnrollmentHandlerDownloadCertificate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CERT-1.pdf")
	assert.NoError(t, os.WriteFile(path, []byte("%PDF-1.3 test"), 0o600))
	handler := NewEnrollmentHandler(&fakeEnrollmentSrv{certPath: path})

	c, rec := newTestContext(http.MethodGet, "/certificates/download?token=abc", nil, nil)
	handler.DownloadCertificate(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "CERT-1.pdf")
	assert.Equal(t, "%PDF-1.3 test", rec.Body.String())

	c, rec = newTestContext(http.MethodGet, "/certificates/download", nil, nil)
	handler.DownloadCertificate(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollmentHandlerDelete(t *testing.T) {
	srv := &fakeEnrollmentSrv{}
	handler := NewEnrollmentHandler(srv)

	c, rec := newTestContext(http.MethodDelete, "/enrollments/enr-9", nil, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "enr-9"}}
	handler.Delete(c)
	c.Writer.WriteHeaderNow()

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "enr-9", srv.lastID)
}
