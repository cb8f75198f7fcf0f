package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/internal/service"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

type fakeSweeps struct{ ran []string }

func (f *fakeSweeps) Names() []string { return []string{service.SweepReconcileSeatCounters} }

func (f *fakeSweeps) Run(_ context.Context, name string) (*service.SweepResult, error) {
	if name != service.SweepReconcileSeatCounters {
		return nil, appErrors.ErrNotFound
	}
	f.ran = append(f.ran, name)
	return &service.SweepResult{Name: name, Summary: map[string]interface{}{"corrected": 2}}, nil
}

func TestSweepHandlerRun(t *testing.T) {
	sweeps := &fakeSweeps{}
	handler := NewSweepHandler(sweeps)

	c, rec := newTestContext(http.MethodPost, "/admin/sweeps/reconcile_seat_counters", nil, adminClaims)
	c.Params = gin.Params{{Key: "name", Value: service.SweepReconcileSeatCounters}}
	handler.Run(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{service.SweepReconcileSeatCounters}, sweeps.ran)

	c, rec = newTestContext(http.MethodPost, "/admin/sweeps/nope", nil, adminClaims)
	c.Params = gin.Params{{Key: "name", Value: "nope"}}
	handler.Run(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeClasses struct{}

func (fakeClasses) Availability(_ context.Context, classID string) (*models.ClassAvailability, error) {
	if classID == "missing" {
		return nil, appErrors.ErrNotFound
	}
	return &models.ClassAvailability{ClassID: classID, Capacity: 10, Taken: 4, Free: 6}, nil
}

func TestClassHandlerAvailability(t *testing.T) {
	handler := NewClassHandler(fakeClasses{})

	c, rec := newTestContext(http.MethodGet, "/classes/class-1/availability", nil, nil)
	c.Params = gin.Params{{Key: "id", Value: "class-1"}}
	handler.Availability(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(6), decodeEnvelope(t, rec).Data["free"])

	c, rec = newTestContext(http.MethodGet, "/classes/missing/availability", nil, nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	handler.Availability(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeQueue struct {
	lastClass string
	openOnly  bool
}

func (f *fakeQueue) Join(_ context.Context, _ models.Actor, classID string, req dto.JoinWaitingListRequest) (*models.WaitingListEntry, error) {
	f.lastClass = classID
	return &models.WaitingListEntry{ID: "wl-1", ClassID: classID, StudentID: req.StudentID, Status: models.WaitingListStatusWaiting}, nil
}

func (f *fakeQueue) Leave(_ context.Context, _ models.Actor, entryID string) (*models.WaitingListEntry, error) {
	return &models.WaitingListEntry{ID: entryID, Status: models.WaitingListStatusCancelled}, nil
}

func (f *fakeQueue) List(_ context.Context, _ models.Actor, classID string, openOnly bool) ([]models.WaitingListEntry, error) {
	f.lastClass = classID
	f.openOnly = openOnly
	return nil, nil
}

func TestWaitingListHandler(t *testing.T) {
	queue := &fakeQueue{}
	handler := NewWaitingListHandler(queue)

	c, rec := newTestContext(http.MethodPost, "/classes/class-1/waiting-list", dto.JoinWaitingListRequest{StudentID: "stu-1"}, studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "class-1"}}
	handler.Join(c)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "class-1", queue.lastClass)

	c, rec = newTestContext(http.MethodGet, "/classes/class-2/waiting-list?all=true", nil, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "class-2"}}
	handler.List(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, queue.openOnly)

	c, rec = newTestContext(http.MethodDelete, "/waiting-list/wl-1", nil, studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "wl-1"}}
	handler.Leave(c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decodeEnvelope(t, rec).Data["status"])
}
