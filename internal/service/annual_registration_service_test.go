package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

func submittedRegistration(t *testing.T, env *testEnv, studentID string, start, end time.Time) *models.AnnualRegistration {
	t.Helper()
	ctx := context.Background()
	reg, err := env.registrations.Create(ctx, studentActor(studentID), dto.CreateAnnualRegistrationRequest{
		StudentID:    studentID,
		AcademicYear: "2026/2027",
		StartDate:    start,
		EndDate:      end,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusDraft, reg.Status)

	reg, err = env.registrations.Submit(ctx, studentActor(studentID), reg.ID)
	require.NoError(t, err)
	require.NotNil(t, reg.InvoiceID)
	return reg
}

func TestAnnualRegistrationServicePaidThenVerifiedActivates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	reg := submittedRegistration(t, env, "stu-1", now, now.AddDate(1, 0, 0))
	assert.Equal(t, models.AnnualRegistrationStatusPendingPayment, reg.Status)
	assert.True(t, env.store.invoice(t, *reg.InvoiceID).TotalAmount.Equal(decimal.NewFromInt(250000)))

	env.pay(t, *reg.InvoiceID, decimal.NewFromInt(250000))

	paid, err := env.registrations.Get(ctx, studentActor("stu-1"), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusPendingVerification, paid.Status)
	assert.True(t, paid.IsPaidCached)

	_, err = env.registrations.VerifyDocuments(ctx, studentActor("stu-1"), reg.ID)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	active, err := env.registrations.VerifyDocuments(ctx, staffActor, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusActive, active.Status)
	assert.NotNil(t, active.ActivatedAt)
	assert.Equal(t, 1, env.notifier.count("stu-1", models.TemplateRegistrationActive))
}

func TestAnnualRegistrationServiceVerifiedThenPaidActivates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	reg := submittedRegistration(t, env, "stu-1", now, now.AddDate(1, 0, 0))

	verified, err := env.registrations.VerifyDocuments(ctx, staffActor, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusPendingPayment, verified.Status)

	env.pay(t, *reg.InvoiceID, decimal.NewFromInt(250000))

	active, err := env.registrations.CheckAndActivate(ctx, studentActor("stu-1"), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusActive, active.Status)
}

func TestAnnualRegistrationServiceDuplicateYear(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	submittedRegistration(t, env, "stu-1", now, now.AddDate(1, 0, 0))

	_, err := env.registrations.Create(context.Background(), staffActor, dto.CreateAnnualRegistrationRequest{
		StudentID:    "stu-1",
		AcademicYear: "2026/2027",
		StartDate:    now,
		EndDate:      now.AddDate(1, 0, 0),
	})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateRegistration)
	assert.False(t, errors.Is(err, appErrors.ErrDuplicateEnrollment))
	assert.Equal(t, http.StatusConflict, appErrors.FromError(err).Status)
}

func TestAnnualRegistrationServiceRejectsInvertedDates(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	_, err := env.registrations.Create(context.Background(), staffActor, dto.CreateAnnualRegistrationRequest{
		StudentID:    "stu-1",
		AcademicYear: "2026/2027",
		StartDate:    now,
		EndDate:      now.AddDate(0, -1, 0),
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestAnnualRegistrationServiceCancelPaidCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	reg := submittedRegistration(t, env, "stu-1", now, now.AddDate(1, 0, 0))
	env.pay(t, *reg.InvoiceID, decimal.NewFromInt(250000))

	cancelled, err := env.registrations.Cancel(ctx, studentActor("stu-1"), reg.ID, dto.ReasonRequest{Reason: "moving abroad"})
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusCancelled, cancelled.Status)
	assert.Equal(t, models.InvoiceStatusCancelled, env.store.invoice(t, *reg.InvoiceID).Status)
	assert.True(t, env.store.balance("stu-1").Equal(decimal.NewFromInt(250000)))

	_, err = env.registrations.VerifyDocuments(ctx, staffActor, reg.ID)
	assert.ErrorIs(t, err, appErrors.ErrPreconditionFailed)
}

func TestAnnualRegistrationServiceExpirePastEndDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	lapsed := submittedRegistration(t, env, "stu-1", now.AddDate(-1, 0, 0), now.AddDate(0, 0, -2))
	current := submittedRegistration(t, env, "stu-2", now, now.AddDate(1, 0, 0))
	for _, reg := range []*models.AnnualRegistration{lapsed, current} {
		_, err := env.registrations.VerifyDocuments(ctx, staffActor, reg.ID)
		require.NoError(t, err)
		env.pay(t, *reg.InvoiceID, decimal.NewFromInt(250000))
	}

	expired, err := env.registrations.ExpirePastEndDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	got, err := env.registrations.Get(ctx, staffActor, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusExpired, got.Status)
	got, err = env.registrations.Get(ctx, staffActor, current.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnnualRegistrationStatusActive, got.Status)
}
