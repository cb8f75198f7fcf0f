package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Enrollment.HoldTTL)
	assert.Equal(t, 24*time.Hour, cfg.WaitingList.NotifyTTL)
	assert.True(t, cfg.Certificates.MinAttendance.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, "sandbox", cfg.Gateway.Driver)
	assert.False(t, cfg.Sweeps.Enabled)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ENROLLMENT_HOLD_TTL", "45m")
	t.Setenv("BILLING_TAX_RATE", "0.11")
	t.Setenv("PAYMENT_GATEWAY_DRIVER", "HTTP")
	t.Setenv("JWT_AUDIENCE", "academy-web, academy-mobile ,")
	t.Setenv("ENABLE_SWEEPS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Enrollment.HoldTTL)
	assert.True(t, cfg.Billing.TaxRate.Equal(decimal.RequireFromString("0.11")))
	assert.Equal(t, "http", cfg.Gateway.Driver)
	assert.Equal(t, []string{"academy-web", "academy-mobile"}, cfg.JWT.Audience)
	assert.True(t, cfg.Sweeps.Enabled)
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("ANNUAL_REGISTRATION_FEE", "lots")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Sweeps.Interval)
	assert.True(t, cfg.Registration.Fee.Equal(decimal.NewFromInt(500000)))
}
