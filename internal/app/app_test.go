package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/scheduled-mailer/internal/config"
	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/mailer"
)

func TestNewSender(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DeliveryConfig
		wantErr string
	}{
		{"log provider", config.DeliveryConfig{Provider: "log", RatePerSecond: 2, Burst: 1}, ""},
		{"resend provider", config.DeliveryConfig{Provider: "resend", ResendAPIKey: "re_test", FromEmail: "noreply@example.com", RatePerSecond: 2}, ""},
		{"resend without key", config.DeliveryConfig{Provider: "resend", RatePerSecond: 2}, "API key"},
		{"unknown provider", config.DeliveryConfig{Provider: "carrier-pigeon", RatePerSecond: 2}, "unknown delivery provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.cfg, logger.Nop())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &mailer.RateLimitedSender{}, sender)
		})
	}
}

func TestDispatchConfig(t *testing.T) {
	got := DispatchConfig(config.DispatchConfig{
		BatchSize:          25,
		Workers:            3,
		CallTimeout:        5 * time.Second,
		InvocationDeadline: 40 * time.Second,
		MaxAttempts:        6,
		Schedule:           "@every 1m",
		ReconcileLimit:     10,
	})

	assert.Equal(t, 25, got.BatchSize)
	assert.Equal(t, 3, got.Workers)
	assert.Equal(t, 5*time.Second, got.CallTimeout)
	assert.Equal(t, 40*time.Second, got.InvocationDeadline)
	assert.Equal(t, 6, got.MaxAttempts)
	assert.Equal(t, 10, got.ReconcileLimit)
	assert.NoError(t, got.Validate())
}

func TestNewRegistry(t *testing.T) {
	families, err := NewRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
