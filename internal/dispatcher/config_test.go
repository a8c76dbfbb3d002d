package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"zero call timeout", func(c *Config) { c.CallTimeout = 0 }, true},
		{"negative deadline", func(c *Config) { c.InvocationDeadline = -time.Second }, true},
		{"no deadline", func(c *Config) { c.InvocationDeadline = 0 }, false},
		{"negative max attempts", func(c *Config) { c.MaxAttempts = -1 }, true},
		{"unlimited attempts", func(c *Config) { c.MaxAttempts = 0 }, false},
		{"negative reconcile limit", func(c *Config) { c.ReconcileLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}
