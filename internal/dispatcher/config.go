package dispatcher

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the dispatcher's named options.
type Config struct {
	// BatchSize caps how many due items one invocation selects.
	BatchSize int
	// Workers bounds how many items are processed concurrently.
	Workers int
	// CallTimeout bounds every store and provider call.
	CallTimeout time.Duration
	// InvocationDeadline stops new items from starting. Zero disables it.
	InvocationDeadline time.Duration
	// MaxAttempts gives up on an item after that many transient failures.
	// Zero retries forever.
	MaxAttempts int
	// ReconcileLimit caps the reconcile pass run before each batch. Zero skips it.
	ReconcileLimit int
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:          50,
		Workers:            4,
		CallTimeout:        15 * time.Second,
		InvocationDeadline: 50 * time.Second,
		MaxAttempts:        10,
		ReconcileLimit:     100,
	}
}

// Validate checks the options.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call timeout must be > 0, got %s", c.CallTimeout))
	}
	if c.InvocationDeadline < 0 {
		errs = append(errs, fmt.Errorf("invocation deadline must be >= 0, got %s", c.InvocationDeadline))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 0, got %d", c.MaxAttempts))
	}
	if c.ReconcileLimit < 0 {
		errs = append(errs, fmt.Errorf("reconcile limit must be >= 0, got %d", c.ReconcileLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
