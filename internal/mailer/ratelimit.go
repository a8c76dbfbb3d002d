package mailer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxBackoff caps a provider-requested pause.
const MaxBackoff = 5 * time.Minute

// RateLimiter controls the frequency of provider calls.
type RateLimiter struct {
	limiter *rate.Limiter

	// additional pause requested by the provider (Retry-After)
	backoffUntil time.Time
	mu           sync.Mutex
}

// NewRateLimiter creates a rate limiter.
// rps - calls per second, burst - allowed burst
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// DefaultRateLimiter matches the default Resend team limit.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(2.0, 1)
}

// Wait blocks until the next call is allowed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	waitUntil := r.backoffUntil
	r.mu.Unlock()

	if d := time.Until(waitUntil); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return r.limiter.Wait(ctx)
}

// SetBackoff pauses all callers for d, capped at MaxBackoff. A shorter
// backoff never shortens one already in effect.
func (r *RateLimiter) SetBackoff(d time.Duration) {
	if d <= 0 {
		return
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(r.backoffUntil) {
		r.backoffUntil = until
	}
}

// BackoffUntil returns the end of the current provider pause.
func (r *RateLimiter) BackoffUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoffUntil
}

// RateLimitedSender applies a RateLimiter in front of another Sender.
type RateLimitedSender struct {
	next    Sender
	limiter *RateLimiter
}

// NewRateLimitedSender wraps next with limiter.
func NewRateLimitedSender(next Sender, limiter *RateLimiter) *RateLimitedSender {
	return &RateLimitedSender{next: next, limiter: limiter}
}

// Send implements Sender.
func (s *RateLimitedSender) Send(ctx context.Context, msg *Message) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		// nothing was sent
		return "", WrapTransient(err)
	}

	id, err := s.next.Send(ctx, msg)
	if err != nil {
		if d := RetryAfter(err); d > 0 {
			s.limiter.SetBackoff(d)
		}
		return "", err
	}
	return id, nil
}
