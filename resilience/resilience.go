// Package resilience gives source and destination adapters a shared retry
// and rate-limiting primitive for transient-transport failures (§7: a
// single entity's transport error must not fail the run, and upstream
// APIs that throttle need a local limiter ahead of their own 429s).
//
// Grounded on the pack's own cenkalti/backoff wrapper pattern (exponential
// backoff with jitter, context-bound retry count) and golang.org/x/time/rate
// for the limiter.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryConfig configures Retry's exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig is the adapter-local default: three attempts, starting
// at 100ms, doubling up to 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry runs fn with exponential backoff, giving up after cfg.MaxAttempts or
// when ctx is cancelled. The caller is responsible for deciding whether fn's
// error is itself retryable; Retry always retries whatever fn returns.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxRetries instead of wall-clock

	withMax := backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(fn, withCtx)
}

// Limiter wraps golang.org/x/time/rate.Limiter with the single method
// adapters need: block until the next call is allowed or ctx ends.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a Limiter allowing ratePerSecond steady-state requests
// with a burst of burst.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until the limiter admits one request or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.rl == nil {
		return nil
	}
	return l.rl.Wait(ctx)
}
