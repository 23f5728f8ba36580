// retry.go implements the bounded-backoff retry policy for backend calls.
// Transient failures (timeouts, 5xx-class conditions, quota) are retried
// with exponential backoff up to a bounded budget, then surfaced as fatal
// for the tick.
package backend

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Default retry policy.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultCallTimeout = 120 * time.Second
)

// Transient marks an error as retryable. Backend implementations wrap
// timeouts, 5xx responses, and quota errors in a type implementing it.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err should be retried. Context deadline
// expiry counts as transient for the caller's bookkeeping but is not
// retried once the parent context is done.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// TransientError wraps an error to mark it retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// RetryConfig tunes WithRetries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CallTimeout time.Duration
}

// DefaultRetryConfig returns the engine-wide default policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		CallTimeout: DefaultCallTimeout,
	}
}

// WithRetries runs op under the per-call timeout, retrying transient
// failures with exponential backoff. The final error is returned once the
// attempt budget is exhausted or a non-transient error occurs.
func WithRetries(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	var err error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		err = op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return errors.Wrapf(err, "giving up after %d attempts", cfg.MaxAttempts)
}
