// Package reliability classifies upstream failures and retries them with
// capped exponential backoff.
package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether a request that got code may succeed
// when sent again: 408, 425, 429 and every 5xx except 501 and 505.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented,
		http.StatusHTTPVersionNotSupported:
		return false
	default:
		return code >= 500 && code <= 599
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetryableError marks a failure worth another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so Retry tries again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

var DefaultPolicy = Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done. The last error is returned unwrapped.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(ExponentialBackoff(attempt-1, p.Base, p.Cap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), unwrapRetryable(err))
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return unwrapRetryable(err)
		}
	}
	return unwrapRetryable(err)
}

func unwrapRetryable(err error) error {
	var r *RetryableError
	if errors.As(err, &r) && r == err {
		return r.Err
	}
	return err
}
