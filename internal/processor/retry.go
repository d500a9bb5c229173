package processor

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// RetryPolicy is a small bounded-backoff policy for processor calls. Only
// transient failures are retried; client errors and missing references stop
// immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// Do runs fn until it succeeds, fails permanently, or attempts are exhausted.
// Backoff doubles per attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// IsRetryable classifies an error as transient. Provider outages, timeouts
// and connection resets retry; everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReferenceNotFound) {
		return false
	}
	if errors.Is(err, ErrProviderDown) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}
