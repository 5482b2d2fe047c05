package provider

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// StatusError reports a non-success provider response.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s: status %d: %s", e.Endpoint, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s: status %d", e.Endpoint, e.Code)
}

// Temporary reports whether retrying may succeed. Codes above 10000 are the
// provider's own five digit task codes, where 5xxxx means a server fault.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 10000:
		return e.Code >= 50000 && e.Code < 60000
	default:
		return e.Code >= http.StatusInternalServerError
	}
}

// RetryPolicy implements jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy allowing maxRetries retries after the first attempt.
func NewRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: max(maxRetries, 0) + 1,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// ShouldRetry decides whether the error is retryable after `attempt` tries.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Backoff returns the wait duration before the next attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
