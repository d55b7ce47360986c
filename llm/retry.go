package llm

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/taskengine/errors"
)

// Retry configuration defaults
const (
	defaultMaxRetries  = 5
	defaultInitBackoff = 1 * time.Second
	defaultMaxBackoff  = 60 * time.Second
	backoffFactor      = 2.0
)

// effective returns retry settings with defaults applied.
func (c RetryConfig) effective() (maxRetries int, initBackoff, maxBackoff time.Duration) {
	maxRetries = c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	initBackoff = c.InitBackoff
	if initBackoff <= 0 {
		initBackoff = defaultInitBackoff
	}
	maxBackoff = c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return
}

// withRetry runs call with exponential backoff on rate-limit and server
// errors. timeout bounds each attempt when positive. Returned errors carry
// a taskengine error code: RATE_LIMITED or UNAVAILABLE once retries are
// exhausted, FORBIDDEN for billing failures, TIMEOUT/CANCELED for context
// errors, INTERNAL otherwise.
func withRetry(ctx context.Context, name string, cfg RetryConfig, timeout time.Duration, call func(ctx context.Context) error) error {
	maxRetries, backoff, maxBackoff := cfg.effective()

	for attempt := 0; ; attempt++ {
		err := attemptOnce(ctx, timeout, call)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), name+" request aborted")
		}

		if isBillingError(err) {
			return errors.WrapWithCode(err, errors.ErrCodeForbidden, name+" billing/payment error (fatal)")
		}

		if !isRetryableError(err) {
			return errors.Wrap(err, name+" request failed")
		}

		if attempt == maxRetries {
			code := errors.ErrCodeUnavailable
			if isRateLimitError(err) {
				code = errors.ErrCodeRateLimit
			}
			return errors.WrapWithCode(err, code, name+" request failed after retries",
				errors.WithMetadata("attempts", strconv.Itoa(attempt+1)))
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), name+" request aborted")
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func attemptOnce(ctx context.Context, timeout time.Duration, call func(ctx context.Context) error) error {
	if timeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(ctx)
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable") ||
		strings.Contains(errStr, "deadline exceeded")
}

// isRetryableError checks if the error is retryable (rate limit or server error).
func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "subscription")
}
