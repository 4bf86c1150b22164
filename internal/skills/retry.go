package skills

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// RetryPolicy bounds the retry loop of a RetryInvoker.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, minimum 1
	Delay       time.Duration // base delay between attempts
	Backoff     string        // "constant", "linear" or "exponential"
	MaxDelay    time.Duration // cap on the computed delay, 0 = uncapped
}

// RetryInvoker wraps an Invoker with transient-failure retries. Tool
// interrupts pass through untouched on the first occurrence: they are a
// request for operator input, not a failure.
type RetryInvoker struct {
	inner  Invoker
	policy RetryPolicy
	sleep  func(time.Duration) // test seam
}

// NewRetryInvoker wraps inner with the given policy.
func NewRetryInvoker(inner Invoker, policy RetryPolicy) *RetryInvoker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryInvoker{inner: inner, policy: policy, sleep: time.Sleep}
}

// Invoke runs the skill, retrying retryable failures per the policy.
func (r *RetryInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt - 1)
			if delay > 0 {
				r.sleep(delay)
			}
		}

		value, err := r.inner.Invoke(ctx, name, args)
		if err == nil {
			return value, nil
		}
		if _, isInterrupt := AsToolInterrupt(err); isInterrupt {
			return nil, err
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, schema.NewErrorf(schema.ErrCodeSkill,
		"skill %q failed after %d attempts: %s", name, r.policy.MaxAttempts, lastErr.Error()).
		WithCause(lastErr)
}

func (r *RetryInvoker) backoff(attempt int) time.Duration {
	base := r.policy.Delay
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch r.policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	return delay
}

// isRetryable classifies whether a skill failure should be retried.
// Retryable: network errors, timeouts. Non-retryable: validation errors,
// unknown skills, cancelled contexts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeTimeout, schema.ErrCodeStore:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var _ Invoker = (*RetryInvoker)(nil)
