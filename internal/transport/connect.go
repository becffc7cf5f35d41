package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/metrics"
)

const (
	// DefaultMaxAttempts is the number of dial attempts before giving up.
	DefaultMaxAttempts = 10
	// DefaultRetryInterval is the pause between two failed dial attempts.
	DefaultRetryInterval = 5 * time.Second
)

// RetryPolicy bounds the connection establishment loop.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultRetryPolicy returns 10 attempts spaced by 5 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultRetryInterval,
	}
}

// Validate checks the policy can drive the retry loop.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("retry policy: interval must be positive, got %s", p.Interval)
	}
	return nil
}

// Connect dials the broker until it succeeds or policy.MaxAttempts attempts
// failed, sleeping policy.Interval between failures. The given channels are
// declared on the new session; a failed declaration counts as a failed
// attempt. Once the budget is exhausted the returned error wraps
// ErrConnectionFailed.
func Connect(ctx context.Context, l log.Logger, dial DialFunc, policy RetryPolicy, channels ...string) (Session, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var session Session
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(policy.MaxAttempts-1), retry.NewConstant(policy.Interval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s, err := dial(ctx)
		if err == nil && len(channels) > 0 {
			if err = s.Declare(ctx, channels...); err != nil {
				_ = s.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.ConnectionAttempts.WithLabelValues("failure").Inc()
			l.Warnw(fmt.Sprintf("Attempt %d failed. Retrying...", attempt), "err", err)
			return retry.RetryableError(err)
		}

		metrics.ConnectionAttempts.WithLabelValues("success").Inc()
		session = s
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		l.Errorw("Max attempts reached. Could not establish a connection.", "attempts", attempt)
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, attempt, err)
	}

	l.Infow("connected to broker", "attempts", attempt)
	return session, nil
}
