package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zkauth/fsid/common/testlogger"
	"github.com/zkauth/fsid/internal/metrics"
)

var errBrokerDown = errors.New("broker down")

func TestConnectRetriesUntilSuccess(t *testing.T) {
	b := newTestBroker(t)
	attempts := 0
	dial := func(ctx context.Context) (Session, error) {
		attempts++
		if attempts < 3 {
			return nil, errBrokerDown
		}
		return b.Dial(ctx)
	}

	policy := RetryPolicy{MaxAttempts: 10, Interval: time.Millisecond}
	s, err := Connect(context.Background(), testlogger.New(t), dial, policy, "init", "commitment")
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 3, attempts)
}

func TestConnectExhaustsAttempts(t *testing.T) {
	failures := testutil.ToFloat64(metrics.ConnectionAttempts.WithLabelValues("failure"))

	attempts := 0
	dial := func(context.Context) (Session, error) {
		attempts++
		return nil, errBrokerDown
	}

	policy := RetryPolicy{MaxAttempts: 4, Interval: time.Millisecond}
	s, err := Connect(context.Background(), testlogger.New(t), dial, policy)
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Contains(t, err.Error(), errBrokerDown.Error())
	require.Equal(t, 4, attempts)
	require.Equal(t, failures+4, testutil.ToFloat64(metrics.ConnectionAttempts.WithLabelValues("failure")))
}

func TestConnectWaitsBetweenAttempts(t *testing.T) {
	attempts := 0
	dial := func(context.Context) (Session, error) {
		attempts++
		return nil, errBrokerDown
	}

	start := time.Now()
	policy := RetryPolicy{MaxAttempts: 3, Interval: 20 * time.Millisecond}
	_, err := Connect(context.Background(), testlogger.New(t), dial, policy)
	require.ErrorIs(t, err, ErrConnectionFailed)
	// two pauses separate three attempts
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestConnectDeclareFailureCountsAsAttempt(t *testing.T) {
	b := newTestBroker(t)
	dial := func(ctx context.Context) (Session, error) {
		return b.Dial(ctx)
	}

	policy := RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond}
	_, err := Connect(context.Background(), testlogger.New(t), dial, policy, "")
	require.ErrorIs(t, err, ErrConnectionFailed)
}

func TestConnectContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(context.Context) (Session, error) {
		cancel()
		return nil, errBrokerDown
	}

	policy := RetryPolicy{MaxAttempts: 10, Interval: time.Hour}
	_, err := Connect(ctx, testlogger.New(t), dial, policy)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrConnectionFailed)
}

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
	require.Error(t, RetryPolicy{MaxAttempts: 0, Interval: time.Second}.Validate())
	require.Error(t, RetryPolicy{MaxAttempts: 1, Interval: 0}.Validate())

	_, err := Connect(context.Background(), testlogger.New(t), nil, RetryPolicy{})
	require.Error(t, err)
}
