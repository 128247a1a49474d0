package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

func fastRetryConfig(attempts int) RetryConfig {
	config := DefaultRetryConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetrier_SuccessOnFirstAttempt(t *testing.T) {
	retrier := NewRetrier(DefaultRetryConfig())

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_SuccessAfterRetries(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewTransientError("query", "connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_FailureAfterMaxAttempts(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutError("query")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout))
}

func TestRetrier_PermanentErrorNotRetried(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewPermanentError("query", "bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypePermanent))
}

func TestRetrier_UntypedErrorNotRetried(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.EqualError(t, err, "boom")
}

func TestRetrier_SingleAttemptReturnsErrorUnwrapped(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(1))

	cause := appErrors.NewTransientError("query", "connection reset")
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		return cause
	})

	assert.Same(t, cause, err)
}

func TestRetrier_ContextCancellation(t *testing.T) {
	config := fastRetryConfig(10)
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second
	retrier := NewRetrier(config)

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return appErrors.NewTransientError("query", "connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "retry aborted after 1 attempts")
}

func TestRetrier_OnRetryCallback(t *testing.T) {
	config := fastRetryConfig(3)
	var retried []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}
	retrier := NewRetrier(config)

	_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
		return appErrors.NewTimeoutError("query")
	})

	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetrier_WithMaxAttemptsDoesNotMutateOriginal(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(2))
	widened := retrier.WithMaxAttempts(5)

	count := func(r *Retrier) int {
		n := 0
		r.Execute(context.Background(), func(ctx context.Context) error {
			n++
			return appErrors.NewTimeoutError("query")
		})
		return n
	}

	assert.Equal(t, 5, count(widened))
	assert.Equal(t, 2, count(retrier))
}

func TestRetrier_CalculateDelay(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, retrier.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, retrier.calculateDelay(2))
	assert.Equal(t, 400*time.Millisecond, retrier.calculateDelay(3))
	assert.Equal(t, time.Second, retrier.calculateDelay(5))
}
