package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	apperrors "github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

func TestRateLimiter_SuspendsUntilOldestLeavesWindow(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 3, Clock: clk})

	ctx := context.Background()
	require.NoError(t, rl.Wait(ctx))
	clk.Advance(200 * time.Millisecond)
	require.NoError(t, rl.Wait(ctx))
	require.NoError(t, rl.Wait(ctx))
	assert.Len(t, rl.Tokens(), 3)

	done := make(chan time.Time, 1)
	go func() {
		if err := rl.Wait(ctx); err == nil {
			done <- clk.Now()
		}
	}()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("fourth call admitted inside the window")
	default:
	}

	// the oldest admission was at start; the waiter is due at start+1s
	clk.Advance(800 * time.Millisecond)

	select {
	case admittedAt := <-done:
		assert.False(t, admittedAt.Before(start.Add(time.Second)))
	case <-time.After(time.Second):
		t.Fatal("fourth call was never admitted")
	}
}

func TestRateLimiter_RealClockPacing(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 2, Window: 100 * time.Millisecond})

	begin := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)
}

func TestRateLimiter_MaxWaitExceeded(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 1, MaxWait: 100 * time.Millisecond, Clock: clk})

	require.NoError(t, rl.Wait(context.Background()))

	err := rl.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))
}

func TestRateLimiter_ContextDeadline(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 1})
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))
}

func TestRateLimiter_DeadlineMeasuredOnLimiterClock(t *testing.T) {
	// the limiter clock runs past the context deadline
	clk := clock.NewManual(time.Now().Add(2 * time.Hour))
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 1, Clock: clk})
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- rl.Wait(ctx) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))
		assert.Zero(t, clk.Waiters())
	case <-time.After(time.Second):
		t.Fatal("waiter suspended although its deadline had passed on the limiter clock")
	}
}

func TestRateLimiter_CancelReturnsContextError(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 1, Clock: clk})
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rl.Wait(ctx) }()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Name: "svc", Limit: 0})
	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	assert.Empty(t, rl.Tokens())
}
