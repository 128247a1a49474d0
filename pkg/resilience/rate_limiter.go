package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

// RateLimiterConfig holds configuration for the sliding window limiter
type RateLimiterConfig struct {
	Name string
	// Limit is the number of admissions allowed per Window. Zero disables limiting.
	Limit int
	// Window defaults to one second
	Window time.Duration
	// MaxWait caps how long a caller may be suspended. Zero means only the
	// context bounds the wait.
	MaxWait time.Duration
	Clock   clock.Clock
}

// RateLimiter admits at most Limit calls in any trailing Window. Callers over
// the limit are suspended until the oldest admission leaves the window.
type RateLimiter struct {
	name    string
	limit   int
	window  time.Duration
	maxWait time.Duration
	clock   clock.Clock

	mu     sync.Mutex
	stamps []time.Time
}

// NewRateLimiter creates a sliding window rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &RateLimiter{
		name:    config.Name,
		limit:   config.Limit,
		window:  config.Window,
		maxWait: config.MaxWait,
		clock:   config.Clock,
		stamps:  make([]time.Time, 0, max(config.Limit, 0)),
	}
}

// Wait blocks until a slot is free. It returns a rate_limit error when the
// slot cannot be obtained within MaxWait or before the context deadline.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.limit <= 0 {
		return ctx.Err()
	}

	start := rl.clock.Now()
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}

		now := rl.clock.Now()
		if rl.maxWait > 0 && now.Add(wait).Sub(start) > rl.maxWait {
			return errors.NewRateLimitTimeoutError(rl.name, rl.maxWait)
		}
		if deadline, ok := ctx.Deadline(); ok && deadline.Sub(now) < wait {
			return errors.NewRateLimitTimeoutError(rl.name, wait).WithCause(context.DeadlineExceeded)
		}

		select {
		case <-ctx.Done():
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.NewRateLimitTimeoutError(rl.name, wait).WithCause(ctx.Err())
			}
			return ctx.Err()
		case <-rl.clock.After(wait):
		}
	}
}

// reserve records an admission if the window has room, otherwise it reports
// how long until the oldest admission expires
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.prune(now)

	if len(rl.stamps) < rl.limit {
		rl.stamps = append(rl.stamps, now)
		return 0, true
	}

	return rl.stamps[0].Add(rl.window).Sub(now), false
}

func (rl *RateLimiter) prune(now time.Time) {
	i := 0
	for i < len(rl.stamps) && now.Sub(rl.stamps[i]) >= rl.window {
		i++
	}
	if i > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[i:]...)
	}
}

// Tokens returns the admission timestamps currently inside the window
func (rl *RateLimiter) Tokens() []time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.prune(rl.clock.Now())
	out := make([]time.Time, len(rl.stamps))
	copy(out, rl.stamps)
	return out
}
