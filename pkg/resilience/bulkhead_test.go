package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"
)

func TestBulkhead_BoundsConcurrency(t *testing.T) {
	bh := NewBulkhead("svc", 2)

	var current, peak uatomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, bh.Acquire(context.Background())) {
				return
			}
			defer bh.Release()

			n := current.Inc()
			for {
				p := peak.Load()
				if n <= p || peak.CAS(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Dec()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(0), bh.InFlight())
}

func TestBulkhead_AcquireHonoursContext(t *testing.T) {
	bh := NewBulkhead("svc", 1)
	require.NoError(t, bh.Acquire(context.Background()))
	assert.Equal(t, int64(1), bh.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := bh.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	bh.Release()
	assert.Equal(t, int64(0), bh.InFlight())
}

func TestBulkhead_NonPositiveCapacity(t *testing.T) {
	assert.Equal(t, int64(1), NewBulkhead("svc", 0).Capacity())
	assert.Equal(t, int64(1), NewBulkhead("svc", -3).Capacity())
}
