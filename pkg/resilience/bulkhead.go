package resilience

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Bulkhead bounds the number of concurrent in-flight calls to one destination
type Bulkhead struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inFlight *atomic.Int64
}

// NewBulkhead creates a bulkhead with maxConnections slots. A non-positive
// value is treated as a single slot.
func NewBulkhead(name string, maxConnections int) *Bulkhead {
	if maxConnections <= 0 {
		maxConnections = 1
	}

	return &Bulkhead{
		name:     name,
		capacity: int64(maxConnections),
		sem:      semaphore.NewWeighted(int64(maxConnections)),
		inFlight: atomic.NewInt64(0),
	}
}

// Acquire waits for a free slot or for ctx to be done
func (b *Bulkhead) Acquire(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.inFlight.Inc()
	return nil
}

// Release returns a slot obtained with Acquire
func (b *Bulkhead) Release() {
	b.inFlight.Dec()
	b.sem.Release(1)
}

// InFlight returns the number of slots currently held
func (b *Bulkhead) InFlight() int64 {
	return b.inFlight.Load()
}

// Capacity returns the configured number of slots
func (b *Bulkhead) Capacity() int64 {
	return b.capacity
}
