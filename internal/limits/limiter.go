// Package limits gates upstream dispatch: a bounded number of in-flight
// actions plus a minimum interval between consecutive dispatches.
package limits

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter combines a concurrency semaphore with a token bucket enforcing
// the minimum inter-dispatch spacing. Waiters are served in FIFO order by
// the semaphore channel.
type Limiter struct {
	sem      chan struct{}
	interval *rate.Limiter
}

// New creates a limiter allowing maxConcurrency in-flight acquisitions and
// at most one acquisition per minInterval.
func New(maxConcurrency int, minInterval time.Duration) *Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	l := &Limiter{
		sem: make(chan struct{}, maxConcurrency),
	}
	if minInterval > 0 {
		l.interval = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return l
}

// Acquire blocks until a concurrency slot is free and the minimum interval
// since the previous acquire has elapsed, or ctx is done. On success the
// caller owns one slot and must call Release exactly once.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.interval != nil {
		if err := l.interval.Wait(ctx); err != nil {
			// Give the slot back; the acquire never completed.
			<-l.sem
			return err
		}
	}
	return nil
}

// Release frees a concurrency slot. Calling Release without a matching
// Acquire is a no-op rather than a panic; the slot count never goes
// negative.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// Active returns the current number of held slots.
func (l *Limiter) Active() int {
	return len(l.sem)
}

// Capacity returns the maximum number of concurrent holders.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}
