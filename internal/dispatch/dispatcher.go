package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/davidbz/aibridge/internal/observability"
)

// Gauge tracks in-flight tasks. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Dispatcher bounds concurrent provider calls and paces them.
// Waiters are admitted in submission order.
type Dispatcher struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	delay    time.Duration
	inFlight Gauge
}

// NewDispatcher creates a dispatcher (DI constructor). inFlight may be nil.
func NewDispatcher(config *Config, inFlight Gauge) *Dispatcher {
	capacity := max(config.MaxConcurrent, 1)

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), max(config.Burst, 1))
	}

	return &Dispatcher{
		sem:      semaphore.NewWeighted(int64(capacity)),
		limiter:  limiter,
		delay:    config.PostCallDelay,
		inFlight: inFlight,
	}
}

// Submit runs task once a slot is free, waits the post-call delay whether or
// not the task failed, then releases the slot and returns the task's error.
func (d *Dispatcher) Submit(ctx context.Context, task func(ctx context.Context) error) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dispatch cancelled while queued: %w", err)
	}
	defer d.sem.Release(1)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("dispatch cancelled while rate limited: %w", err)
		}
	}

	if d.inFlight != nil {
		d.inFlight.Inc()
	}
	start := time.Now()
	err := task(ctx)
	if d.inFlight != nil {
		d.inFlight.Dec()
	}

	observability.FromContext(ctx).Debug("dispatched call finished",
		observability.Duration("elapsed", time.Since(start)),
		observability.Bool("failed", err != nil))

	d.pause(ctx)
	return err
}

func (d *Dispatcher) pause(ctx context.Context) {
	if d.delay <= 0 {
		return
	}

	timer := time.NewTimer(d.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
