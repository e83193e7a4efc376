package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/aibridge/internal/dispatch"
)

type countingGauge struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (g *countingGauge) Inc() {
	n := g.current.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (g *countingGauge) Dec() {
	g.current.Add(-1)
}

func TestDispatcher_Submit(t *testing.T) {
	t.Run("should run tasks in submission order without overlap", func(t *testing.T) {
		gauge := &countingGauge{}
		d := dispatch.NewDispatcher(&dispatch.Config{MaxConcurrent: 1, PostCallDelay: time.Millisecond}, gauge)
		ctx := context.Background()

		var (
			mu      sync.Mutex
			order   []int
			running atomic.Int32
			overlap atomic.Bool
			wg      sync.WaitGroup
		)

		hold := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Submit(ctx, func(context.Context) error {
				<-hold
				return nil
			})
		}()
		// Let the blocker take the only slot before queueing the rest.
		require.Eventually(t, func() bool { return gauge.current.Load() == 1 }, time.Second, time.Millisecond)

		for i := range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, d.Submit(ctx, func(context.Context) error {
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					time.Sleep(2 * time.Millisecond)
					running.Add(-1)
					return nil
				}))
			}()
			// Each waiter must be queued before the next is submitted.
			time.Sleep(20 * time.Millisecond)
		}

		close(hold)
		wg.Wait()

		require.Equal(t, []int{0, 1, 2}, order)
		require.False(t, overlap.Load())
		require.Equal(t, int32(1), gauge.peak.Load())
	})

	t.Run("should allow parallel tasks up to capacity", func(t *testing.T) {
		gauge := &countingGauge{}
		d := dispatch.NewDispatcher(&dispatch.Config{MaxConcurrent: 3}, gauge)
		ctx := context.Background()

		release := make(chan struct{})
		var wg sync.WaitGroup
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = d.Submit(ctx, func(context.Context) error {
					<-release
					return nil
				})
			}()
		}

		require.Eventually(t, func() bool { return gauge.current.Load() == 3 }, time.Second, time.Millisecond)
		close(release)
		wg.Wait()
	})

	t.Run("should return the task error after the post-call delay", func(t *testing.T) {
		d := dispatch.NewDispatcher(&dispatch.Config{MaxConcurrent: 1, PostCallDelay: 30 * time.Millisecond}, nil)
		boom := errors.New("boom")

		start := time.Now()
		err := d.Submit(context.Background(), func(context.Context) error { return boom })

		require.ErrorIs(t, err, boom)
		require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("should give up waiting when the context is cancelled", func(t *testing.T) {
		d := dispatch.NewDispatcher(&dispatch.Config{MaxConcurrent: 1}, nil)

		hold := make(chan struct{})
		go func() {
			_ = d.Submit(context.Background(), func(context.Context) error {
				<-hold
				return nil
			})
		}()
		defer close(hold)
		time.Sleep(10 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := d.Submit(ctx, func(context.Context) error { return nil })
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("should pace admissions with the rate limiter", func(t *testing.T) {
		d := dispatch.NewDispatcher(&dispatch.Config{MaxConcurrent: 4, RequestsPerSecond: 20, Burst: 1}, nil)
		ctx := context.Background()

		start := time.Now()
		for range 3 {
			require.NoError(t, d.Submit(ctx, func(context.Context) error { return nil }))
		}

		require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	})
}
