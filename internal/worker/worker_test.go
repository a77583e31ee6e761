package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/worker"
)

func TestTaskPool_RunsEveryTask(t *testing.T) {
	var done atomic.Int32
	p := worker.NewTaskPool("test", 3, 8, zap.NewNop(), worker.PoolHooks{})
	p.Start(context.Background())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		p.Schedule(func(context.Context) {
			defer wg.Done()
			done.Add(1)
		})
	}
	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(50), done.Load())
}

func TestTaskPool_RecoversPanics(t *testing.T) {
	var panics atomic.Int32
	p := worker.NewTaskPool("test", 1, 4, zap.NewNop(), worker.PoolHooks{OnPanic: func() { panics.Add(1) }})
	p.Start(context.Background())

	p.Schedule(func(context.Context) { panic("boom") })
	ran := make(chan struct{})
	p.Schedule(func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	p.Stop()
	assert.Equal(t, int32(1), panics.Load())
}

func TestTaskPool_ScheduleAfterStop(t *testing.T) {
	p := worker.NewTaskPool("test", 1, 1, zap.NewNop(), worker.PoolHooks{})
	p.Start(context.Background())
	p.Stop()

	ran := make(chan struct{})
	p.Schedule(func(context.Context) { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task scheduled after stop never ran")
	}
}

func TestRequestQueue_Dispatch(t *testing.T) {
	p := worker.NewTaskPool("dispatch", 2, 4, zap.NewNop(), worker.PoolHooks{})
	p.Start(context.Background())
	defer p.Stop()

	ran := make(chan struct{})
	worker.NewRequestQueue(p).Dispatch(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("dispatched request never ran")
	}
}

type countingTicker struct{ n atomic.Int32 }

func (c *countingTicker) Tick() { c.n.Add(1) }

func TestPublishTimer_TicksUntilCancelled(t *testing.T) {
	clk := clock.NewMock()
	target := &countingTicker{}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		worker.NewPublishTimer(target, clk, 10*time.Millisecond, zap.NewNop()).Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		clk.Add(10 * time.Millisecond)
		return target.n.Load() >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("publish timer did not stop")
	}
}

type blockingTicker struct {
	entered chan struct{}
	release chan struct{}
	n       atomic.Int32
}

func (b *blockingTicker) Tick() {
	if b.n.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
}

func TestPublishTimer_StopWaitsForRunningTick(t *testing.T) {
	clk := clock.NewMock()
	target := &blockingTicker{entered: make(chan struct{}), release: make(chan struct{})}
	stop := worker.NewPublishTimer(target, clk, 10*time.Millisecond, zap.NewNop()).Start(context.Background())

	assert.Eventually(t, func() bool {
		clk.Add(10 * time.Millisecond)
		select {
		case <-target.entered:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while a tick was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(target.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("publish timer did not stop")
	}
	ticks := target.n.Load()
	clk.Add(100 * time.Millisecond)
	assert.Equal(t, ticks, target.n.Load())
}
