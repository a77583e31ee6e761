package worker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Ticker is the part of subscription.Manager driven by the timer.
type Ticker interface {
	Tick()
}

// PublishTimer drives the publishing cycle of every subscription. Each
// subscription decides on its own whether its interval elapsed, so the
// timer only needs to fire at least as often as the shortest interval.
type PublishTimer struct {
	target     Ticker
	clock      clock.Clock
	resolution time.Duration
	logger     *zap.Logger
}

func NewPublishTimer(target Ticker, clk clock.Clock, resolution time.Duration, logger *zap.Logger) *PublishTimer {
	if clk == nil {
		clk = clock.New()
	}
	return &PublishTimer{target: target, clock: clk, resolution: resolution, logger: logger}
}

// Start runs the timer in its own goroutine. The returned stop function
// cancels it and waits until no Tick is in progress.
func (pt *PublishTimer) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pt.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run ticks every resolution until ctx is cancelled.
func (pt *PublishTimer) Run(ctx context.Context) {
	ticker := pt.clock.Ticker(pt.resolution)
	defer ticker.Stop()

	pt.logger.Info("publish timer started", zap.Duration("resolution", pt.resolution))

	for {
		select {
		case <-ctx.Done():
			pt.logger.Info("publish timer stopping")
			return
		case <-ticker.C:
			pt.target.Tick()
		}
	}
}
