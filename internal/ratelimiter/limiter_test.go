package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/durable-subscriptions/internal/ratelimiter"
)

func TestWait_Unlimited(t *testing.T) {
	l := ratelimiter.New(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), ratelimiter.OpPersist))
	}
}

func TestWait_NilReceiver(t *testing.T) {
	var l *ratelimiter.IOLimiters
	assert.NoError(t, l.Wait(context.Background(), ratelimiter.OpRestore))
}

func TestWait_CancelledWhileThrottled(t *testing.T) {
	l := ratelimiter.New(1, 0)
	require.NoError(t, l.Wait(context.Background(), ratelimiter.OpPersist))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, ratelimiter.OpPersist), "the bucket is empty for a second")
	assert.NoError(t, l.Wait(context.Background(), ratelimiter.OpRestore), "restores have their own bucket")
}
