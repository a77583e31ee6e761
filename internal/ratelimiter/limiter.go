package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Op names the kind of batch I/O being throttled.
type Op string

const (
	OpPersist Op = "persist"
	OpRestore Op = "restore"
)

// IOLimiters holds one token bucket per batch I/O kind so a write-behind
// backlog cannot starve restores needed by publish.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type IOLimiters struct {
	limiters map[Op]*rate.Limiter
}

// New creates limiters with the given operations per second. Zero or a
// negative value disables limiting for that kind.
func New(persistPerSec, restorePerSec int) *IOLimiters {
	return &IOLimiters{
		limiters: map[Op]*rate.Limiter{
			OpPersist: newLimiter(persistPerSec),
			OpRestore: newLimiter(restorePerSec),
		},
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// Wait blocks until the operation's limiter grants a token.
// Returns a non-nil error only if ctx is cancelled while waiting.
// A nil receiver never blocks.
func (l *IOLimiters) Wait(ctx context.Context, op Op) error {
	if l == nil {
		return nil
	}
	lim, ok := l.limiters[op]
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}
