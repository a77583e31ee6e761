package worker

import (
	"context"
)

// RequestQueue re-dispatches completed publish operations onto their own
// pool, so a subscription that becomes ready never answers a held request on
// the publish timer goroutine. It implements subscription.Dispatcher.
type RequestQueue struct {
	pool *TaskPool
}

func NewRequestQueue(pool *TaskPool) *RequestQueue {
	return &RequestQueue{pool: pool}
}

func (q *RequestQueue) Dispatch(run func()) {
	q.pool.Schedule(func(context.Context) { run() })
}
