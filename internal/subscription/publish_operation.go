package subscription

import (
	"sync"
	"time"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// Dispatcher re-schedules a completed publish operation for normal request
// processing. worker.RequestQueue is the production implementation.
type Dispatcher interface {
	Dispatch(run func())
}

// AsyncPublishOperation is a publish request held until one of the session's
// subscriptions has something to send.
type AsyncPublishOperation struct {
	session    domain.Session
	request    domain.PublishRequest
	ackResults []domain.StatusCode
	received   time.Time

	mu           sync.Mutex
	subscription *Subscription
	// claimed is set once CompletePublish commits to answering the
	// operation; cancel no longer applies.
	claimed      bool
	response     *domain.PublishResponse
	err          error
	done         chan struct{}
}

func newPublishOperation(session domain.Session, req domain.PublishRequest, ackResults []domain.StatusCode, received time.Time) *AsyncPublishOperation {
	return &AsyncPublishOperation{
		session:    session,
		request:    req,
		ackResults: ackResults,
		received:   received,
		done:       make(chan struct{}),
	}
}

func (op *AsyncPublishOperation) Session() domain.Session { return op.session }

// Done is closed once the operation has a response or an error.
func (op *AsyncPublishOperation) Done() <-chan struct{} { return op.done }

// Result returns the outcome; valid after Done is closed.
func (op *AsyncPublishOperation) Result() (*domain.PublishResponse, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.response, op.err
}

// assign binds the subscription that will answer this request.
func (op *AsyncPublishOperation) assign(sub *Subscription) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.subscription = sub
}

func (op *AsyncPublishOperation) assigned() *Subscription {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.subscription
}

// claim reserves an unfinished operation for one publish attempt. Callers
// hold the manager lock.
func (op *AsyncPublishOperation) claim() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.claimed || op.finished() {
		return false
	}
	op.claimed = true
	return true
}

// cancel completes an unclaimed operation with cause. A claimed operation
// is left to its claimant.
func (op *AsyncPublishOperation) cancel(cause error) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.claimed || op.finished() {
		return false
	}
	op.complete(nil, cause)
	return true
}

func (op *AsyncPublishOperation) unclaim() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.claimed = false
}

// finish completes the operation once; later calls are ignored.
func (op *AsyncPublishOperation) finish(resp *domain.PublishResponse, err error) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.finished() {
		return false
	}
	op.complete(resp, err)
	return true
}

func (op *AsyncPublishOperation) finished() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

func (op *AsyncPublishOperation) complete(resp *domain.PublishResponse, err error) {
	op.response = resp
	op.err = err
	op.claimed = false
	close(op.done)
}

// Close completes an unfulfilled operation with ErrServerHalted.
func (op *AsyncPublishOperation) Close() {
	op.finish(nil, domain.ErrServerHalted)
}
