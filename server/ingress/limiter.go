package ingress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/migadu/hato/pkg/metrics"
)

// ErrCapacityExceeded is returned by Begin when the hard ceiling on
// admitted messages is reached. Sessions translate it into a transient
// SMTP rejection so the sender retries later.
var ErrCapacityExceeded = errors.New("ingestion queue is full")

// Limiter bounds message ingestion two ways. The hard ceiling caps how
// many accepted messages may be in flight at once; a DATA stream that
// would exceed it is rejected up front. The soft limit is a worker
// semaphore: admitted messages queue for one of a fixed number of
// processing slots in FIFO order.
type Limiter struct {
	maxInFlight int64
	inFlight    atomic.Int64
	slots       chan struct{}
	wg          sync.WaitGroup
}

func NewLimiter(maxInFlight, concurrency int) *Limiter {
	return &Limiter{
		maxInFlight: int64(maxInFlight),
		slots:       make(chan struct{}, concurrency),
	}
}

// Begin admits one message under the hard ceiling. On success it returns
// a release function that must be called exactly when processing ends,
// on every path. Calling it more than once is safe.
func (l *Limiter) Begin() (func(), error) {
	if l.inFlight.Add(1) > l.maxInFlight {
		l.inFlight.Add(-1)
		metrics.IngestRejectedTotal.Inc()
		return nil, ErrCapacityExceeded
	}
	l.wg.Add(1)
	metrics.MessagesInFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			metrics.MessagesInFlight.Dec()
			l.wg.Done()
		})
	}, nil
}

// Acquire blocks until a processing slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a processing slot acquired with Acquire.
func (l *Limiter) Release() {
	<-l.slots
}

// InFlight returns the number of currently admitted messages.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Wait blocks until every admitted message has been released. Used
// during shutdown to drain in-flight work.
func (l *Limiter) Wait() {
	l.wg.Wait()
}
