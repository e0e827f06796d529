package utils

import (
	"sync"

	"github.com/gammazero/deque"
)

// OpsQueue runs queued functions one at a time, in order, on its own
// goroutine. The queue is unbounded, so Enqueue never blocks or drops.
type OpsQueue struct {
	mu      sync.Mutex
	ops     deque.Deque[func()]
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewOpsQueue() *OpsQueue {
	return &OpsQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *OpsQueue) Start() {
	go q.process()
}

// Stop refuses further ops. Ops already queued still run.
func (q *OpsQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed after Stop once the last queued op has returned.
func (q *OpsQueue) Done() <-chan struct{} {
	return q.done
}

// Enqueue reports false once the queue is stopped.
func (q *OpsQueue) Enqueue(op func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.ops.PushBack(op)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *OpsQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *OpsQueue) process() {
	defer close(q.done)

	for {
		q.mu.Lock()
		if q.ops.Len() == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		op := q.ops.PopFront()
		q.mu.Unlock()

		op()
	}
}
