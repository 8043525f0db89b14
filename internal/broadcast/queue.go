package broadcast

import (
	"sync"
	"sync/atomic"
)

// dropQueue is a bounded FIFO whose offer never blocks. When it is full the
// oldest pending item is discarded to make room.
type dropQueue[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	dropped atomic.Int64
}

func newDropQueue[T any](size int) *dropQueue[T] {
	return &dropQueue[T]{ch: make(chan T, size)}
}

func (q *dropQueue[T]) offer(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- v:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// close lets the consumer drain what is already queued and then stop.
func (q *dropQueue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
