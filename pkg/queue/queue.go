// Package queue provides an unbounded FIFO that feeds a channel, so a
// producer holding a lock never blocks on a slow consumer.
package queue

import (
	"context"
	"sync"
)

type Queue[T any] struct {
	mu      sync.Mutex
	pending []T
	closed  bool
	notify  chan struct{}
	out     chan T
}

// New starts a pump that delivers pushed items on Out until ctx is done
// or Close is called and the backlog drained. Out is closed afterwards.
func New[T any](ctx context.Context) *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}
	go q.run(ctx)
	return q
}

func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Push appends v. It never blocks and reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting items; the pump drains what is already queued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue[T]) run(ctx context.Context) {
	defer close(q.out)

	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, v := range batch {
			select {
			case q.out <- v:
			case <-ctx.Done():
				return
			}
		}

		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return
		}
	}
}
