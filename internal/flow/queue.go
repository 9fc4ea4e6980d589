package flow

import (
	"context"
	"iter"
	"sync"
)

// Queue is a lossless, unbounded handoff between one producer stage and one
// consumer stage. The producer never blocks; the consumer waits for items.
// Bounding is left to whoever decides when to push.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	err    error
	notify chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It reports false once the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.wake()
	return true
}

// Close marks the end of the stream. A non-nil err is delivered to the
// consumer after every queued item. Only the first Close counts.
func (q *Queue[T]) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.wake()
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// All yields queued items in order until the queue is closed, then yields the
// close error if there was one. If ctx ends first its error is yielded.
func (q *Queue[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for {
			q.mu.Lock()
			if len(q.items) > 0 {
				v := q.items[0]
				q.items[0] = zero
				q.items = q.items[1:]
				q.mu.Unlock()
				if !yield(v, nil) {
					return
				}
				continue
			}
			closed, err := q.closed, q.err
			q.mu.Unlock()
			if closed {
				if err != nil {
					yield(zero, err)
				}
				return
			}
			select {
			case <-q.notify:
			case <-ctx.Done():
				yield(zero, ctx.Err())
				return
			}
		}
	}
}
