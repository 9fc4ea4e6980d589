// Package flow holds the strategies used to match a fast producer to a slower
// consumer: batched pull, bounded drop buffers and timed batching.
package flow

import (
	"context"
	"iter"
	"sync"
)

// PullReport records the demand a rate limited consumer issued upstream.
type PullReport struct {
	mu       sync.Mutex
	requests []int
}

func (r *PullReport) record(n int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.requests = append(r.requests, n)
	r.mu.Unlock()
}

// Requests returns the sizes of every demand signal, in order.
func (r *PullReport) Requests() []int {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.requests...)
}

type pulled[T any] struct {
	value T
	err   error
}

// RateLimited moves src onto its own goroutine and pulls from it only in
// response to demand of batch items at a time. The producer is not advanced
// until the consumer has taken every item of the previous batch, so at most
// batch items are ever in flight. Breaking out of the returned sequence or
// cancelling ctx stops the producer. A batch <= 0 returns src unchanged.
func RateLimited[T any](ctx context.Context, src iter.Seq2[T, error], batch int, report *PullReport) iter.Seq2[T, error] {
	if batch <= 0 {
		return src
	}
	return func(yield func(T, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		demand := make(chan int, 1)
		items := make(chan pulled[T], batch)

		go func() {
			defer close(items)
			next, stop := iter.Pull2(src)
			defer stop()
			for {
				var n int
				select {
				case n = <-demand:
				case <-ctx.Done():
					return
				}
				for i := 0; i < n; i++ {
					v, err, ok := next()
					if !ok {
						return
					}
					items <- pulled[T]{value: v, err: err}
					if err != nil {
						return
					}
				}
			}
		}()

		outstanding := 0
		for {
			if outstanding == 0 {
				report.record(batch)
				demand <- batch
				outstanding = batch
			}
			var it pulled[T]
			var ok bool
			select {
			case it, ok = <-items:
			case <-ctx.Done():
				var zero T
				yield(zero, ctx.Err())
				return
			}
			if !ok {
				return
			}
			outstanding--
			if it.err != nil {
				yield(it.value, it.err)
				return
			}
			if !yield(it.value, nil) {
				return
			}
		}
	}
}
