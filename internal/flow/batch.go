package flow

import (
	"context"
	"time"
)

// Batcher groups items and flushes a group when it reaches MaxSize or when
// MaxWait has elapsed since the group's first item, whichever comes first.
type Batcher[T any] struct {
	MaxSize int
	MaxWait time.Duration

	// After starts the wait for a new group. Defaults to time.After; tests
	// replace it to drive flushes by hand.
	After func(time.Duration) <-chan time.Time
}

// Run reads from in until it is closed or ctx is done, calling flush with each
// completed group in arrival order. Pending items are flushed on exit.
func (b Batcher[T]) Run(ctx context.Context, in <-chan T, flush func([]T)) {
	maxSize := b.MaxSize
	if maxSize < 1 {
		maxSize = 1
	}
	after := b.After
	if after == nil {
		after = time.After
	}

	var (
		group []T
		timer <-chan time.Time
	)
	emit := func() {
		if len(group) > 0 {
			flush(group)
			group = nil
		}
		timer = nil
	}

	for {
		select {
		case v, ok := <-in:
			if !ok {
				emit()
				return
			}
			group = append(group, v)
			if len(group) == 1 && b.MaxWait > 0 {
				timer = after(b.MaxWait)
			}
			if len(group) >= maxSize {
				emit()
			}
		case <-timer:
			emit()
		case <-ctx.Done():
			emit()
			return
		}
	}
}
