package flow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
)

// Overflow selects what a full Buffer does with an incoming item.
type Overflow int

const (
	// DropOldest evicts the oldest buffered item to make room.
	DropOldest Overflow = iota
	// DropNewest discards the incoming item.
	DropNewest
)

func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("overflow(%d)", int(o))
	}
}

// ParseOverflow maps a config value to an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "drop_oldest", "":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// ErrClosed is returned by Take once the buffer is closed and drained.
var ErrClosed = errors.New("flow: buffer closed")

// Buffer is a bounded FIFO whose Offer never blocks. When full, the overflow
// policy decides which item is lost and the loss is reported to OnDrop.
// Any number of goroutines may Offer; Take expects a single consumer.
type Buffer[T any] struct {
	// OnDrop, when set, is called with every discarded item. It runs with the
	// buffer lock held and must not call back into the buffer.
	OnDrop func(T)

	mu       sync.Mutex
	items    []T
	head     int
	size     int
	policy   Overflow
	dropped  int
	closed   bool
	notEmpty chan struct{}
}

// NewBuffer returns a buffer holding at most capacity items.
func NewBuffer[T any](capacity int, policy Overflow) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
	}
}

// Offer adds v and reports whether v itself was kept. Offers after Close are
// discarded.
func (b *Buffer[T]) Offer(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.size == len(b.items) {
		if b.policy == DropNewest {
			b.drop(v)
			return false
		}
		var zero T
		oldest := b.items[b.head]
		b.items[b.head] = zero
		b.head = (b.head + 1) % len(b.items)
		b.size--
		b.drop(oldest)
	}
	b.items[(b.head+b.size)%len(b.items)] = v
	b.size++
	b.signal()
	return true
}

func (b *Buffer[T]) drop(v T) {
	b.dropped++
	if b.OnDrop != nil {
		b.OnDrop(v)
	}
}

func (b *Buffer[T]) signal() {
	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
}

// TryTake removes the oldest item without blocking.
func (b *Buffer[T]) TryTake() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked()
}

func (b *Buffer[T]) takeLocked() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	if b.size > 0 {
		b.signal()
	}
	return v, true
}

// Take blocks until an item is available, the buffer is closed and empty, or
// ctx is done.
func (b *Buffer[T]) Take(ctx context.Context) (T, error) {
	for {
		b.mu.Lock()
		v, ok := b.takeLocked()
		closed := b.closed
		b.mu.Unlock()
		if ok {
			return v, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-b.notEmpty:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// All drains the buffer until it is closed or ctx is done.
func (b *Buffer[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := b.Take(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Close stops accepting items. Buffered items remain available to Take.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.signal()
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns how many items were discarded so far.
func (b *Buffer[T]) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
