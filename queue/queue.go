// Package queue is the bounded hand-off between the producer and the
// consumer pool.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/DorsetProject/dorset-mailbot/model"
)

var (
	// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
	ErrQueueFull = errors.New("queue capacity exceeded")

	// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
	// closed queue has been drained.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO of claimed handles. It is safe for any number of
// concurrent producers and consumers.
type Queue struct {
	items     chan model.Handle
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a queue holding at most capacity handles. A capacity below one
// is raised to one.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make(chan model.Handle, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue blocks until there is room for h, the queue is closed or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, h model.Handle) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.items <- h:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue queues h without blocking.
func (q *Queue) TryEnqueue(h model.Handle) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.items <- h:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a handle is available. After Close it keeps handing
// out what is left and then reports ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (model.Handle, error) {
	select {
	case h := <-q.items:
		return h, nil
	case <-q.closed:
		select {
		case h := <-q.items:
			return h, nil
		default:
			return model.Handle{}, ErrClosed
		}
	case <-ctx.Done():
		return model.Handle{}, ctx.Err()
	}
}

// IsEmpty is advisory; the answer may be stale by the time it is read.
func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}

// Close stops accepting handles. It is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}
