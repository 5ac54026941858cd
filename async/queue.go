package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStopped is returned by blocking operations whose context was cancelled
var ErrStopped = errors.New("stopped")

// BlockingQueue is an unbounded FIFO hand-off queue. Push never blocks; Pop
// blocks until an item is available or the context is done. Backpressure comes
// from the finite number of items cycling through it, not from the queue.
type BlockingQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{} // holds a token while items may be waiting
}

// NewBlockingQueue creates an empty queue
func NewBlockingQueue[T any]() *BlockingQueue[T] {
	return &BlockingQueue[T]{
		notify: make(chan struct{}, 1),
	}
}

// Push appends item and wakes one waiting consumer
func (q *BlockingQueue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

func (q *BlockingQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest item without blocking
func (q *BlockingQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Pass the wake-up on so another waiter sees the remaining items
		q.signal()
	}
	return item, true
}

// Pop removes the oldest item, blocking until one is available. It returns
// ErrStopped once ctx is done.
func (q *BlockingQueue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, errors.Wrapf(ErrStopped, "queue pop: %v", ctx.Err())
		}
	}
}

// Size returns the number of queued items
func (q *BlockingQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
