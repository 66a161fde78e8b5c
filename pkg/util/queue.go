package util

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO.  Push never blocks, so a slow consumer never holds up producers.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Take removes and returns everything queued so far, in push order.
func (q *Queue[T]) Take() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Notify receives after a Push.  Several pushes may collapse into one notification, so receivers
// Take everything.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// DrainTo forwards items to out in order until ctx is done.
func (q *Queue[T]) DrainTo(ctx context.Context, out chan<- T) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
		for _, item := range q.Take() {
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
	}
}
