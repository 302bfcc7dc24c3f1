package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/viant/embedsync/event"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue is closed")

// ErrFull is returned by TryPush when the queue has no free slot.
var ErrFull = errors.New("queue is full")

// Queue is a bounded event queue with one consumer.
type Queue struct {
	mu     sync.RWMutex
	ch     chan *event.SyncEvent
	closed bool
}

// New creates a queue holding at most capacity events.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan *event.SyncEvent, capacity)}
}

// Push enqueues ev, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, ev *event.SyncEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues ev without blocking.
func (q *Queue) TryPush(ev *event.SyncEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Close stops accepting events; buffered events are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Len returns the number of buffered events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Chan exposes the receive side for consumers other than a Batcher.
func (q *Queue) Chan() <-chan *event.SyncEvent { return q.ch }
