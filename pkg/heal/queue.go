package heal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Task describes one object to heal, detected by the scanner, a read path,
// or an administrator.
type Task struct {
	Bucket     string
	Key        string
	Reason     string    // "scan" | "read" | "admin"
	Discovered time.Time // when the issue was detected
}

// ErrQueueClosed is returned for operations against a closed queue.
var ErrQueueClosed = errors.New("heal: queue closed")

// queue is an in-memory bounded task queue. A buffered channel provides
// backpressure for concurrent producers and consumers. The task channel is
// never closed; closure is signalled through done so a producer racing Close
// cannot hit a closed-channel send.
type queue struct {
	ch   chan Task
	done chan struct{}
	once sync.Once
}

func newQueue(capacity int) *queue {
	if capacity < 0 {
		capacity = 0
	}
	return &queue{
		ch:   make(chan Task, capacity),
		done: make(chan struct{}),
	}
}

func (q *queue) Enqueue(ctx context.Context, t Task) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- t:
		return nil
	}
}

func (q *queue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case t := <-q.ch:
		return t, nil
	case <-q.done:
		// Tasks buffered before closure still drain.
		select {
		case t := <-q.ch:
			return t, nil
		default:
			return Task{}, ErrQueueClosed
		}
	}
}

func (q *queue) Len() int { return len(q.ch) }

func (q *queue) Close() {
	q.once.Do(func() { close(q.done) })
}
