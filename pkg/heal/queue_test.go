package heal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueCloseUnblocksProducers(t *testing.T) {
	q := newQueue(1)
	if err := q.Enqueue(context.Background(), Task{Bucket: "b", Key: "fill"}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	const producers = 4
	errs := make(chan error, producers)
	var started sync.WaitGroup
	started.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			started.Done()
			errs <- q.Enqueue(context.Background(), Task{Bucket: "b", Key: "blocked"})
		}()
	}
	started.Wait()
	time.Sleep(10 * time.Millisecond) // let producers block on the full queue
	q.Close()

	for i := 0; i < producers; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrQueueClosed) {
				t.Fatalf("producer error = %v, want ErrQueueClosed", err)
			}
		case <-time.After(time.Second):
			t.Fatal("producer still blocked after Close")
		}
	}
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q := newQueue(4)
	q.Close()
	q.Close()
	if err := q.Enqueue(context.Background(), Task{Bucket: "b", Key: "k"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueDrainsBufferedTasksAfterClose(t *testing.T) {
	ctx := context.Background()
	q := newQueue(2)
	for _, key := range []string{"one", "two"} {
		if err := q.Enqueue(ctx, Task{Bucket: "b", Key: key}); err != nil {
			t.Fatalf("Enqueue %s: %v", key, err)
		}
	}
	q.Close()

	for _, want := range []string{"one", "two"} {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.Key != want {
			t.Fatalf("task = %q, want %q", task.Key, want)
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Dequeue on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Dequeue = %v, want context.Canceled", err)
	}
}
