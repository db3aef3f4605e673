package heal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbitfs/orbitfs/pkg/storage"
)

type fakeVerifier struct {
	mu          sync.Mutex
	corrupt     map[string]bool // "bucket/key" -> corrupt
	verifyErr   error
	quarantined []string
}

func (f *fakeVerifier) VerifyObject(ctx context.Context, bucket, key string) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.corrupt[bucket+"/"+key] {
		return storage.ErrChecksumMismatch
	}
	return nil
}

func (f *fakeVerifier) Quarantine(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined = append(f.quarantined, bucket+"/"+key)
	return nil
}

func waitStats(t *testing.T, m *Manager, ok func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Stats(); ok(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats never converged: %+v", m.Stats())
	return Stats{}
}

func TestHealQuarantinesCorruptObjects(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVerifier{corrupt: map[string]bool{"b/bad": true}}
	m, err := Init(ctx, fv, nil, Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Stop(ctx)

	for _, k := range []string{"good", "bad", "also-good"} {
		if err := m.Enqueue(ctx, Task{Bucket: "b", Key: k, Reason: "scan"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	s := waitStats(t, m, func(s Stats) bool { return s.Processed == 3 })
	if s.Healthy != 2 || s.Quarantined != 1 {
		t.Fatalf("stats = %+v", s)
	}
	fv.mu.Lock()
	defer fv.mu.Unlock()
	if len(fv.quarantined) != 1 || fv.quarantined[0] != "b/bad" {
		t.Fatalf("quarantined = %v", fv.quarantined)
	}
}

func TestHealCountsVerifyFailures(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVerifier{verifyErr: errors.New("disk io error")}
	m, err := Init(ctx, fv, nil, Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Stop(ctx)

	if err := m.Enqueue(ctx, Task{Bucket: "b", Key: "k"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s := waitStats(t, m, func(s Stats) bool { return s.Failed == 1 })
	if s.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVerifier{}
	m, err := Init(ctx, fv, nil, Options{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Stop(ctx)

	m.Pause()
	if err := m.Enqueue(ctx, Task{Bucket: "b", Key: "k"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if s := m.Stats(); s.Processed != 0 || !s.Paused {
		t.Fatalf("paused stats = %+v", s)
	}
	m.Resume()
	waitStats(t, m, func(s Stats) bool { return s.Processed == 1 })
}

func TestEnqueueDuringStopDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	m, err := Init(ctx, &fakeVerifier{}, nil, Options{Concurrency: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	const producers = 8
	var wg sync.WaitGroup
	errs := make(chan error, producers*16)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				errs <- m.Enqueue(ctx, Task{Bucket: "b", Key: "k", Reason: "admin"})
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Enqueue during stop: %v", err)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, err := Init(ctx, &fakeVerifier{}, nil, Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := m.Enqueue(ctx, Task{Bucket: "b", Key: "k"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after stop: %v", err)
	}
}
