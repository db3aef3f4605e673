package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orbitfs/orbitfs/pkg/heal"
	"github.com/orbitfs/orbitfs/pkg/storage"
)

type fakeWalker struct {
	mu      sync.Mutex
	objects map[string]bool // "bucket/key" -> corrupt
}

func (f *fakeWalker) Walk(ctx context.Context, fn func(bucket, key string) error) error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	for _, k := range keys {
		b, key, _ := cut(k)
		if err := fn(b, key); err != nil {
			return err
		}
	}
	return nil
}

func cut(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func (f *fakeWalker) VerifyObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[bucket+"/"+key] {
		return storage.ErrChecksumMismatch
	}
	return nil
}

func (f *fakeWalker) Quarantine(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

func TestRunOnceCountsCorruption(t *testing.T) {
	fw := &fakeWalker{objects: map[string]bool{
		"b/good": false,
		"b/bad":  true,
		"b/ok":   false,
	}}
	s := New(Config{Concurrency: 2}, fw, nil, nil)
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	st := s.Stats()
	if st.Scanned != 3 || st.Corrupt != 1 || st.Cycles != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.LastRun.IsZero() {
		t.Fatal("last run not recorded")
	}
}

func TestScannerFeedsHealManager(t *testing.T) {
	ctx := context.Background()
	fw := &fakeWalker{objects: map[string]bool{"b/bad": true}}
	m, err := heal.Init(ctx, fw, nil, heal.Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("heal.Init: %v", err)
	}
	defer m.Stop(ctx)

	s := New(Config{}, fw, m, nil)
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().Quarantined == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("heal never quarantined: %+v", m.Stats())
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	fw := &fakeWalker{objects: map[string]bool{"b/k": false}}
	s := New(Config{Interval: time.Hour}, fw, nil, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Stats().Cycles == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Stats().Cycles == 0 {
		t.Fatal("initial cycle never ran")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if s.Stats().Running {
		t.Fatal("still running after Stop")
	}
}
