// Package scan runs the periodic data scanner. Each cycle walks every object
// manifest, recomputes content hashes, and hands corrupt objects to the heal
// manager.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitfs/orbitfs/pkg/heal"
	"github.com/orbitfs/orbitfs/pkg/storage"
)

// Walker is the slice of the storage engine the scanner traverses.
type Walker interface {
	Walk(ctx context.Context, fn func(bucket, key string) error) error
	VerifyObject(ctx context.Context, bucket, key string) error
}

// Config tunes the scanner.
type Config struct {
	// Interval controls the cycle cadence. Values <= 0 default to an hour.
	Interval time.Duration
	// Concurrency controls parallel verification within a cycle. Values <= 0
	// default to 1.
	Concurrency int
}

// Stats captures scanner activity.
type Stats struct {
	Running   bool          `json:"running"`
	Scanned   uint64        `json:"scanned"`
	Corrupt   uint64        `json:"corrupt"`
	Errors    uint64        `json:"errors"`
	Cycles    uint64        `json:"cycles"`
	LastRun   time.Time     `json:"lastRun"`
	LastError string        `json:"lastError"`
	Uptime    time.Duration `json:"uptime"`
}

// Scanner walks object manifests on an interval. healer may be nil, in which
// case corruption is only counted and logged.
type Scanner struct {
	cfg    Config
	eng    Walker
	healer *heal.Manager
	log    *slog.Logger

	mu      sync.RWMutex
	start   time.Time
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	scanned   atomic.Uint64
	corrupt   atomic.Uint64
	errs      atomic.Uint64
	cycles    atomic.Uint64
	lastRun   atomic.Pointer[time.Time]
	lastError atomic.Pointer[string]
}

// New builds an idle scanner.
func New(cfg Config, eng Walker, healer *heal.Manager, log *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		eng:    eng,
		healer: healer,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background loop. The first cycle runs immediately.
func (s *Scanner) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scan: already running")
	}
	s.mu.Lock()
	s.start = time.Now()
	s.mu.Unlock()
	go s.loop(ctx)
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer func() {
		s.running.Store(false)
		close(s.doneCh)
	}()
	_ = s.runOnce(ctx)
	t := time.NewTimer(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			_ = s.runOnce(ctx)
			t.Reset(s.cfg.Interval)
		}
	}
}

// Stop requests shutdown and waits for the loop to exit or ctx to expire.
func (s *Scanner) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single synchronous cycle.
func (s *Scanner) RunOnce(ctx context.Context) error {
	return s.runOnce(ctx)
}

// Stats returns a snapshot of the counters.
func (s *Scanner) Stats() Stats {
	var lastRun time.Time
	if p := s.lastRun.Load(); p != nil {
		lastRun = *p
	}
	var lastErr string
	if e := s.lastError.Load(); e != nil {
		lastErr = *e
	}
	s.mu.RLock()
	start := s.start
	s.mu.RUnlock()
	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}
	return Stats{
		Running:   s.running.Load(),
		Scanned:   s.scanned.Load(),
		Corrupt:   s.corrupt.Load(),
		Errors:    s.errs.Load(),
		Cycles:    s.cycles.Load(),
		LastRun:   lastRun,
		LastError: lastErr,
		Uptime:    uptime,
	}
}

type target struct {
	bucket string
	key    string
}

func (s *Scanner) runOnce(ctx context.Context) error {
	jobs := make(chan target, 256)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				s.verify(ctx, j.bucket, j.key)
			}
		}()
	}

	walkErr := s.eng.Walk(ctx, func(bucket, key string) error {
		select {
		case jobs <- target{bucket: bucket, key: key}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(jobs)
	wg.Wait()

	now := time.Now()
	s.lastRun.Store(&now)
	s.cycles.Add(1)
	if walkErr != nil {
		msg := walkErr.Error()
		s.lastError.Store(&msg)
		s.errs.Add(1)
	}
	return walkErr
}

func (s *Scanner) verify(ctx context.Context, bucket, key string) {
	s.scanned.Add(1)
	err := s.eng.VerifyObject(ctx, bucket, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrChecksumMismatch):
		s.corrupt.Add(1)
		s.log.Warn("scan: corrupt object detected",
			slog.String("bucket", bucket),
			slog.String("key", key),
		)
		if s.healer != nil {
			if herr := s.healer.Enqueue(ctx, heal.Task{Bucket: bucket, Key: key, Reason: "scan"}); herr != nil {
				s.errs.Add(1)
				msg := herr.Error()
				s.lastError.Store(&msg)
			}
		}
	case errors.Is(err, storage.ErrObjectNotFound):
		// Deleted mid-cycle.
	default:
		s.errs.Add(1)
		msg := err.Error()
		s.lastError.Store(&msg)
	}
}
