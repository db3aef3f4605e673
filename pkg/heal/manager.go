// Package heal runs the background heal manager: a bounded task queue and a
// pool of workers that verify flagged objects against their manifests and
// quarantine the ones that fail.
package heal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitfs/orbitfs/pkg/storage"
)

// Verifier is the slice of the storage engine the manager acts on.
type Verifier interface {
	VerifyObject(ctx context.Context, bucket, key string) error
	Quarantine(ctx context.Context, bucket, key string) error
}

// Options tunes the manager.
type Options struct {
	// QueueSize bounds the pending task queue. Values <= 0 default to 1024.
	QueueSize int

	// Concurrency controls the number of worker goroutines. Values <= 0
	// default to 2.
	Concurrency int

	// PollInterval is how often a paused worker re-checks its pause flag.
	// Values <= 0 default to 200ms.
	PollInterval time.Duration
}

// Stats reports the manager's status and counters.
type Stats struct {
	Running     bool      `json:"running"`
	Paused      bool      `json:"paused"`
	Processed   uint64    `json:"processed"`
	Healthy     uint64    `json:"healthy"`
	Quarantined uint64    `json:"quarantined"`
	Failed      uint64    `json:"failed"`
	QueueLen    int       `json:"queueLen"`
	LastError   string    `json:"lastError"`
	Started     time.Time `json:"started"`
	Updated     time.Time `json:"updated"`
}

// Manager consumes heal tasks and executes verification.
type Manager struct {
	eng  Verifier
	log  *slog.Logger
	opts Options
	q    *queue

	wg   sync.WaitGroup
	stop context.CancelFunc

	running atomic.Bool
	paused  atomic.Bool

	processed   atomic.Uint64
	healthy     atomic.Uint64
	quarantined atomic.Uint64
	failed      atomic.Uint64

	started time.Time

	mu      sync.Mutex
	lastErr string
}

// Init builds the manager and starts its workers. The workers run until
// Stop is called or ctx is cancelled.
func Init(ctx context.Context, eng Verifier, log *slog.Logger, opts Options) (*Manager, error) {
	if eng == nil {
		return nil, errors.New("heal: nil storage engine")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	m := &Manager{
		eng:  eng,
		log:  log,
		opts: opts,
		q:    newQueue(opts.QueueSize),
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.started = time.Now().UTC()
	m.running.Store(true)
	for i := 0; i < opts.Concurrency; i++ {
		m.wg.Add(1)
		go m.loop(ctx)
	}
	return m, nil
}

// Enqueue submits a task. Blocks while the queue is full; fails once the
// manager has stopped.
func (m *Manager) Enqueue(ctx context.Context, t Task) error {
	if t.Discovered.IsZero() {
		t.Discovered = time.Now().UTC()
	}
	return m.q.Enqueue(ctx, t)
}

// Pause stops consumption until Resume. In-flight tasks finish.
func (m *Manager) Pause() { m.paused.Store(true) }

// Resume lifts a pause.
func (m *Manager) Resume() { m.paused.Store(false) }

// Stop shuts the workers down, waiting until they exit or ctx expires.
// Safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.running.Swap(false) {
		return nil
	}
	m.q.Close()
	m.stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Running:     m.running.Load(),
		Paused:      m.paused.Load(),
		Processed:   m.processed.Load(),
		Healthy:     m.healthy.Load(),
		Quarantined: m.quarantined.Load(),
		Failed:      m.failed.Load(),
		QueueLen:    m.q.Len(),
		Started:     m.started,
		Updated:     time.Now().UTC(),
	}
	m.mu.Lock()
	st.LastError = m.lastErr
	m.mu.Unlock()
	return st
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if m.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		t, err := m.q.Dequeue(ctx)
		if err != nil {
			return
		}
		m.process(ctx, t)
	}
}

func (m *Manager) process(ctx context.Context, t Task) {
	m.processed.Add(1)
	err := m.eng.VerifyObject(ctx, t.Bucket, t.Key)
	switch {
	case err == nil:
		m.healthy.Add(1)
	case errors.Is(err, storage.ErrChecksumMismatch):
		if qerr := m.eng.Quarantine(ctx, t.Bucket, t.Key); qerr != nil {
			m.failed.Add(1)
			m.setLastErr(qerr)
			m.log.Error("heal: quarantine corrupt object",
				slog.String("bucket", t.Bucket),
				slog.String("key", t.Key),
				slog.String("error", qerr.Error()),
			)
			return
		}
		m.quarantined.Add(1)
		m.log.Warn("heal: quarantined corrupt object",
			slog.String("bucket", t.Bucket),
			slog.String("key", t.Key),
			slog.String("reason", t.Reason),
		)
	case errors.Is(err, storage.ErrObjectNotFound):
		// Deleted between detection and heal, nothing to do.
		m.healthy.Add(1)
	default:
		m.failed.Add(1)
		m.setLastErr(err)
		m.log.Error("heal: verify object",
			slog.String("bucket", t.Bucket),
			slog.String("key", t.Key),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}
