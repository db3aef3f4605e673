// Package audit records API-level actions through the structured log. Entries
// are buffered and drained by a single writer goroutine so the request path
// never blocks on the log sink.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Entry is one audited action.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	User       string    `json:"user,omitempty"`
	Action     string    `json:"action"`
	Bucket     string    `json:"bucket,omitempty"`
	Key        string    `json:"key,omitempty"`
	Status     int       `json:"status"`
	Duration   int64     `json:"durationMs"`
}

// System buffers audit entries and writes them to the log.
type System struct {
	log *slog.Logger

	ch      chan Entry
	doneCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	once    sync.Once

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// New builds the system with the given buffer capacity; capacity <= 0
// defaults to 1024.
func New(log *slog.Logger, capacity int) *System {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &System{
		log:    log,
		ch:     make(chan Entry, capacity),
		doneCh: make(chan struct{}),
	}
}

// Start launches the writer goroutine. Entries recorded before Start sit in
// the buffer until the writer comes up.
func (s *System) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	go s.drain()
	return nil
}

// Record buffers an entry, assigning its ID and timestamp when unset. Entries
// are dropped rather than blocking when the buffer is full or the system has
// stopped.
func (s *System) Record(e Entry) {
	if s.stopped.Load() {
		s.dropped.Add(1)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Stop flushes buffered entries, waiting until the writer drains or ctx
// expires. Safe to call more than once.
func (s *System) Stop(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.ch)
		if !s.started.Load() {
			// No writer to wait for; the system was built but never started,
			// as happens when bootstrap aborts between stages 3 and 8.
			return
		}
		select {
		case <-s.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Stats reports recorded and dropped counts.
func (s *System) Stats() (recorded, dropped uint64) {
	return s.recorded.Load(), s.dropped.Load()
}

func (s *System) drain() {
	defer close(s.doneCh)
	for e := range s.ch {
		s.recorded.Add(1)
		s.log.Info("audit",
			slog.String("id", e.ID),
			slog.Time("time", e.Time),
			slog.String("remote", e.RemoteAddr),
			slog.String("user", e.User),
			slog.String("action", e.Action),
			slog.String("bucket", e.Bucket),
			slog.String("key", e.Key),
			slog.Int("status", e.Status),
			slog.Int64("durationMs", e.Duration),
		)
	}
}
