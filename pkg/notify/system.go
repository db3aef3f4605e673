// Package notify implements the event-notification system: a routing table
// of per-bucket rules, a set of delivery targets, and a dispatch loop fed by
// the storage engine's event sink.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orbitfs/orbitfs/pkg/topology"
)

// Event is a normalized object-mutation event ready for delivery.
type Event struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Bucket string    `json:"bucket"`
	Key    string    `json:"key"`
	Size   int64     `json:"size,omitempty"`
	ETag   string    `json:"etag,omitempty"`
	Region string    `json:"region,omitempty"`
	Time   time.Time `json:"time"`
}

// Target delivers events to one destination.
type Target interface {
	ID() TargetID
	Send(ctx context.Context, ev Event) error
	Close() error
}

// ErrTargetUnknown is returned by AddRules when a rule references a target
// that was never registered.
var ErrTargetUnknown = errors.New("notify: target not registered")

// ErrShutdown is returned when publishing to a stopped system.
var ErrShutdown = errors.New("notify: system stopped")

// System is the global notification router. One instance per process,
// created during bootstrap after the storage engine is up.
type System struct {
	log *slog.Logger

	mu      sync.RWMutex
	rules   map[string][]Rule // bucket -> rules
	regions map[string]string // bucket -> region recorded with its rules
	targets map[TargetID]Target

	ch      chan Event
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

// NewSystem builds the router and starts its dispatch loop. The topology is
// only used for sizing the dispatch buffer; routing itself is disk-agnostic.
func NewSystem(topo *topology.Topology, log *slog.Logger) (*System, error) {
	if log == nil {
		log = slog.Default()
	}
	buf := 256
	if topo != nil && topo.DrivesPerSet > 0 {
		buf = 256 * topo.DrivesPerSet
	}
	s := &System{
		log:     log,
		rules:   make(map[string][]Rule),
		regions: make(map[string]string),
		targets: make(map[TargetID]Target),
		ch:      make(chan Event, buf),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// RegisterTarget adds a delivery target. Registering the same TargetID twice
// replaces the previous target after closing it.
func (s *System) RegisterTarget(t Target) error {
	if t == nil {
		return errors.New("notify: nil target")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.targets[t.ID()]; ok {
		_ = prev.Close()
	}
	s.targets[t.ID()] = t
	return nil
}

// HasTarget reports whether a target is registered under id.
func (s *System) HasTarget(id TargetID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.targets[id]
	return ok
}

// AddRules installs routing rules for a bucket. Every rule's target must be
// registered; otherwise the whole call fails and the bucket's existing rules
// are left unchanged.
func (s *System) AddRules(ctx context.Context, bucket, region string, rules []Rule) error {
	if s.stopped.Load() {
		return ErrShutdown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		if _, ok := s.targets[r.Target]; !ok {
			return fmt.Errorf("%w: %s (bucket %q)", ErrTargetUnknown, r.Target, bucket)
		}
	}
	s.rules[bucket] = append(s.rules[bucket], rules...)
	s.regions[bucket] = region
	return nil
}

// RulesFor returns a snapshot of the rules installed for a bucket.
func (s *System) RulesFor(bucket string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules[bucket]))
	copy(out, s.rules[bucket])
	return out
}

// Publish enqueues an event for dispatch. It never blocks the caller: when
// the buffer is full or the system is stopped the event is counted as
// dropped.
func (s *System) Publish(ev Event) {
	if s.stopped.Load() {
		s.dropped.Add(1)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Stats reports delivery counters.
func (s *System) Stats() (delivered, dropped, failures uint64) {
	return s.delivered.Load(), s.dropped.Load(), s.failures.Load()
}

// Shutdown stops the dispatch loop, waits for it to drain within ctx, and
// closes every target. Safe to call more than once.
func (s *System) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.ch)
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.mu.Lock()
		for _, t := range s.targets {
			if cerr := t.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.mu.Unlock()
	})
	return err
}

func (s *System) dispatch() {
	defer close(s.done)
	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *System) deliver(ev Event) {
	s.mu.RLock()
	rules := s.rules[ev.Bucket]
	if ev.Region == "" {
		ev.Region = s.regions[ev.Bucket]
	}
	matched := make([]Target, 0, len(rules))
	for _, r := range rules {
		if r.Matches(ev.Type, ev.Key) {
			if t, ok := s.targets[r.Target]; ok {
				matched = append(matched, t)
			}
		}
	}
	s.mu.RUnlock()

	for _, t := range matched {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.Send(ctx, ev); err != nil {
			s.failures.Add(1)
			s.log.Error("notify: deliver event",
				slog.String("target", t.ID().String()),
				slog.String("bucket", ev.Bucket),
				slog.String("error", err.Error()),
			)
		} else {
			s.delivered.Add(1)
		}
		cancel()
	}
}

// LogTarget writes events to the structured log. It is always available and
// is the default target in development configurations.
type LogTarget struct {
	id  TargetID
	log *slog.Logger
}

// NewLogTarget builds a log-backed target.
func NewLogTarget(id TargetID, log *slog.Logger) *LogTarget {
	if log == nil {
		log = slog.Default()
	}
	return &LogTarget{id: id, log: log}
}

func (t *LogTarget) ID() TargetID { return t.id }

func (t *LogTarget) Send(ctx context.Context, ev Event) error {
	t.log.Info("bucket event",
		slog.String("target", t.id.String()),
		slog.String("event", ev.Type),
		slog.String("bucket", ev.Bucket),
		slog.String("key", ev.Key),
		slog.String("id", ev.ID),
	)
	return nil
}

func (t *LogTarget) Close() error { return nil }

// WebhookTarget POSTs events as JSON to an HTTP endpoint.
type WebhookTarget struct {
	id     TargetID
	url    string
	client *http.Client
}

// NewWebhookTarget builds a webhook target. client may be nil.
func NewWebhookTarget(id TargetID, url string, client *http.Client) *WebhookTarget {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookTarget{id: id, url: url, client: client}
}

func (t *WebhookTarget) ID() TargetID { return t.id }

func (t *WebhookTarget) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook %q returned %d", t.url, resp.StatusCode)
	}
	return nil
}

func (t *WebhookTarget) Close() error { return nil }
