package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRecordFlushesOnStop(t *testing.T) {
	buf := &syncBuffer{}
	log := slog.New(slog.NewJSONHandler(buf, nil))
	s := New(log, 16)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Record(Entry{Action: "PutObject", Bucket: "b", Key: "k", Status: 200})
	s.Record(Entry{Action: "DeleteObject", Bucket: "b", Key: "k", Status: 204})

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	recorded, dropped := s.Stats()
	if recorded != 2 || dropped != 0 {
		t.Fatalf("recorded=%d dropped=%d", recorded, dropped)
	}
	out := buf.String()
	if !strings.Contains(out, "PutObject") || !strings.Contains(out, "DeleteObject") {
		t.Fatalf("entries missing from log: %s", out)
	}
}

func TestRecordAssignsIDs(t *testing.T) {
	buf := &syncBuffer{}
	s := New(slog.New(slog.NewJSONHandler(buf, nil)), 4)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Record(Entry{Action: "ListBuckets"})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !strings.Contains(buf.String(), `"id":"`) {
		t.Fatalf("entry missing id: %s", buf.String())
	}
}

func TestStopWithoutStartReturnsPromptly(t *testing.T) {
	s := New(nil, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop without Start: %v", err)
	}
}

func TestEntriesBufferedBeforeStartAreDrained(t *testing.T) {
	buf := &syncBuffer{}
	s := New(slog.New(slog.NewJSONHandler(buf, nil)), 4)

	s.Record(Entry{Action: "MakeBucket", Bucket: "b"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	recorded, dropped := s.Stats()
	if recorded != 1 || dropped != 0 {
		t.Fatalf("recorded=%d dropped=%d", recorded, dropped)
	}
	if !strings.Contains(buf.String(), "MakeBucket") {
		t.Fatalf("buffered entry missing from log: %s", buf.String())
	}
}

func TestStopIdempotentAndDropsAfter(t *testing.T) {
	s := New(nil, 4)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	s.Record(Entry{Action: "PutObject"})
	if _, dropped := s.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
}
