package boot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func namedStage(name string, order *[]string, err error) Stage {
	return Stage{
		Name: name,
		Run: func(context.Context) error {
			*order = append(*order, name)
			return err
		},
	}
}

func TestSequencerRunsStagesInOrder(t *testing.T) {
	var order []string
	seq := NewSequencer(discardLogger())
	err := seq.Run(context.Background(), []Stage{
		namedStage("one", &order, nil),
		namedStage("two", &order, nil),
		namedStage("three", &order, nil),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(order, ","); got != "one,two,three" {
		t.Fatalf("stage order = %q", got)
	}
}

func TestSequencerStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	var order []string
	seq := NewSequencer(discardLogger())
	err := seq.Run(context.Background(), []Stage{
		namedStage("one", &order, nil),
		namedStage("two", &order, boom),
		namedStage("three", &order, nil),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), `"two"`) {
		t.Fatalf("error should name the failing stage: %v", err)
	}
	if got := strings.Join(order, ","); got != "one,two" {
		t.Fatalf("stages run = %q, later stages must not run after a failure", got)
	}
}

func TestSequencerHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var order []string
	seq := NewSequencer(discardLogger())
	err := seq.Run(ctx, []Stage{namedStage("one", &order, nil)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(order) != 0 {
		t.Fatal("no stage should run under a cancelled context")
	}
}
