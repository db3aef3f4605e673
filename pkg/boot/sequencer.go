package boot

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Stage is one named step of the bootstrap sequence.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sequencer runs stages strictly in order and stops at the first failure.
// There is no partial-progress recovery: a failed stage aborts the whole
// sequence and the caller tears down whatever did start.
type Sequencer struct {
	log *slog.Logger
}

// NewSequencer builds a sequencer logging to log.
func NewSequencer(log *slog.Logger) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{log: log}
}

// Run executes the stages in order. The returned error wraps the failing
// stage's name; later stages never run after a failure.
func (s *Sequencer) Run(ctx context.Context, stages []Stage) error {
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("bootstrap cancelled before stage %q: %w", st.Name, err)
		}
		start := time.Now()
		if err := st.Run(ctx); err != nil {
			s.log.Error("bootstrap stage failed",
				slog.Int("stage", i+1),
				slog.String("name", st.Name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
		s.log.Info("bootstrap stage complete",
			slog.Int("stage", i+1),
			slog.String("name", st.Name),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
}
