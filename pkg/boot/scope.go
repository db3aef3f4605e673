package boot

import (
	"context"
	"sync"
)

// CancellationScope is the root context every background subsystem observes.
// Cancelling it is the first step of shutdown and is safe to do more than
// once, from any goroutine.
type CancellationScope struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScope derives a scope from parent.
func NewScope(parent context.Context) *CancellationScope {
	ctx, cancel := context.WithCancel(parent)
	return &CancellationScope{ctx: ctx, cancel: cancel}
}

// Context returns the scope's context for handing to subsystems.
func (s *CancellationScope) Context() context.Context { return s.ctx }

// Cancel ends the scope. Idempotent.
func (s *CancellationScope) Cancel() {
	s.once.Do(s.cancel)
}

// Done exposes the scope's done channel.
func (s *CancellationScope) Done() <-chan struct{} { return s.ctx.Done() }
