// Package global provides set-once slots for long-lived shared resources
// (parsed configuration, the database pool). A slot is written exactly once
// during bootstrap and read from anywhere afterwards; reading before the
// write or writing twice is a programming error and fails loudly instead of
// handing out a zero value.
package global

import (
	"errors"
	"sync"
)

// Errors returned by Slot.
var (
	ErrAlreadyInitialized = errors.New("global: slot already initialized")
	ErrNotInitialized     = errors.New("global: slot not initialized")
)

// Slot holds a single value with Empty -> Set as its only transition.
// The zero value is an empty slot ready for use. Once set, the value is
// immutable and may be read concurrently without further synchronization.
type Slot[T any] struct {
	mu  sync.RWMutex
	set bool
	v   T
}

// Set stores v. A second call returns ErrAlreadyInitialized and leaves the
// first value untouched.
func (s *Slot[T]) Set(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return ErrAlreadyInitialized
	}
	s.v = v
	s.set = true
	return nil
}

// Get returns the stored value, or ErrNotInitialized when Set has not been
// called yet.
func (s *Slot[T]) Get() (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		var zero T
		return zero, ErrNotInitialized
	}
	return s.v, nil
}

// MustGet returns the stored value and panics when the slot is empty.
// Reserved for call sites that run strictly after bootstrap.
func (s *Slot[T]) MustGet() T {
	v, err := s.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// Ready reports whether the slot has been set.
func (s *Slot[T]) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}
