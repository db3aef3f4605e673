package global

import (
	"errors"
	"sync"
	"testing"
)

func TestSlotGetBeforeSet(t *testing.T) {
	var s Slot[int]
	if _, err := s.Get(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if s.Ready() {
		t.Fatal("empty slot reported ready")
	}
}

func TestSlotSetTwiceKeepsFirstValue(t *testing.T) {
	var s Slot[string]
	if err := s.Set("first"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := s.Set("second"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	v, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "first" {
		t.Fatalf("expected first-set value to win, got %q", v)
	}
}

func TestSlotConcurrentSetExactlyOneWins(t *testing.T) {
	var s Slot[int]
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Set(i)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyInitialized) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful Set, got %d", ok)
	}
	if _, err := s.Get(); err != nil {
		t.Fatalf("get after concurrent set: %v", err)
	}
}

func TestSlotMustGetPanicsWhenEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from MustGet on empty slot")
		}
	}()
	var s Slot[int]
	_ = s.MustGet()
}
