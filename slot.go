package floodmap

import (
	"context"
	"sync"
)

// A Slot holds the value currently displayed for one logical layer. Each load
// takes a token from Begin and installs its result with Install. Only the
// most recently issued token can install, so a slow stale load never
// overwrites a newer one.
type Slot[T any] struct {
	mutex      sync.Mutex
	token      uint64
	cancel     context.CancelFunc
	current    T
	hasCurrent bool
	release    func(T)
}

// NewSlot returns a new Slot. release, if not nil, is called with every value
// that is replaced, cleared, or discarded as stale.
func NewSlot[T any](release func(T)) *Slot[T] {
	return &Slot[T]{
		release: release,
	}
}

// Begin starts a new load, canceling the context of any load in progress. It
// returns the context for the new load and its token.
func (s *Slot[T]) Begin(ctx context.Context) (context.Context, uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.token++
	ctx, s.cancel = context.WithCancel(ctx)
	return ctx, s.token
}

// Install makes value current if token is the latest issued token, releasing
// the previous value. Otherwise value is released and Install returns false.
func (s *Slot[T]) Install(token uint64, value T) bool {
	s.mutex.Lock()
	if token != s.token {
		s.mutex.Unlock()
		s.releaseValue(value)
		return false
	}
	previous, hadPrevious := s.current, s.hasCurrent
	s.current, s.hasCurrent = value, true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mutex.Unlock()
	if hadPrevious {
		s.releaseValue(previous)
	}
	return true
}

// Clear cancels any load in progress and releases the current value.
func (s *Slot[T]) Clear() {
	s.mutex.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.token++
	previous, hadPrevious := s.current, s.hasCurrent
	var zero T
	s.current, s.hasCurrent = zero, false
	s.mutex.Unlock()
	if hadPrevious {
		s.releaseValue(previous)
	}
}

// Current returns the current value.
func (s *Slot[T]) Current() (T, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current, s.hasCurrent
}

// Latest returns whether token is the most recently issued token.
func (s *Slot[T]) Latest(token uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return token == s.token
}

func (s *Slot[T]) releaseValue(value T) {
	if s.release != nil {
		s.release(value)
	}
}
