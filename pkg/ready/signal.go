// Package ready provides a one-shot, process-wide readiness broadcast.
// A producer publishes at most once per Signal; consumers subscribe
// before or after publication. Late subscribers are notified immediately,
// which is what resolves the startup race between content loading and
// notification scheduling without either side referencing the other.
package ready

import "sync"

// Signal is a one-shot broadcast. The zero value is not usable; call New.
type Signal struct {
	mu        sync.Mutex
	done      chan struct{}
	published bool
	callbacks []func()
}

// New creates an unpublished Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Publish marks the signal ready and invokes all pending callbacks in
// registration order, exactly once each. Subsequent calls are no-ops.
func (s *Signal) Publish() {
	s.mu.Lock()
	if s.published {
		s.mu.Unlock()
		return
	}
	s.published = true
	callbacks := s.callbacks
	s.callbacks = nil
	close(s.done)
	s.mu.Unlock()

	// Callbacks run outside the lock so they may subscribe or inspect
	// the signal without deadlocking.
	for _, fn := range callbacks {
		fn()
	}
}

// Subscribe registers fn to run once the signal is published. If the
// signal has already been published, fn runs immediately on the calling
// goroutine.
func (s *Signal) Subscribe(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.published {
		s.mu.Unlock()
		fn()
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Published reports whether Publish has been called.
func (s *Signal) Published() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Done returns a channel closed on publication, for select-based waits.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
