package session

import (
	"sync"
)

// Store holds the process-wide session state. Transition is the only way to
// change it.
type Store struct {
	mu    sync.Mutex
	state State
}

func NewStore() *Store {
	return &Store{state: State{Status: Disconnected}}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Transition applies ev and returns the new state. If publish is non-nil it
// runs before the lock is released, so everything published from it is
// ordered with respect to other transitions and to View callbacks.
func (s *Store) Transition(ev LifecycleEvent, publish func(prev, next State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = Next(prev, ev)
	next := s.state.Clone()
	if publish != nil {
		publish(prev.Clone(), next)
	}
	return next
}

// View runs fn with the current state while holding the lock. fn must not
// call back into the store.
func (s *Store) View(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state.Clone())
}
