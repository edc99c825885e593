package sidecar

import (
	"sync"
	"sync/atomic"
	"time"
)

// Process is a live OS process that can be killed.
type Process interface {
	PID() int
	Kill() error
}

// Child is the handle to one spawned sidecar. It is owned by State until
// taken, then by whoever took it.
type Child struct {
	proc      Process
	events    <-chan Event
	startedAt time.Time

	done   chan struct{} // closed when the output pump returns
	exited atomic.Bool   // pump saw Terminated
	killed atomic.Bool   // Kill was issued through the supervisor
}

func newChild(proc Process, events <-chan Event) *Child {
	return &Child{
		proc:      proc,
		events:    events,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// PID returns the OS process id
func (c *Child) PID() int {
	return c.proc.PID()
}

// StartedAt returns when the child was spawned
func (c *Child) StartedAt() time.Time {
	return c.startedAt
}

// Done is closed once the output pump for this child has returned.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Exited reports whether the child has terminated.
func (c *Child) Exited() bool {
	return c.exited.Load()
}

// State holds at most one child handle shared between the startup and
// teardown paths. Every method holds the lock only for the pointer
// read-modify-write; no I/O happens under it.
type State struct {
	mu    sync.Mutex
	child *Child
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Store records c. It returns false, leaving the state unchanged, if a
// child is already tracked.
func (s *State) Store(c *Child) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil {
		return false
	}
	s.child = c
	return true
}

// Take removes and returns the tracked child, or nil. Exactly one caller
// observes a given child.
func (s *State) Take() *Child {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.child
	s.child = nil
	return c
}

// TakeIf removes and returns the tracked child when pred reports true.
// pred runs under the lock and must not block.
func (s *State) TakeIf(pred func(*Child) bool) *Child {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child == nil || !pred(s.child) {
		return nil
	}
	c := s.child
	s.child = nil
	return c
}

// Peek returns the tracked child without taking ownership.
func (s *State) Peek() *Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}
