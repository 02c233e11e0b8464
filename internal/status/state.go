// Package status tracks the daemon's readiness as seen by ops checks.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// State represents a daemon runtime state.
type State string

const (
	Booting   State = "BOOTING"
	SignedOut State = "SIGNED_OUT"
	Syncing   State = "SYNCING"
	Ready     State = "READY"
	Degraded  State = "DEGRADED"
	Error     State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:   {SignedOut, Syncing, Error},
	SignedOut: {Syncing, Error},
	Syncing:   {Ready, Degraded, SignedOut, Error},
	Ready:     {Syncing, Degraded, SignedOut, Error},
	Degraded:  {Syncing, Ready, SignedOut, Error},
	Error:     {Booting},
}

// Healthy reports whether ops checks should pass in s.
func (s State) Healthy() bool {
	return s != Degraded && s != Error
}

// Change is delivered to listeners after a transition.
type Change struct {
	From State
	To   State
	At   time.Time
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	listeners []func(Change)
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine() *Machine {
	return &Machine{current: Booting}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers fn for every transition. Listeners run after the lock
// is released.
func (m *Machine) OnChange(fn func(Change)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Moving to the current state is
// a no-op. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	c := Change{From: m.current, To: to, At: time.Now()}
	m.current = to
	fns := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
	return nil
}
