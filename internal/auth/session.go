// Package auth tracks the signed-in identity of the running session.
package auth

import (
	"slices"
	"sync"
	"time"
)

// Change is delivered to listeners when the identity switches.
type Change struct {
	From string
	To   string
	At   time.Time
}

// Session holds the current identity (an agent ID) and notifies listeners
// when it changes. The zero identity means signed out.
type Session struct {
	// notify serializes a switch with its listener calls, so listeners see
	// changes one at a time and in the order they were applied.
	notify    sync.Mutex
	mu        sync.RWMutex
	identity  string
	listeners map[int]func(Change)
	next      int
}

// NewSession creates a session signed in as identity ("" for signed out).
func NewSession(identity string) *Session {
	return &Session{
		identity:  identity,
		listeners: make(map[int]func(Change)),
	}
}

// Identity returns the current identity.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SignedIn reports whether an identity is set.
func (s *Session) SignedIn() bool {
	return s.Identity() != ""
}

// SignIn switches to identity. Signing in as the current identity is a no-op.
func (s *Session) SignIn(identity string) {
	s.set(identity)
}

// SignOut clears the identity.
func (s *Session) SignOut() {
	s.set("")
}

// OnChange registers fn for identity changes and returns its remover.
// Listeners may read the session but must not call SignIn or SignOut.
func (s *Session) OnChange(fn func(Change)) (remove func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) set(identity string) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	if s.identity == identity {
		s.mu.Unlock()
		return
	}
	change := Change{From: s.identity, To: identity, At: time.Now()}
	s.identity = identity
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
