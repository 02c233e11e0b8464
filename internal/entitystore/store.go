// Package entitystore provides the shared in-memory collection that every
// consumer of one entity type reads from.
package entitystore

import (
	"slices"
	"sync"
)

// Store caches one entity collection keyed by identity and notifies
// subscribers after every effective mutation. Listeners run on the mutating
// goroutine after the lock has been released, so they may read the store.
type Store[T any] struct {
	mu    sync.RWMutex
	id    func(T) string
	less  func(a, b T) bool
	items []T
	index map[string]int

	lmu       sync.Mutex
	listeners map[int]func()
	next      int

	changed chan struct{}
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithOrder keeps the collection sorted by less after every mutation.
func WithOrder[T any](less func(a, b T) bool) Option[T] {
	return func(s *Store[T]) {
		s.less = less
	}
}

// New creates an empty store. id returns the identity of an item.
func New[T any](id func(T) string, opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		id:        id,
		index:     make(map[string]int),
		listeners: make(map[int]func()),
		changed:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the identity of item.
func (s *Store[T]) ID(item T) string {
	return s.id(item)
}

// All returns a snapshot copy of the collection in order.
func (s *Store[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the item with the given identity.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.items[i], true
}

// Has reports whether an item with the given identity is present.
func (s *Store[T]) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of items.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ReplaceAll swaps in a new collection. Later duplicates of an identity win.
func (s *Store[T]) ReplaceAll(items []T) {
	s.mu.Lock()
	s.items = s.items[:0]
	s.index = make(map[string]int, len(items))
	for _, item := range items {
		id := s.id(item)
		if i, ok := s.index[id]; ok {
			s.items[i] = item
			continue
		}
		s.index[id] = len(s.items)
		s.items = append(s.items, item)
	}
	s.sortLocked()
	s.mu.Unlock()
	s.notify()
}

// Upsert inserts item if its identity is absent, else replaces it.
func (s *Store[T]) Upsert(item T) {
	s.mu.Lock()
	s.putLocked(item)
	s.mu.Unlock()
	s.notify()
}

// InsertIfAbsent inserts item only if its identity is not present. It
// returns false, without notifying, when the item was already there.
func (s *Store[T]) InsertIfAbsent(item T) bool {
	s.mu.Lock()
	if _, ok := s.index[s.id(item)]; ok {
		s.mu.Unlock()
		return false
	}
	s.putLocked(item)
	s.mu.Unlock()
	s.notify()
	return true
}

// Update applies fn to the item with the given identity and stores the
// result. It returns false if the item is absent.
func (s *Store[T]) Update(id string, fn func(T) T) (T, bool) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		var zero T
		return zero, false
	}
	item := fn(s.items[i])
	s.removeLocked(id)
	s.putLocked(item)
	s.mu.Unlock()
	s.notify()
	return item, true
}

// Remove deletes the item with the given identity. Removing an absent
// identity is a no-op and does not notify.
func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	if !s.removeLocked(id) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// Subscribe registers a listener invoked after every mutation.
func (s *Store[T]) Subscribe(listener func()) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = listener
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// Changed returns a coalescing signal channel: bursts of mutations between
// two reads produce a single wake-up.
func (s *Store[T]) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store[T]) putLocked(item T) {
	id := s.id(item)
	if i, ok := s.index[id]; ok {
		s.items[i] = item
	} else {
		s.index[id] = len(s.items)
		s.items = append(s.items, item)
	}
	s.sortLocked()
}

func (s *Store[T]) removeLocked(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	delete(s.index, id)
	for j := i; j < len(s.items); j++ {
		s.index[s.id(s.items[j])] = j
	}
	return true
}

func (s *Store[T]) sortLocked() {
	if s.less == nil {
		return
	}
	slices.SortStableFunc(s.items, func(a, b T) int {
		switch {
		case s.less(a, b):
			return -1
		case s.less(b, a):
			return 1
		}
		return 0
	})
	for i, item := range s.items {
		s.index[s.id(item)] = i
	}
}

func (s *Store[T]) notify() {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}

	select {
	case s.changed <- struct{}{}:
	default:
	}
}
