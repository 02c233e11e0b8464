package leads

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/leadsync/internal/model"
)

// DefaultDebounce is the search-as-you-type delay.
const DefaultDebounce = 300 * time.Millisecond

// Searching is what a Searcher queries.
type Searching interface {
	Search(ctx context.Context, query string) ([]model.Lead, error)
}

// Result is one delivered search outcome.
type Result struct {
	Query string
	Leads []model.Lead
	Err   error
}

// Searcher debounces queries and delivers only the result of the latest one.
// Results of superseded queries are discarded.
type Searcher struct {
	src     Searching
	delay   time.Duration
	deliver func(Result)

	mu      sync.Mutex
	gen     uint64
	timer   *time.Timer
	cancel  context.CancelFunc
	stopped bool
}

// NewSearcher creates a searcher delivering results to fn. A zero delay uses
// DefaultDebounce. fn must not call back into the Searcher.
func NewSearcher(src Searching, delay time.Duration, fn func(Result)) *Searcher {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Searcher{src: src, delay: delay, deliver: fn}
}

// Query schedules a search for q after the debounce delay, superseding any
// pending or in-flight search.
func (s *Searcher) Query(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.supersedeLocked()
	gen := s.gen

	if strings.TrimSpace(q) == "" {
		go s.finish(gen, Result{Query: q})
		return
	}
	s.timer = time.AfterFunc(s.delay, func() { s.run(gen, q) })
}

// Stop cancels pending work. Nothing is delivered after Stop returns.
func (s *Searcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supersedeLocked()
	s.stopped = true
}

func (s *Searcher) supersedeLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Searcher) run(gen uint64, q string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	leads, err := s.src.Search(ctx, q)
	cancel()
	s.finish(gen, Result{Query: q, Leads: leads, Err: err})
}

// finish delivers r under the lock so Stop cannot race a late delivery.
func (s *Searcher) finish(gen uint64, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped {
		return
	}
	s.deliver(r)
}
