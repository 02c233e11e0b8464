package leads

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/leadsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSearch struct {
	mu      sync.Mutex
	queries []string
}

func (c *countingSearch) Search(_ context.Context, q string) ([]model.Lead, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q)
	c.mu.Unlock()
	return []model.Lead{{ID: q}}, nil
}

func (c *countingSearch) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

func TestSearcherDebouncesToLatestQuery(t *testing.T) {
	src := &countingSearch{}
	results := make(chan Result, 10)
	s := NewSearcher(src, 30*time.Millisecond, func(r Result) { results <- r })
	defer s.Stop()

	s.Query("r")
	s.Query("ra")
	s.Query("rav")

	select {
	case r := <-results:
		assert.Equal(t, "rav", r.Query)
		require.Len(t, r.Leads, 1)
		assert.Equal(t, "rav", r.Leads[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
	assert.Equal(t, []string{"rav"}, src.calls(), "superseded queries never reach the backend")

	select {
	case r := <-results:
		t.Fatalf("unexpected extra result %+v", r)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSearcherBlankQueryClears(t *testing.T) {
	src := &countingSearch{}
	results := make(chan Result, 10)
	s := NewSearcher(src, 30*time.Millisecond, func(r Result) { results <- r })
	defer s.Stop()

	s.Query("ravi")
	s.Query("  ")

	select {
	case r := <-results:
		assert.Empty(t, r.Leads)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, src.calls())
}

func TestSearcherStopDiscardsPending(t *testing.T) {
	src := &countingSearch{}
	results := make(chan Result, 10)
	s := NewSearcher(src, 20*time.Millisecond, func(r Result) { results <- r })

	s.Query("ravi")
	s.Stop()
	s.Query("meera")

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, results)
	assert.Empty(t, src.calls())
}
