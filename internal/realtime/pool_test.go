package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/leadsync/internal/entitystore"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openCall struct {
	identity string
	sub      feed.Subscription
}

// recordingTransport delegates to a hub and records every open.
type recordingTransport struct {
	hub   *feed.Hub
	mu    sync.Mutex
	opens []openCall
	fail  error
}

func (r *recordingTransport) Subscribe(ctx context.Context, identity string, sub feed.Subscription) (<-chan feed.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	r.opens = append(r.opens, openCall{identity: identity, sub: sub})
	return r.hub.Subscribe(ctx, identity, sub)
}

func (r *recordingTransport) calls() []openCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]openCall(nil), r.opens...)
}

func newTestPool(t *testing.T) (*Pool, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{hub: feed.NewHub(16)}
	p := NewPool(tr, nil, metrics.New(nil))
	t.Cleanup(p.Close)
	return p, tr
}

func publish(t *testing.T, hub *feed.Hub, table string, kind feed.Kind, row any) {
	t.Helper()
	var c feed.Change
	var err error
	if kind == feed.Delete {
		c, err = feed.NewChange(table, kind, nil, row)
	} else {
		c, err = feed.NewChange(table, kind, row, nil)
	}
	require.NoError(t, err)
	hub.Publish(c)
}

func TestPoolSharesOneChannel(t *testing.T) {
	p, tr := newTestPool(t)
	sub := feed.Subscription{Table: feed.TableMeetings}

	var mu sync.Mutex
	got := map[string]int{}
	handler := func(name string) Handler {
		return func(feed.Change) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		}
	}

	h1, err := p.Acquire(sub, handler("one"))
	require.NoError(t, err)
	h2, err := p.Acquire(sub, handler("two"))
	require.NoError(t, err)

	assert.Len(t, tr.calls(), 1, "second acquire must reuse the channel")
	assert.Equal(t, 2, p.Refs(sub))
	assert.Equal(t, 1, tr.hub.Subscribers())

	publish(t, tr.hub, feed.TableMeetings, feed.Insert, map[string]string{"id": "m1"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["one"] == 1 && got["two"] == 1
	}, time.Second, 5*time.Millisecond)

	h1.Release()
	h1.Release()
	assert.Equal(t, 1, p.Refs(sub), "double release must not drop another claim")
	assert.Equal(t, 1, p.Open())

	h2.Release()
	assert.Equal(t, 0, p.Open())
	require.Eventually(t, func() bool { return tr.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	// Reacquiring after the last release opens a fresh channel.
	h3, err := p.Acquire(sub, handler("three"))
	require.NoError(t, err)
	defer h3.Release()
	assert.Len(t, tr.calls(), 2)
}

func TestPoolDistinctSubscriptionsOpenSeparately(t *testing.T) {
	p, tr := newTestPool(t)
	a, err := p.Acquire(feed.Subscription{Table: feed.TableLeads}, func(feed.Change) {})
	require.NoError(t, err)
	defer a.Release()
	b, err := p.Acquire(feed.Subscription{Table: feed.TableActivities, Filter: &feed.Filter{Column: "lead_id", Value: "L1"}}, func(feed.Change) {})
	require.NoError(t, err)
	defer b.Release()

	assert.Len(t, tr.calls(), 2)
	assert.Equal(t, 2, p.Open())
}

func TestPoolIdentitySwitchReopens(t *testing.T) {
	p, tr := newTestPool(t)
	require.NoError(t, p.SetIdentity("agent-1"))

	sub := feed.Subscription{Table: feed.TableLeads, Filter: &feed.Filter{Column: "agent_id", Value: feed.IdentityToken}}
	received := make(chan string, 10)
	h, err := p.Acquire(sub, func(c feed.Change) { received <- string(c.New) })
	require.NoError(t, err)
	defer h.Release()

	calls := tr.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "agent-1", calls[0].identity)
	assert.Equal(t, "agent-1", calls[0].sub.Filter.Value)

	require.NoError(t, p.SetIdentity("agent-2"))
	calls = tr.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "agent-2", calls[1].identity)
	assert.Equal(t, "agent-2", calls[1].sub.Filter.Value)
	require.Eventually(t, func() bool { return tr.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	// Same identity again is a no-op.
	require.NoError(t, p.SetIdentity("agent-2"))
	assert.Len(t, tr.calls(), 2)

	publish(t, tr.hub, feed.TableLeads, feed.Insert, map[string]string{"id": "x", "agent_id": "agent-1"})
	publish(t, tr.hub, feed.TableLeads, feed.Insert, map[string]string{"id": "y", "agent_id": "agent-2"})
	select {
	case row := <-received:
		assert.Contains(t, row, `"y"`, "only rows for the new identity arrive")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	assert.Equal(t, 1, p.Refs(sub), "handlers survive the reopen")
}

func TestPoolAcquireError(t *testing.T) {
	p, tr := newTestPool(t)
	tr.fail = errors.New("offline")
	_, err := p.Acquire(feed.Subscription{Table: feed.TableLeads}, func(feed.Change) {})
	require.Error(t, err)
	assert.Equal(t, 0, p.Open())
}

func TestPoolOpenChannelsGauge(t *testing.T) {
	tr := &recordingTransport{hub: feed.NewHub(4)}
	m := metrics.New(nil)
	p := NewPool(tr, nil, m)
	h, err := p.Acquire(feed.Subscription{Table: feed.TableLeads}, func(feed.Change) {})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenChannels.WithLabelValues(feed.TableLeads)))
	h.Release()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenChannels.WithLabelValues(feed.TableLeads)))
}

// gatedTransport blocks opens of one table until gate is closed.
type gatedTransport struct {
	*recordingTransport
	table string
	gate  chan struct{}
}

func (g *gatedTransport) Subscribe(ctx context.Context, identity string, sub feed.Subscription) (<-chan feed.Change, error) {
	if sub.Table == g.table {
		<-g.gate
	}
	return g.recordingTransport.Subscribe(ctx, identity, sub)
}

func TestPoolSlowOpenDoesNotStallDelivery(t *testing.T) {
	tr := &gatedTransport{recordingTransport: &recordingTransport{hub: feed.NewHub(16)}, table: "slow", gate: make(chan struct{})}
	p := NewPool(tr, nil, metrics.New(nil))
	t.Cleanup(p.Close)

	received := make(chan string, 4)
	h, err := p.Acquire(feed.Subscription{Table: feed.TableLeads}, func(c feed.Change) { received <- string(c.New) })
	require.NoError(t, err)
	defer h.Release()

	opened := make(chan error, 1)
	go func() {
		slow, err := p.Acquire(feed.Subscription{Table: "slow"}, func(feed.Change) {})
		if err == nil {
			defer slow.Release()
		}
		opened <- err
	}()

	publish(t, tr.hub, feed.TableLeads, feed.Insert, map[string]string{"id": "while-opening"})
	select {
	case row := <-received:
		assert.Contains(t, row, "while-opening")
	case <-time.After(time.Second):
		t.Fatal("delivery stalled behind a slow open")
	}
	assert.Equal(t, 1, p.Open(), "opening channel is not counted as open")

	close(tr.gate)
	require.NoError(t, <-opened)
}

// closingTransport hands out channels the test can close.
type closingTransport struct {
	mu    sync.Mutex
	outs  []chan feed.Change
	opens int
}

func (c *closingTransport) Subscribe(ctx context.Context, _ string, _ feed.Subscription) (<-chan feed.Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(chan feed.Change, 1)
	c.outs = append(c.outs, out)
	c.opens++
	return out, nil
}

func (c *closingTransport) closeLast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.outs[len(c.outs)-1])
}

func (c *closingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func TestPoolAcquireRevivesClosedChannel(t *testing.T) {
	tr := &closingTransport{}
	p := NewPool(tr, nil, metrics.New(nil))
	t.Cleanup(p.Close)
	sub := feed.Subscription{Table: feed.TableMeetings}

	h1, err := p.Acquire(sub, func(feed.Change) {})
	require.NoError(t, err)
	defer h1.Release()
	require.Equal(t, 1, tr.count())

	tr.closeLast()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.channels[sub.Key()].dead
	}, time.Second, 5*time.Millisecond)

	h2, err := p.Acquire(sub, func(feed.Change) {})
	require.NoError(t, err)
	defer h2.Release()
	assert.Equal(t, 2, tr.count(), "acquire reopens a channel the transport closed")
	assert.Equal(t, 2, p.Refs(sub))
}

func TestPoolIdentitySwitchDuringOpen(t *testing.T) {
	tr := &gatedTransport{recordingTransport: &recordingTransport{hub: feed.NewHub(16)}, table: feed.TableLeads, gate: make(chan struct{})}
	p := NewPool(tr, nil, metrics.New(nil))
	t.Cleanup(p.Close)
	require.NoError(t, p.SetIdentity("agent-1"))

	sub := feed.Subscription{Table: feed.TableLeads, Filter: &feed.Filter{Column: "agent_id", Value: feed.IdentityToken}}
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(sub, func(feed.Change) {})
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Refs(sub) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.SetIdentity("agent-2"))
	close(tr.gate)
	require.NoError(t, <-done)

	calls := tr.calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "agent-2", calls[len(calls)-1].identity, "channel ends on the newest identity")
	require.Eventually(t, func() bool { return tr.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
}

type row struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func rowID(r row) string { return r.ID }

func TestReconcileDedupesOptimisticInsert(t *testing.T) {
	store := entitystore.New(rowID)
	m := metrics.New(nil)
	var inserted []string
	h := Reconcile(store, ReconcileOptions[row]{
		Metrics:  m,
		OnInsert: func(r row) { inserted = append(inserted, r.ID) },
	})

	// The session wrote "a" optimistically before its echo arrives.
	store.Upsert(row{ID: "a", Value: "local"})

	mk := func(kind feed.Kind, r row) feed.Change {
		var c feed.Change
		var err error
		if kind == feed.Delete {
			c, err = feed.NewChange("t", kind, nil, r)
		} else {
			c, err = feed.NewChange("t", kind, r, nil)
		}
		require.NoError(t, err)
		return c
	}

	h(mk(feed.Insert, row{ID: "a", Value: "echo"}))
	h(mk(feed.Insert, row{ID: "b", Value: "remote"}))

	require.Equal(t, 2, store.Len())
	a, _ := store.Get("a")
	assert.Equal(t, "local", a.Value, "echo insert must not overwrite")
	assert.Equal(t, []string{"b"}, inserted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedDeduped.WithLabelValues("t")))

	h(mk(feed.Update, row{ID: "a", Value: "updated"}))
	a, _ = store.Get("a")
	assert.Equal(t, "updated", a.Value)

	h(mk(feed.Delete, row{ID: "b"}))
	h(mk(feed.Delete, row{ID: "b"}))
	assert.False(t, store.Has("b"))
	assert.Equal(t, 1, store.Len())

	h(feed.Change{Table: "t", Kind: feed.Insert, New: []byte("{bad")})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedDecodeErrors.WithLabelValues("t")))
	assert.Equal(t, 1, store.Len())
}

func TestPoolFeedsReconcile(t *testing.T) {
	p, tr := newTestPool(t)
	store := entitystore.New(rowID)
	h, err := p.Acquire(feed.Subscription{Table: "things"}, Reconcile(store, ReconcileOptions[row]{}))
	require.NoError(t, err)
	defer h.Release()

	publish(t, tr.hub, "things", feed.Insert, row{ID: "1"})
	publish(t, tr.hub, "things", feed.Insert, row{ID: "2"})
	publish(t, tr.hub, "things", feed.Delete, row{ID: "1"})

	require.Eventually(t, func() bool {
		return store.Len() == 1 && store.Has("2")
	}, time.Second, 5*time.Millisecond)
}
