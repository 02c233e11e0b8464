// Package realtime shares backend change-feed channels between consumers and
// merges their events into entity stores.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/metrics"
	"go.uber.org/zap"
)

// Handler receives changes for one acquired subscription.
type Handler func(feed.Change)

// Pool keeps exactly one live transport subscription per subscription key
// for the current identity, no matter how many consumers hold a Handle.
// Transport opens run without the pool lock held, so a slow backend never
// stalls delivery on channels that are already open.
type Pool struct {
	transport feed.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// switching serializes identity switches.
	switching sync.Mutex

	mu       sync.Mutex
	identity string
	channels map[string]*channel
}

type channel struct {
	key      string
	sub      feed.Subscription
	handlers map[int]Handler
	order    []int
	next     int
	cancel   context.CancelFunc
	gen      int
	// opening is closed once the first open settles.
	opening chan struct{}
	// dead is set when the transport closed the current generation.
	dead bool
}

// Handle is one consumer's claim on a shared channel.
type Handle struct {
	pool *Pool
	key  string
	id   int
	once sync.Once
}

// NewPool creates a pool over the given transport.
func NewPool(t feed.Transport, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		transport: t,
		logger:    logger,
		metrics:   m,
		channels:  make(map[string]*channel),
	}
}

// Identity returns the identity channels are opened under.
func (p *Pool) Identity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Acquire registers h for changes matching sub. The first acquire of a key
// opens the backend channel; concurrent acquires of that key wait for it.
// Acquiring a channel the transport has closed reopens it.
func (p *Pool) Acquire(sub feed.Subscription, h Handler) (*Handle, error) {
	key := sub.Key()
	for {
		p.mu.Lock()
		ch, ok := p.channels[key]
		if ok && ch.opening != nil {
			wait := ch.opening
			p.mu.Unlock()
			<-wait
			continue
		}
		if ok {
			id := ch.add(h)
			dead := ch.dead
			p.mu.Unlock()
			if dead {
				if err := p.connect(ch); err != nil {
					p.logger.Warn("revive feed channel", zap.String("key", key), zap.Error(err))
				}
			}
			return &Handle{pool: p, key: key, id: id}, nil
		}

		ch = &channel{key: key, sub: sub, handlers: make(map[int]Handler), opening: make(chan struct{})}
		id := ch.add(h)
		p.channels[key] = ch
		p.mu.Unlock()

		err := p.connect(ch)

		p.mu.Lock()
		done := ch.opening
		ch.opening = nil
		live := p.channels[key] == ch
		switch {
		case err != nil:
			if live {
				delete(p.channels, key)
			}
		case !live:
			err = fmt.Errorf("subscribe %s: pool closed", sub.Table)
		default:
			p.gaugeAdd(sub.Table, 1)
		}
		p.mu.Unlock()
		close(done)

		if err != nil {
			return nil, err
		}
		return &Handle{pool: p, key: key, id: id}, nil
	}
}

func (ch *channel) add(h Handler) int {
	id := ch.next
	ch.next++
	ch.handlers[id] = h
	ch.order = append(ch.order, id)
	return id
}

// Release drops the handle's claim. The last release closes the channel.
// Releasing twice is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.release(h.key, h.id)
	})
}

func (p *Pool) release(key string, id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[key]
	if !ok {
		return
	}
	delete(ch.handlers, id)
	for i, o := range ch.order {
		if o == id {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
	if len(ch.handlers) > 0 {
		return
	}
	ch.stop()
	delete(p.channels, key)
	p.gaugeAdd(ch.sub.Table, -1)
	p.logger.Debug("feed channel closed", zap.String("key", key))
}

// SetIdentity switches the identity and reopens every open channel under it.
// Changes for the previous identity stop being delivered before the switch
// returns. Channels whose reopen fails stay registered but receive nothing
// until the next identity change or acquire.
func (p *Pool) SetIdentity(identity string) error {
	p.switching.Lock()
	defer p.switching.Unlock()

	p.mu.Lock()
	if identity == p.identity {
		p.mu.Unlock()
		return nil
	}
	p.identity = identity
	open := make([]*channel, 0, len(p.channels))
	for _, ch := range p.channels {
		if ch.opening != nil {
			// connect notices the identity moved and retries.
			continue
		}
		ch.stop()
		open = append(open, ch)
	}
	p.mu.Unlock()

	var firstErr error
	for _, ch := range open {
		if err := p.connect(ch); err != nil {
			p.logger.Error("reopen feed channel", zap.String("key", ch.key), zap.Error(err))
			p.mu.Lock()
			ch.dead = true
			p.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.logger.Info("feed identity switched", zap.String("identity", identity), zap.Int("channels", len(open)))
	return firstErr
}

// Refs returns how many handles share the channel for sub.
func (p *Pool) Refs(sub feed.Subscription) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[sub.Key()]; ok {
		return len(ch.handlers)
	}
	return 0
}

// Open returns the number of open channels.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ch := range p.channels {
		if ch.opening == nil {
			n++
		}
	}
	return n
}

// Close releases every channel.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, ch := range p.channels {
		ch.stop()
		if ch.opening == nil {
			p.gaugeAdd(ch.sub.Table, -1)
		}
		delete(p.channels, key)
	}
}

// stop cancels the current generation so its pump delivers nothing more.
// Callers hold p.mu.
func (ch *channel) stop() {
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	ch.gen++
}

// connect opens ch under the current identity and installs the result as a
// new generation. It must be called without p.mu held. If the identity moves
// while the open is in flight the open is discarded and retried; if the
// channel was closed meanwhile the open is discarded.
func (p *Pool) connect(ch *channel) error {
	for {
		p.mu.Lock()
		identity := p.identity
		p.mu.Unlock()

		resolved := ch.sub.Resolve(identity)
		ctx, cancel := context.WithCancel(context.Background())
		events, err := p.transport.Subscribe(ctx, identity, resolved)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", ch.sub.Table, err)
		}

		p.mu.Lock()
		if p.identity != identity {
			p.mu.Unlock()
			cancel()
			continue
		}
		if p.channels[ch.key] != ch {
			p.mu.Unlock()
			cancel()
			return nil
		}
		ch.stop()
		ch.cancel = cancel
		ch.dead = false
		gen := ch.gen
		p.mu.Unlock()

		go p.pump(ctx, ch, gen, events)
		p.logger.Debug("feed channel opened",
			zap.String("table", resolved.Table),
			zap.String("key", resolved.Key()),
			zap.String("identity", identity))
		return nil
	}
}

// pump delivers changes for one open generation of a channel. Handlers run
// one at a time, in acquisition order.
func (p *Pool) pump(ctx context.Context, ch *channel, gen int, events <-chan feed.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					p.logger.Warn("feed transport closed channel", zap.String("table", ch.sub.Table))
					p.markDead(ch, gen)
				}
				return
			}
			handlers := p.snapshot(ch, gen)
			if handlers == nil {
				return
			}
			if p.metrics != nil {
				p.metrics.FeedEvents.WithLabelValues(c.Table, string(c.Kind)).Inc()
			}
			for _, h := range handlers {
				h(c)
			}
		}
	}
}

func (p *Pool) markDead(ch *channel, gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.gen == gen {
		ch.dead = true
	}
}

// snapshot returns the handlers to call, or nil if this generation has been
// superseded by a reopen or the channel was closed.
func (p *Pool) snapshot(ch *channel, gen int) []Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.gen != gen || len(ch.handlers) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(ch.order))
	for _, id := range ch.order {
		out = append(out, ch.handlers[id])
	}
	return out
}

func (p *Pool) gaugeAdd(table string, delta float64) {
	if p.metrics != nil {
		p.metrics.OpenChannels.WithLabelValues(table).Add(delta)
	}
}
