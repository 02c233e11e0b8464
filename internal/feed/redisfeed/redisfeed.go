// Package redisfeed carries the change feed over Redis pub/sub so sessions in
// other processes see committed writes. Each table has its own channel.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces feed channels.
const DefaultPrefix = "leadsync:feed:"

const (
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Channel returns the pub/sub channel for table.
func Channel(prefix, table string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + table
}

// Connect parses url, opens a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Bridge is a feed.Publisher that forwards committed changes to Redis.
type Bridge struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewBridge creates a bridge publishing under prefix ("" for DefaultPrefix).
func NewBridge(client redis.UniversalClient, prefix string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{client: client, prefix: prefix, logger: logger}
}

// Publish sends c to its table channel. Failures are logged; the write that
// produced c has already committed.
func (b *Bridge) Publish(c feed.Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		b.logger.Warn("marshal change", zap.String("table", c.Table), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, Channel(b.prefix, c.Table), payload).Err(); err != nil {
		b.logger.Error("publish change to redis", zap.String("table", c.Table), zap.Error(err))
	}
}

// Transport implements feed.Transport by subscribing to table channels and
// applying the subscription predicate locally.
type Transport struct {
	client redis.UniversalClient
	prefix string
	buf    int
	logger *zap.Logger
}

// NewTransport creates a transport reading channels under prefix.
func NewTransport(client redis.UniversalClient, prefix string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{client: client, prefix: prefix, buf: feed.DefaultBuffer, logger: logger}
}

// Subscribe waits for the subscription to be confirmed before returning, so
// no change published afterwards is missed.
func (t *Transport) Subscribe(ctx context.Context, _ string, sub feed.Subscription) (<-chan feed.Change, error) {
	ps := t.client.Subscribe(ctx, Channel(t.prefix, sub.Table))
	confirmCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sub.Table, err)
	}

	out := make(chan feed.Change, t.buf)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c, ok := t.decode(msg)
				if !ok || !sub.Matches(c) {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *Transport) decode(msg *redis.Message) (feed.Change, bool) {
	var c feed.Change
	if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
		t.logger.Warn("drop undecodable redis change", zap.String("channel", msg.Channel), zap.Error(err))
		return feed.Change{}, false
	}
	return c, true
}
