package grpcfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/leadsync/internal/feed"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Dial connects to a feed server at target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial feed %s: %w", target, err)
	}
	return conn, nil
}

// Reconnect delays between failed Watch reopens.
const (
	RetryMin = 200 * time.Millisecond
	RetryMax = 10 * time.Second
)

// Transport implements feed.Transport against a remote Server.
type Transport struct {
	conn       grpc.ClientConnInterface
	buf        int
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// NewTransport creates a transport over conn.
func NewTransport(conn grpc.ClientConnInterface, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{conn: conn, buf: feed.DefaultBuffer, logger: logger, newBackOff: defaultBackOff}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryMin
	b.MaxInterval = RetryMax
	b.MaxElapsedTime = 0
	return b
}

// Subscribe opens a Watch stream. The first open fails synchronously; after
// that a broken stream is reopened with exponential backoff until ctx ends.
// Changes published while the stream is down are not replayed. The returned
// channel closes when ctx ends or the server rejects the request.
func (t *Transport) Subscribe(ctx context.Context, identity string, sub feed.Subscription) (<-chan feed.Change, error) {
	payload, err := json.Marshal(requestFor(identity, sub))
	if err != nil {
		return nil, fmt.Errorf("marshal watch request: %w", err)
	}
	stream, err := t.open(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan feed.Change, t.buf)
	go t.follow(ctx, sub, payload, stream, out)
	return out, nil
}

func (t *Transport) open(ctx context.Context, payload []byte) (grpc.ClientStream, error) {
	stream, err := t.conn.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, fmt.Errorf("open watch stream: %w", err)
	}
	if err := stream.SendMsg(wrapperspb.Bytes(payload)); err != nil {
		return nil, fmt.Errorf("send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close watch send: %w", err)
	}
	return stream, nil
}

func (t *Transport) follow(ctx context.Context, sub feed.Subscription, payload []byte, stream grpc.ClientStream, out chan<- feed.Change) {
	defer close(out)
	retry := backoff.WithContext(t.newBackOff(), ctx)
	for {
		err := t.drain(ctx, sub, stream, out)
		if ctx.Err() != nil {
			return
		}
		if status.Code(err) == codes.InvalidArgument {
			t.logger.Error("feed watch rejected", zap.String("table", sub.Table), zap.Error(err))
			return
		}
		t.logger.Warn("feed stream ended, reconnecting", zap.String("table", sub.Table), zap.Error(err))

		stream = t.reopen(ctx, sub, payload, retry)
		if stream == nil {
			return
		}
		retry.Reset()
		t.logger.Info("feed stream reconnected", zap.String("table", sub.Table))
	}
}

// reopen retries open until it succeeds, returning nil once ctx ends.
func (t *Transport) reopen(ctx context.Context, sub feed.Subscription, payload []byte, retry backoff.BackOff) grpc.ClientStream {
	for {
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		stream, err := t.open(ctx, payload)
		if err == nil {
			return stream
		}
		t.logger.Debug("feed reconnect failed", zap.String("table", sub.Table), zap.Duration("waited", wait), zap.Error(err))
	}
}

// drain forwards frames from stream until it fails. A clean end of stream is
// reported as io.EOF.
func (t *Transport) drain(ctx context.Context, sub feed.Subscription, stream grpc.ClientStream, out chan<- feed.Change) error {
	for {
		frame := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		var c feed.Change
		if err := json.Unmarshal(frame.GetValue(), &c); err != nil {
			t.logger.Warn("drop undecodable change", zap.String("table", sub.Table), zap.Error(err))
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
