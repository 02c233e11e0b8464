// Package grpcfeed serves the change feed over a gRPC server stream and
// provides the matching client transport.
//
// The service is declared by hand: requests and changes travel as JSON
// inside google.protobuf.BytesValue frames, so no generated stubs are needed.
package grpcfeed

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/leadsync/internal/feed"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "leadsync.feed.v1.ChangeFeed"

const watchMethod = "/" + ServiceName + "/Watch"

// WatchRequest opens one channel on the server.
type WatchRequest struct {
	Identity string      `json:"identity"`
	Table    string      `json:"table"`
	Events   []feed.Kind `json:"events,omitempty"`
	Filter   string      `json:"filter,omitempty"`
}

func requestFor(identity string, sub feed.Subscription) WatchRequest {
	req := WatchRequest{Identity: identity, Table: sub.Table, Events: sub.Events}
	if sub.Filter != nil {
		req.Filter = sub.Filter.String()
	}
	return req
}

// Subscription converts the request back into a feed subscription.
func (r WatchRequest) Subscription() (feed.Subscription, error) {
	if r.Table == "" {
		return feed.Subscription{}, fmt.Errorf("table is required")
	}
	sub := feed.Subscription{Table: r.Table, Events: r.Events}
	if r.Filter != "" {
		f, err := feed.ParseFilter(r.Filter)
		if err != nil {
			return feed.Subscription{}, err
		}
		sub.Filter = f
	}
	return sub.Resolve(r.Identity), nil
}

type watcher interface {
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*watcher)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "leadsync/feed/v1/feed.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	frame := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(frame); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := json.Unmarshal(frame.GetValue(), req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode watch request: %v", err)
	}
	return srv.(watcher).Watch(req, stream)
}

// Server exposes a local feed source to remote sessions.
type Server struct {
	source feed.Transport
	logger *zap.Logger
}

// NewServer creates a feed server reading from source, usually the Hub the
// store publishes into.
func NewServer(source feed.Transport, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{source: source, logger: logger}
}

// Register adds the feed service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Watch streams every change matching the request until the client goes away.
func (s *Server) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	sub, err := req.Subscription()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx := stream.Context()
	events, err := s.source.Subscribe(ctx, req.Identity, sub)
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}
	s.logger.Debug("feed watch opened", zap.String("identity", req.Identity), zap.String("key", sub.Key()))
	defer s.logger.Debug("feed watch closed", zap.String("key", sub.Key()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-events:
			if !ok {
				return nil
			}
			b, err := json.Marshal(c)
			if err != nil {
				s.logger.Warn("marshal change", zap.String("table", c.Table), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(wrapperspb.Bytes(b)); err != nil {
				return err
			}
		}
	}
}
