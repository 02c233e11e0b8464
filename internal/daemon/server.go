package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/matheus3301/leadsync/internal/config"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/feed/grpcfeed"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC feed server lifecycle. A server without a listen
// address is inert.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the feed listener. feed.listen takes "host:port" or
// "unix:///path/to/socket".
func NewServer(cfg *config.Config, hub *feed.Hub, logger *zap.Logger) (*Server, error) {
	s := &Server{logger: logger}
	addr := cfg.Feed.Listen
	if addr == "" {
		return s, nil
	}

	var err error
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		// Clean stale socket if it exists.
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(path)
		}
		s.listener, err = net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listen unix socket: %w", err)
		}
		if err := os.Chmod(path, 0600); err != nil {
			_ = s.listener.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.socketPath = path
	} else {
		s.listener, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	s.grpcServer = grpc.NewServer()
	grpcfeed.NewServer(hub, logger.Named("grpcfeed")).Register(s.grpcServer)
	return s, nil
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	if s.grpcServer == nil {
		return nil
	}
	s.logger.Info("feed server starting", zap.String("addr", s.Addr()))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains the server, cutting open Watch streams once ctx expires, and
// removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.logger.Info("feed server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
}
