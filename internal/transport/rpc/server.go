// Package rpc exposes the coordinator over net/rpc with the JSON-RPC codec.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/service"
)

// ServiceName is the name methods are registered under, e.g. "Aiva.Submit".
const ServiceName = "Aiva"

// Server serves JSON-RPC connections.
type Server struct {
	rpcServer *rpc.Server
	log       *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	done     chan struct{}
}

// NewServer creates a new RPC server. adminToken guards the grant methods;
// an empty token closes them.
func NewServer(svc *service.Service, adminToken string, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &Handler{service: svc, adminToken: adminToken, log: log}); err != nil {
		return nil, err
	}
	return &Server{
		rpcServer: rpcServer,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()
	defer close(s.done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("rpc accept error", zap.Error(err))
			continue
		}
		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.closed = true
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
