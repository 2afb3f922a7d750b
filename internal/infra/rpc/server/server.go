// Package server hosts courier peers: gRPC endpoints that answer calls
// dispatched by the routing engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
	"google.golang.org/grpc"
)

// HealthOperation is answered by every server for every service it hosts.
const HealthOperation = "Meta::health"

// DefaultChunkSize is the largest payload carried by one stream frame.
const DefaultChunkSize = 16 * 1024

// Call is an incoming request.
type Call struct {
	Service   string
	Operation string
	Headers   map[string]string
	Arg2      []byte
	Arg3      []byte
}

// Handler answers one operation. Returning an error produces an error frame;
// use Error to pick its kind.
type Handler func(ctx context.Context, call *Call) (*Reply, error)

// HealthFunc reports whether the server considers itself healthy.
type HealthFunc func(ctx context.Context) error

type endpoint struct {
	service   string
	operation string
}

// Server is a courier peer.
type Server struct {
	name string

	mu       sync.RWMutex
	handlers map[endpoint]Handler
	services map[string]struct{}
	health   HealthFunc

	// ChunkSize bounds stream frames. Zero uses DefaultChunkSize.
	ChunkSize int

	logger     *slog.Logger
	grpcServer *grpc.Server
	listener   net.Listener
	actualAddr string
}

// New creates a server identified by name in logs and health replies.
func New(name string, opts ...grpc.ServerOption) *Server {
	s := &Server{
		name:     name,
		handlers: make(map[endpoint]Handler),
		services: make(map[string]struct{}),
		logger:   slog.Default().With("server", name),
	}
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&peerServiceDesc, s)
	return s
}

// Name returns the server name.
func (s *Server) Name() string {
	return s.name
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetHealth installs the check behind the health operation.
func (s *Server) SetHealth(fn HealthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = fn
}

// Register serves operation of service with h.
func (s *Server) Register(service, operation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[endpoint{service, operation}] = h
	s.services[service] = struct{}{}
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.actualAddr = lis.Addr().String()
	return nil
}

// Address returns the bound address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.actualAddr
}

// Serve accepts calls until Stop. Listen must be called first.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	s.logger.Info("Starting peer", "address", s.actualAddr)
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls, forcing the stop once ctx is done.
func (s *Server) Stop(ctx context.Context) error {
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
	if s.listener != nil {
		// Already closed when Serve ran.
		_ = s.listener.Close()
	}
	s.logger.Info("Peer stopped", "address", s.actualAddr)
	return nil
}

// handle resolves and runs the handler for frame.
func (s *Server) handle(ctx context.Context, frame *provider.CallFrame) (reply *Reply, err error) {
	call := &Call{
		Service:   frame.Service,
		Operation: frame.Operation,
		Headers:   frame.Headers,
		Arg2:      frame.Arg2,
		Arg3:      frame.Arg3,
	}

	s.mu.RLock()
	h, ok := s.handlers[endpoint{call.Service, call.Operation}]
	_, known := s.services[call.Service]
	health := s.health
	s.mu.RUnlock()

	switch {
	case call.Operation == HealthOperation:
		return s.checkHealth(ctx, health), nil
	case !known:
		return nil, Error(domain.ErrorKindDeclined, "service %q is not served by %s", call.Service, s.name)
	case !ok:
		return nil, Error(domain.ErrorKindUnexpected, "no handler for %s::%s", call.Service, call.Operation)
	}

	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = Error(domain.ErrorKindUnexpected, "handler panicked: %v", r)
		}
	}()

	reply, err = h(ctx, call)
	if err == nil && reply == nil {
		reply = OK(nil, nil)
	}
	return reply, err
}

func (s *Server) checkHealth(ctx context.Context, health HealthFunc) *Reply {
	type status struct {
		OK      bool   `json:"ok"`
		Message string `json:"message,omitempty"`
	}

	st := status{OK: true}
	if health != nil {
		if err := health(ctx); err != nil {
			st = status{OK: false, Message: err.Error()}
		}
	}

	body, _ := json.Marshal(st)
	if !st.OK {
		return NotOK(nil, body)
	}
	return OK(nil, body)
}

func (s *Server) logFailure(frame *provider.CallFrame, err error) {
	s.logger.Warn("Call failed",
		"service", frame.Service,
		"operation", frame.Operation,
		"error", err,
	)
}
