// Copyright 2022 The codesjoy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server provides the managed server: it accepts transport
// connections, dispatches incoming streams to a method registry and owns
// the per-call execution context.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/config"
	"github.com/codesjoy/bifrost/governor"
	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/internal/xsync"
	"github.com/codesjoy/bifrost/stats"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

const (
	serverStateInit = iota
	serverStateRunning
	serverStateClosing
)

// Config is the server configuration scanned from bifrost.server.
type Config struct {
	// Network is the listener network.
	Network string `mapstructure:"network" default:"tcp"`
	// Address is the listen address.
	Address string `mapstructure:"address" default:":9090"`
	// MaxRecvMsgSize bounds inbound message payloads.
	MaxRecvMsgSize int `mapstructure:"maxRecvMsgSize" default:"4194304"`
	// Transport holds the HTTP/2 server transport options.
	Transport transport.ServerConfig `mapstructure:"transport"`
}

// ServerOption mutates the Config before Start.
type ServerOption func(*Config)

// WithAddress sets the listen address.
func WithAddress(addr string) ServerOption {
	return func(c *Config) { c.Address = addr }
}

// Server accepts connections and dispatches streams to registered
// methods.
type Server struct {
	cfg          Config
	statsHandler stats.Handler

	registry *registry
	fallback HandlerRegistry

	mu         sync.Mutex
	state      int
	lis        net.Listener
	transports map[transport.ServerTransport]bool
	termEvent  *xsync.Event
	serveWG    sync.WaitGroup
}

// NewServer creates a server. Registration must happen before Start.
func NewServer(opts ...ServerOption) (*Server, error) {
	cfg := Config{}
	if err := config.Get(config.Join(config.KeyBase, "server")).Scan(&cfg); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(&cfg)
	}
	s := &Server{
		cfg:          cfg,
		statsHandler: stats.GetServerHandler(),
		registry:     newRegistry(),
		transports:   map[transport.ServerTransport]bool{},
		termEvent:    xsync.NewEvent(),
	}
	governor.RegisterStatus("server/"+cfg.Address, s.snapshot)
	return s, nil
}

// snapshot reports the server state for the governor.
func (s *Server) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addr string
	if s.lis != nil {
		addr = s.lis.Addr().String()
	}
	return map[string]any{
		"address":    addr,
		"state":      s.state,
		"transports": len(s.transports),
		"services":   s.registry.serviceNames(),
		"terminated": s.termEvent.HasFired(),
	}
}

// SetFallbackRegistry installs the registry consulted after the primary.
// Must be called before Start.
func (s *Server) SetFallbackRegistry(r HandlerRegistry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = r
}

// RegisterService registers a service. It must be called before Start.
func (s *Server) RegisterService(sd ServiceDef) error {
	s.mu.Lock()
	if s.state != serverStateInit {
		s.mu.Unlock()
		return errors.New("server: RegisterService after Start")
	}
	s.mu.Unlock()
	return s.registry.add(sd)
}

// Services returns the registered service names.
func (s *Server) Services() []string {
	return s.registry.serviceNames()
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Start binds the listener and begins accepting connections. It can
// succeed exactly once; a started or shut-down server reports an error.
func (s *Server) Start() error {
	s.mu.Lock()
	switch s.state {
	case serverStateRunning:
		s.mu.Unlock()
		return errors.New("server: already started")
	case serverStateClosing:
		s.mu.Unlock()
		return errors.New("server: already shut down")
	}
	lis, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server: fault to listen on %s: %w", s.cfg.Address, err)
	}
	s.lis = lis
	s.state = serverStateRunning
	s.serveWG.Add(1)
	s.mu.Unlock()

	slog.Info("server started", slog.String("address", lis.Addr().String()))
	xgo.Go(func() {
		defer s.serveWG.Done()
		s.acceptLoop(lis)
	})
	return nil
}

func (s *Server) acceptLoop(lis net.Listener) {
	var tempDelay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ne, ok := err.(interface{ Temporary() bool }); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				time.Sleep(tempDelay)
				continue
			}
			// The listener closed; shutdown is in progress or the accept
			// loop is done for good.
			s.maybeTerminate()
			return
		}
		tempDelay = 0
		xgo.Go(func() { s.handleRawConn(conn) })
	}
}

func (s *Server) handleRawConn(conn net.Conn) {
	st, err := transport.NewServerTransport(conn, &s.cfg.Transport)
	if err != nil {
		if err != io.EOF {
			slog.Warn("fault to create server transport", slog.Any("error", err))
		}
		conn.Close()
		return
	}
	s.mu.Lock()
	if s.state == serverStateClosing {
		s.mu.Unlock()
		st.Close(errors.New("server is shutting down"))
		return
	}
	s.transports[st] = true
	s.mu.Unlock()

	st.HandleStreams(func(stream *transport.Stream) {
		// Dispatch off the transport reader goroutine.
		xgo.Go(func() { s.processStream(st, stream) })
	})

	// HandleStreams returns when the connection is gone.
	s.mu.Lock()
	delete(s.transports, st)
	s.mu.Unlock()
	s.maybeTerminate()
}

// processStream owns the per-call execution context: deadline from the
// grpc-timeout header, method lookup, listener pump.
func (s *Server) processStream(tr transport.ServerTransport, stream *transport.Stream) {
	ctx := stream.Context()
	var cancel context.CancelFunc
	if timeout, ok := stream.TimeoutSet(); ok {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	fullMethod, ok := grpcMethod(stream)
	if !ok {
		cancel()
		_ = tr.WriteStatus(stream, status.Newf(code.Code_INTERNAL, "malformed method name: %q", stream.Method()))
		return
	}
	md := s.lookup(fullMethod)
	if md == nil {
		cancel()
		_ = tr.WriteStatus(stream, status.Newf(code.Code_UNIMPLEMENTED, "unknown method %q", fullMethod))
		return
	}

	ctx = s.statsHandler.TagRPC(ctx, &stats.RPCTagInfo{FullMethod: fullMethod})
	call := newServerCall(s, tr, stream, ctx, cancel)
	s.statsHandler.HandleRPC(ctx, &stats.RPCBegin{BeginTime: call.beginTime, Method: fullMethod})

	// All application callbacks run on a serializing executor preserving the
	// per-stream event order.
	var serializer xsync.Serializer
	deliver := func(f func()) {
		serializer.Schedule(func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("listener panic", slog.Any("msg", r))
					if call.abort() {
						_ = tr.WriteStatus(stream, status.Newf(code.Code_INTERNAL, "listener panic: %v", r))
					}
				}
			}()
			f()
		})
	}

	listener := md.Handler(call)
	if listener == nil {
		if call.abort() {
			_ = tr.WriteStatus(stream, status.New(code.Code_INTERNAL, "method handler returned no listener"))
		}
		return
	}

	// A cancellation listener ends the call: deadline expiry writes
	// DEADLINE_EXCEEDED, everything else is reported as cancelled. The
	// registration lives as long as the call; a normal Close marks the call
	// closed before cancelling, so no spurious OnCancel fires.
	context.AfterFunc(ctx, func() {
		if !call.abort() {
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			st := status.New(code.Code_DEADLINE_EXCEEDED, "deadline exceeded")
			_ = tr.WriteStatus(stream, st)
			deliver(func() { listener.OnCancel(st) })
			return
		}
		deliver(func() { listener.OnCancel(status.New(code.Code_CANCELLED, "call cancelled")) })
	})

	parser := transport.NewParser(stream)
	for {
		if !call.waitPermit() {
			return
		}
		_, msg, err := parser.Recv(s.cfg.MaxRecvMsgSize)
		if err == io.EOF {
			deliver(func() { listener.OnHalfClose() })
			return
		}
		if err != nil {
			st := status.Convert(err)
			if call.abort() {
				deliver(func() { listener.OnCancel(st) })
			}
			return
		}
		s.statsHandler.HandleRPC(ctx, &stats.RPCInPayload{
			Length:        len(msg),
			TransportSize: len(msg) + transport.MsgHeaderLen,
			RecvTime:      time.Now(),
		})
		deliver(func() { listener.OnMessage(msg) })
	}
}

func (s *Server) lookup(fullMethod string) *MethodDef {
	if md, ok := s.registry.Lookup(fullMethod); ok {
		return md
	}
	s.mu.Lock()
	fallback := s.fallback
	s.mu.Unlock()
	if fallback != nil {
		if md, ok := fallback.Lookup(fullMethod); ok {
			return md
		}
	}
	return nil
}

// Shutdown stops accepting new connections; existing streams continue.
// The server terminates once every transport is gone and the listener is
// closed. Idempotent, non-blocking.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.state == serverStateClosing {
		s.mu.Unlock()
		return
	}
	s.state = serverStateClosing
	lis := s.lis
	transports := make([]transport.ServerTransport, 0, len(s.transports))
	for tr := range s.transports {
		transports = append(transports, tr)
	}
	s.mu.Unlock()

	if lis != nil {
		_ = lis.Close()
	}
	for _, tr := range transports {
		tr.Drain()
	}
	s.maybeTerminate()
}

// ShutdownNow additionally closes every transport, failing in-flight
// streams.
func (s *Server) ShutdownNow(st *status.Status) {
	s.Shutdown()
	s.mu.Lock()
	transports := make([]transport.ServerTransport, 0, len(s.transports))
	for tr := range s.transports {
		transports = append(transports, tr)
	}
	s.mu.Unlock()
	for _, tr := range transports {
		tr.Close(st.Err())
	}
	s.maybeTerminate()
}

func (s *Server) maybeTerminate() {
	s.mu.Lock()
	done := s.state == serverStateClosing && len(s.transports) == 0
	s.mu.Unlock()
	if done {
		s.termEvent.Fire()
	}
}

// IsTerminated reports whether the server has fully stopped.
func (s *Server) IsTerminated() bool {
	return s.termEvent.HasFired()
}

// AwaitTermination blocks until the server terminates or the duration
// elapses; it reports whether termination was reached.
func (s *Server) AwaitTermination(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.termEvent.Done():
		return true
	case <-timer.C:
		return s.IsTerminated()
	}
}
