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

package server

import (
	"context"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/stats"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

// Call is the server side of one stream: the object a method handler uses
// to send headers, messages and the final status.
type Call struct {
	srv       *Server
	tr        transport.ServerTransport
	stream    *transport.Stream
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu         sync.Mutex
	permits    int
	permitCond *sync.Cond
	closed     bool
	beginTime  time.Time
}

func newServerCall(srv *Server, tr transport.ServerTransport, stream *transport.Stream, ctx context.Context, cancel context.CancelFunc) *Call {
	c := &Call{
		srv:       srv,
		tr:        tr,
		stream:    stream,
		ctx:       ctx,
		cancelCtx: cancel,
		beginTime: time.Now(),
	}
	c.permitCond = sync.NewCond(&c.mu)
	return c
}

// Context returns the per-call context: cancelled when the client cancels,
// the connection dies or the deadline expires.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Method returns the fully-qualified method, without leading slash.
func (c *Call) Method() string {
	m, _ := grpcMethod(c.stream)
	return m
}

// Metadata returns the request metadata.
func (c *Call) Metadata() *metadata.MD {
	md, err := c.stream.Header()
	if err != nil {
		return nil
	}
	return md
}

// SendHeader sends the response headers, merged with any set earlier.
// It can be called at most once and not after the first SendMessage.
func (c *Call) SendHeader(md *metadata.MD) error {
	return c.tr.WriteHeader(c.stream, md)
}

// SendMessage enqueues one response message; headers go out first when not
// yet sent.
func (c *Call) SendMessage(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.New(code.Code_INTERNAL, "SendMessage called after Close").Err()
	}
	c.mu.Unlock()
	hdr := transport.MsgHeader(len(msg), false)
	if err := c.tr.Write(c.stream, hdr, msg, &transport.Options{}); err != nil {
		return err
	}
	c.srv.statsHandler.HandleRPC(c.ctx, &stats.RPCOutPayload{
		Length:        len(msg),
		TransportSize: len(msg) + transport.MsgHeaderLen,
		SendTime:      time.Now(),
	})
	return nil
}

// Request grants n additional inbound message deliveries.
func (c *Call) Request(n int) {
	c.mu.Lock()
	c.permits += n
	c.mu.Unlock()
	c.permitCond.Broadcast()
}

func (c *Call) waitPermit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.permits <= 0 && !c.closed {
		c.permitCond.Wait()
	}
	if c.closed {
		return false
	}
	c.permits--
	return true
}

// Close completes the call with the final status and optional trailer.
// Exactly the first Close takes effect.
func (c *Call) Close(st *status.Status, trailer *metadata.MD) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.permitCond.Broadcast()

	if trailer != nil {
		_ = c.stream.SetTrailer(trailer)
	}
	if st == nil {
		st = status.New(code.Code_OK, "")
	}
	err := c.tr.WriteStatus(c.stream, st)
	c.srv.statsHandler.HandleRPC(c.ctx, &stats.RPCEnd{
		BeginTime: c.beginTime,
		EndTime:   time.Now(),
		Err:       st.Err(),
	})
	c.cancelCtx()
	return err
}

// abort terminates the call without writing trailers; used on cancellation
// paths where the peer is gone or already reset the stream.
func (c *Call) abort() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()
	c.permitCond.Broadcast()
	c.cancelCtx()
	return true
}

func grpcMethod(s *transport.Stream) (string, bool) {
	m := s.Method()
	if len(m) == 0 || m[0] != '/' {
		return m, false
	}
	return m[1:], true
}
