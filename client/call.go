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

package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/internal/backoff"
	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/internal/xsync"
	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/stats"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

// Listener receives the events of one call. Callbacks are serialized:
// OnHeaders precedes the first OnMessage, messages arrive in receive order,
// and OnClose is last and exactly once. A panic from any callback cancels
// the call with CANCELLED carrying the panic as cause.
type Listener interface {
	// OnHeaders delivers the initial response metadata.
	OnHeaders(md *metadata.MD)
	// OnMessage delivers one inbound message; at most as many are delivered
	// as have been requested via Request.
	OnMessage(msg []byte)
	// OnReady signals the outbound direction is ready to accept messages.
	OnReady()
	// OnClose terminates the call with its final status and trailer.
	OnClose(st *status.Status, trailer *metadata.MD)
}

type callState int

const (
	callCreated callState = iota
	callStarted
	callHalfClosed
	callCancelled
	callClosed
)

// reserved headers the call strips before adding canonical values.
var reservedCallHeaders = []string{"user-agent", "grpc-encoding", "grpc-accept-encoding", "grpc-timeout", "te", "content-type"}

// Call is the per-call state machine: deadline, cancellation, inbound
// flow-control permits, ordered message dispatch.
//
// CREATED -> STARTED -> (HALF_CLOSED | CANCELLED) -> CLOSED.
type Call struct {
	channel *Channel
	method  string
	opts    CallOptions

	// ctx carries the effective deadline; cancelCtx tears it down.
	ctx       context.Context
	cancelCtx context.CancelFunc

	serializer xsync.Serializer
	listener   Listener

	mu           sync.Mutex
	state        callState
	stream       *transport.Stream
	tr           transport.ClientTransport
	pendingSends [][]byte
	pendingHalf  bool
	permits      int
	permitCond   *sync.Cond
	closed       bool
	beginTime    time.Time
}

func newCall(ctx context.Context, c *Channel, method string, opts CallOptions) *Call {
	call := &Call{
		channel: c,
		method:  method,
		opts:    opts,
		ctx:     ctx,
	}
	call.permitCond = sync.NewCond(&call.mu)
	return call
}

// Start begins the call: validate headers, compute the effective deadline,
// acquire a transport and create the wire stream. It must be called exactly
// once and never blocks; listener events arrive asynchronously.
func (c *Call) Start(listener Listener, headers *metadata.MD) {
	c.mu.Lock()
	if c.state != callCreated {
		c.mu.Unlock()
		panic("client: Start called more than once")
	}
	c.state = callStarted
	c.listener = listener
	c.beginTime = time.Now()
	c.mu.Unlock()

	// Strip reserved headers; the transport re-adds canonical values.
	headers = c.sanitizeHeaders(headers)

	// Effective deadline is the sooner of the context deadline and the call
	// option deadline.
	ctx := c.ctx
	if dl, ok := c.opts.Deadline(); ok {
		if cur, has := ctx.Deadline(); !has || dl.Before(cur) {
			ctx, c.cancelCtx = context.WithDeadline(ctx, dl)
		}
	}
	if c.cancelCtx == nil {
		ctx, c.cancelCtx = context.WithCancel(ctx)
	}
	if headers.Count() > 0 {
		md, _ := metadata.FromOutContext(ctx)
		ctx = metadata.WithOutContext(ctx, metadata.Join(md, headers))
	}
	ctx = c.channel.statsHandler.TagRPC(ctx, &stats.RPCTagInfo{FullMethod: c.method})
	c.ctx = ctx

	// An already-expired deadline completes the call without touching any
	// transport.
	if dl, ok := ctx.Deadline(); ok && !dl.After(time.Now()) {
		c.finish(status.New(code.Code_DEADLINE_EXCEEDED, "deadline exceeded before the call was started"), nil)
		return
	}

	c.channel.statsHandler.HandleRPC(ctx, &stats.RPCBegin{Client: true, BeginTime: c.beginTime, Method: c.method})
	xgo.Go(c.run)
}

func (c *Call) sanitizeHeaders(headers *metadata.MD) *metadata.MD {
	if headers == nil {
		return &metadata.MD{}
	}
	headers = headers.Copy()
	for _, k := range reservedCallHeaders {
		headers.Delete(k)
	}
	return headers
}

// run is the call's pump: it owns transport acquisition, stream creation
// and the inbound message loop. It runs on its own goroutine so Start and
// the send path never block the application.
func (c *Call) run() {
	callHdr := &transport.CallHdr{
		Host:         c.authority(),
		Method:       c.method,
		SendCompress: c.opts.Compressor(),
	}
	// Wait-for-ready calls retry transient failures with backoff until the
	// deadline; fail-fast calls surface the first failure.
	bs := backoff.Exponential{Config: c.channel.cfg.Backoff}
	retries := 0
	var (
		tr     transport.ClientTransport
		stream *transport.Stream
	)
	for {
		var err error
		tr, err = c.channel.getTransport(c.ctx, c.method, c.opts.WaitForReady())
		if err != nil {
			c.finish(status.Convert(err), nil)
			return
		}
		stream, err = tr.NewStream(c.ctx, callHdr)
		if err == nil {
			break
		}
		st := status.Convert(err)
		if !c.opts.WaitForReady() || st.Code() != code.Code_UNAVAILABLE {
			c.finish(st, nil)
			return
		}
		timer := time.NewTimer(bs.Backoff(retries))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.finish(status.FromContextError(c.ctx.Err()), nil)
			return
		case <-timer.C:
			retries++
		}
	}

	c.mu.Lock()
	if c.state == callCancelled || c.closed {
		c.mu.Unlock()
		tr.CloseStream(stream, status.New(code.Code_CANCELLED, "call already cancelled").Err())
		return
	}
	c.stream = stream
	c.tr = tr
	sends := c.pendingSends
	c.pendingSends = nil
	half := c.pendingHalf
	c.mu.Unlock()

	c.deliver(func() { c.listener.OnReady() })

	// Flush writes queued before the stream existed, in order. A write
	// error means the stream already broke; the receive loop below surfaces
	// its status.
	for _, msg := range sends {
		if err := c.writeMessage(msg, false); err != nil {
			break
		}
	}
	if half {
		_ = tr.Write(stream, nil, nil, &transport.Options{Last: true})
	}

	// Header phase.
	header, err := stream.Header()
	if err != nil {
		st := stream.Status()
		if st == nil {
			st = status.Convert(err)
		}
		c.finish(st, stream.Trailer())
		return
	}
	if !stream.TrailersOnly() {
		c.deliver(func() { c.listener.OnHeaders(header) })
	}

	// The deadline timer: context expiry completes the call even while the
	// pump is parked waiting for permits. A normal finish cancels the
	// context first, so this never overrides a real status.
	stop := context.AfterFunc(c.ctx, func() {
		c.finish(status.FromContextError(c.ctx.Err()), stream.Trailer())
	})
	defer stop()

	// Message phase: one permit, one message, receive order preserved.
	parser := transport.NewParser(stream)
	for {
		if !c.waitPermit() {
			return
		}
		_, msg, err := parser.Recv(c.channel.cfg.MaxRecvMsgSize)
		if err == io.EOF {
			c.finish(stream.Status(), stream.Trailer())
			return
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = status.New(code.Code_INTERNAL, io.ErrUnexpectedEOF.Error()).Err()
			}
			st := stream.Status()
			if st == nil || st.Code() == code.Code_OK {
				st = status.Convert(err)
			}
			c.finish(st, stream.Trailer())
			return
		}
		c.deliver(func() { c.listener.OnMessage(msg) })
	}
}

func (c *Call) authority() string {
	if a := c.opts.Authority(); a != "" {
		return a
	}
	return c.channel.cfg.Authority
}

// deliver runs a listener callback on the call's serializer; a panic
// cancels the call with CANCELLED and the panic as cause, overriding any
// queued server status.
func (c *Call) deliver(f func()) {
	c.serializer.Schedule(func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("listener panic: %v", r)
				c.cancelInternal("application error in listener", err)
			}
		}()
		if c.isClosed() {
			return
		}
		f()
	})
}

func (c *Call) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendMessage enqueues one outbound message. It is rejected with INTERNAL
// after HalfClose or Cancel.
func (c *Call) SendMessage(msg []byte) error {
	c.mu.Lock()
	switch {
	case c.state == callCreated:
		c.mu.Unlock()
		return status.New(code.Code_INTERNAL, "SendMessage called before Start").Err()
	case c.state == callHalfClosed:
		c.mu.Unlock()
		return status.New(code.Code_INTERNAL, "SendMessage called after HalfClose").Err()
	case c.state == callCancelled || c.closed:
		c.mu.Unlock()
		return status.New(code.Code_INTERNAL, "SendMessage called after Cancel").Err()
	}
	if c.stream == nil {
		// The stream is still being created; buffer in order.
		c.pendingSends = append(c.pendingSends, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeMessage(msg, false)
}

func (c *Call) writeMessage(msg []byte, last bool) error {
	hdr := transport.MsgHeader(len(msg), false)
	err := c.tr.Write(c.stream, hdr, msg, &transport.Options{Last: last})
	if err != nil {
		return err
	}
	c.channel.statsHandler.HandleRPC(c.ctx, &stats.RPCOutPayload{
		Client:        true,
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

// waitPermit blocks the pump until a permit is available; false means the
// call closed meanwhile.
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

// HalfClose signals end of the outbound direction. Idempotent.
func (c *Call) HalfClose() {
	c.mu.Lock()
	if c.state != callStarted {
		c.mu.Unlock()
		return
	}
	c.state = callHalfClosed
	if c.stream == nil {
		c.pendingHalf = true
		c.mu.Unlock()
		return
	}
	tr, stream := c.tr, c.stream
	c.mu.Unlock()
	_ = tr.Write(stream, nil, nil, &transport.Options{Last: true})
}

// Cancel terminates the call: RST_STREAM goes out if a stream was opened
// and the listener receives OnClose(CANCELLED). Safe to call concurrently
// with any other operation; the first cancellation wins.
func (c *Call) Cancel(desc string, cause error) {
	c.cancelInternal(desc, cause)
}

func (c *Call) cancelInternal(desc string, cause error) {
	c.mu.Lock()
	if c.state == callCancelled || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = callCancelled
	tr, stream := c.tr, c.stream
	c.mu.Unlock()

	st := status.New(code.Code_CANCELLED, desc).WithCause(cause)
	if tr != nil && stream != nil {
		tr.CloseStream(stream, st.Err())
	}
	c.finish(st, nil)
}

// finish completes the call exactly once: the deadline timer is released
// and OnClose is the last callback.
func (c *Call) finish(st *status.Status, trailer *metadata.MD) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = callClosed
	cancel := c.cancelCtx
	c.mu.Unlock()
	c.permitCond.Broadcast()

	if st == nil {
		st = status.New(code.Code_OK, "")
	}
	c.channel.statsHandler.HandleRPC(c.ctx, &stats.RPCEnd{
		Client:    true,
		BeginTime: c.beginTime,
		EndTime:   time.Now(),
		Err:       st.Err(),
	})
	c.serializer.Schedule(func() {
		if c.listener != nil {
			c.listener.OnClose(st, trailer)
		}
	})
	if cancel != nil {
		cancel()
	}
}
