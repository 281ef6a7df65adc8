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
	"net"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

// delayedTransport buffers stream creation until a real transport is
// supplied or the delayed transport is shut down. Buffered creations drain
// against the supplied transport in arrival order.
//
// NewStream blocks its caller; calls run stream creation on their pump
// goroutine, so the application never blocks on it.
type delayedTransport struct {
	mu       sync.Mutex
	real     transport.ClientTransport
	pending  []*pendingStream
	shutdown bool
	failst   *status.Status
	errCh    chan struct{}

	// onInUseChange observes the 0<->1 edges of the pending queue.
	onInUseChange func(bool)
}

type pendingStream struct {
	ctx     context.Context
	callHdr *transport.CallHdr
	ch      chan streamResult
}

type streamResult struct {
	stream *transport.Stream
	err    error
}

func newDelayedTransport(onInUseChange func(bool)) *delayedTransport {
	return &delayedTransport{
		errCh:         make(chan struct{}),
		onInUseChange: onInUseChange,
	}
}

// NewStream forwards to the real transport when one is set; otherwise it
// buffers the request and blocks until a transport arrives, the delayed
// transport is failed, or ctx ends.
func (d *delayedTransport) NewStream(ctx context.Context, callHdr *transport.CallHdr) (*transport.Stream, error) {
	d.mu.Lock()
	if d.real != nil {
		real := d.real
		d.mu.Unlock()
		return real.NewStream(ctx, callHdr)
	}
	if d.failst != nil {
		st := d.failst
		d.mu.Unlock()
		return nil, st.Err()
	}
	if d.shutdown {
		d.mu.Unlock()
		return nil, status.New(code.Code_UNAVAILABLE, "transport is shut down").Err()
	}
	p := &pendingStream{ctx: ctx, callHdr: callHdr, ch: make(chan streamResult, 1)}
	d.pending = append(d.pending, p)
	if len(d.pending) == 1 && d.onInUseChange != nil {
		d.onInUseChange(true)
	}
	d.mu.Unlock()

	select {
	case r := <-p.ch:
		return r.stream, r.err
	case <-ctx.Done():
		d.remove(p)
		return nil, transport.ContextErr(ctx.Err())
	}
}

func (d *delayedTransport) remove(p *pendingStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, q := range d.pending {
		if q == p {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
	if len(d.pending) == 0 && d.onInUseChange != nil {
		d.onInUseChange(false)
	}
}

// SetTransport supplies the real transport. Buffered stream creations drain
// against it in arrival order.
func (d *delayedTransport) SetTransport(t transport.ClientTransport) {
	d.mu.Lock()
	if d.real != nil || d.failst != nil {
		d.mu.Unlock()
		return
	}
	d.real = t
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		s, err := t.NewStream(p.ctx, p.callHdr)
		p.ch <- streamResult{stream: s, err: err}
	}
	if len(pending) > 0 && d.onInUseChange != nil {
		d.onInUseChange(false)
	}
}

// Shutdown stops accepting new streams. Already-buffered creations keep
// waiting and drain against whatever transport is eventually set.
func (d *delayedTransport) Shutdown() {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
}

// ShutdownNow fails all buffered stream creations with st and rejects any
// later ones.
func (d *delayedTransport) ShutdownNow(st *status.Status) {
	d.mu.Lock()
	if d.failst != nil {
		d.mu.Unlock()
		return
	}
	d.shutdown = true
	d.failst = st
	pending := d.pending
	d.pending = nil
	close(d.errCh)
	d.mu.Unlock()
	for _, p := range pending {
		p.ch <- streamResult{err: st.Err()}
	}
	if len(pending) > 0 && d.onInUseChange != nil {
		d.onInUseChange(false)
	}
}

// HasPending reports whether stream creations are buffered.
func (d *delayedTransport) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

// Terminated reports whether the delayed transport holds no buffered work
// and can be forgotten.
func (d *delayedTransport) Terminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) == 0 && (d.shutdown || d.real != nil)
}

func (d *delayedTransport) realOrNil() transport.ClientTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.real
}

// Write forwards to the real transport; streams only exist once it is set.
func (d *delayedTransport) Write(s *transport.Stream, hdr []byte, data []byte, opts *transport.Options) error {
	if t := d.realOrNil(); t != nil {
		return t.Write(s, hdr, data, opts)
	}
	return transport.ErrConnClosing
}

// CloseStream forwards to the real transport.
func (d *delayedTransport) CloseStream(s *transport.Stream, err error) {
	if t := d.realOrNil(); t != nil {
		t.CloseStream(s, err)
	}
}

// GracefulClose shuts down the buffer; a real transport drains itself.
func (d *delayedTransport) GracefulClose() {
	d.Shutdown()
	if t := d.realOrNil(); t != nil {
		t.GracefulClose()
	}
}

// Close fails the buffer and the real transport.
func (d *delayedTransport) Close(err error) {
	d.ShutdownNow(status.WithCode(code.Code_UNAVAILABLE, err))
	if t := d.realOrNil(); t != nil {
		t.Close(err)
	}
}

// Error returns a channel closed when the delayed transport is failed.
func (d *delayedTransport) Error() <-chan struct{} {
	if t := d.realOrNil(); t != nil {
		return t.Error()
	}
	return d.errCh
}

// GoAway forwards to the real transport; a delayed transport never drains.
func (d *delayedTransport) GoAway() <-chan struct{} {
	if t := d.realOrNil(); t != nil {
		return t.GoAway()
	}
	return nil
}

// GetGoAwayReason forwards to the real transport.
func (d *delayedTransport) GetGoAwayReason() (transport.GoAwayReason, string) {
	if t := d.realOrNil(); t != nil {
		return t.GetGoAwayReason()
	}
	return transport.GoAwayInvalid, ""
}

// SendPing forwards to the real transport when one exists.
func (d *delayedTransport) SendPing(f func(rtt time.Duration)) {
	if t := d.realOrNil(); t != nil {
		t.SendPing(f)
	}
}

// RemoteAddr reports the real transport's peer, if any.
func (d *delayedTransport) RemoteAddr() net.Addr {
	if t := d.realOrNil(); t != nil {
		return t.RemoteAddr()
	}
	return nil
}

var _ transport.ClientTransport = (*delayedTransport)(nil)
