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

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/status"
)

// streamState follows the HTTP/2 stream lifecycle: open, half closed in
// one direction, closed.
type streamState uint32

const (
	streamOpen streamState = iota
	streamHalfClosedLocal
	streamHalfClosedRemote
	streamClosed
)

// Stream represents an RPC in the transport layer: a bidirectional
// sequence of HTTP/2 frames sharing an id.
type Stream struct {
	id uint32
	// cs is set on client streams, ss on server streams.
	cs *clientSession
	ss *serverSession

	ctx    context.Context
	cancel context.CancelFunc

	// done closes when the final status is known.
	done chan struct{}

	method         string
	contentSubtype string
	recvCompress   string
	sendCompress   string

	in      *inbox
	recvWin *streamRecvWindow
	gate    *sendGate

	// cur holds the tail of the chunk the last Read drained partially.
	cur  []byte
	rerr error

	// headerDone closes once response headers (or a trailers-only response)
	// arrived; client side only.
	headerDone   chan struct{}
	headerClosed atomic.Bool
	headerValid  bool
	noHeaders    bool

	// hdrMu protects header and trailer metadata on the server side.
	hdrMu sync.Mutex
	// header holds received response metadata on the client, and the
	// metadata staged by SetHeader on the server.
	header *metadata.MD
	// reqHeader holds the request metadata on the server side.
	reqHeader *metadata.MD
	trailer   *metadata.MD

	// headerSent flips when the server pushes the response headers out.
	headerSent atomic.Bool

	state atomic.Uint32 // streamState

	// st is the final status on the client side.
	st *status.Status

	gotBytes    atomic.Bool // any frame arrived for this stream
	unprocessed atomic.Bool // the server refused or never saw the stream

	// timeout carries the decoded grpc-timeout header on the server side.
	timeoutSet bool
	timeout    time.Duration
}

func (s *Stream) swapState(st streamState) streamState {
	return streamState(s.state.Swap(uint32(st)))
}

func (s *Stream) casState(from, to streamState) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

func (s *Stream) getState() streamState {
	return streamState(s.state.Load())
}

// ID returns the stream id.
func (s *Stream) ID() uint32 {
	return s.id
}

// Context returns the context of the stream.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Method returns the method for the stream.
func (s *Stream) Method() string {
	return s.method
}

// ContentSubtype returns the content-subtype of the request.
func (s *Stream) ContentSubtype() string {
	return s.contentSubtype
}

// Done returns a channel closed when the stream reached its final status.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// RecvCompress returns the compression algorithm applied to the inbound
// messages, empty when none.
func (s *Stream) RecvCompress() string {
	if err := s.waitHeader(); err != nil {
		return ""
	}
	return s.recvCompress
}

// SetSendCompress sets the compression algorithm for outbound messages.
func (s *Stream) SetSendCompress(name string) {
	s.sendCompress = name
}

// waitHeader parks until response headers arrive; a cancelled context
// closes the stream instead.
func (s *Stream) waitHeader() error {
	if s.headerDone == nil {
		// Server streams only exist once request headers arrived.
		return nil
	}
	select {
	case <-s.ctx.Done():
		s.cs.CloseStream(s, ContextErr(s.ctx.Err()))
		return ContextErr(s.ctx.Err())
	case <-s.headerDone:
		return nil
	}
}

// Header returns the header metadata of the stream. On the client it
// blocks until the metadata or a stream error arrives; on the server it
// returns the request metadata.
func (s *Stream) Header() (*metadata.MD, error) {
	if s.headerDone == nil {
		return s.reqHeader.Copy(), nil
	}
	if err := s.waitHeader(); err != nil {
		return nil, err
	}
	if !s.headerValid {
		return nil, s.st.Err()
	}
	return s.header.Copy(), nil
}

// TrailersOnly reports whether the server never sent headers for this
// stream. Only valid after Done is closed.
func (s *Stream) TrailersOnly() bool {
	return s.noHeaders
}

// Trailer returns the trailer metadata. Safe to read only after Done is
// closed.
func (s *Stream) Trailer() *metadata.MD {
	return s.trailer.Copy()
}

// Status returns the status received from the server. Safe to read only
// after Done is closed.
func (s *Stream) Status() *status.Status {
	return s.st
}

// SetHeader stages header metadata on the server side; it may be called
// several times before the headers go out.
func (s *Stream) SetHeader(md *metadata.MD) error {
	if md.Count() == 0 {
		return nil
	}
	if s.headerSent.Load() || s.getState() == streamClosed {
		return ErrIllegalHeaderWrite
	}
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	if s.header == nil {
		s.header = md.Copy()
		return nil
	}
	s.header.Merge(md)
	return nil
}

// SendHeader pushes the staged headers plus md to the client.
func (s *Stream) SendHeader(md *metadata.MD) error {
	return s.ss.WriteHeader(s, md)
}

// SetTrailer stages trailer metadata sent along with the final status.
// Server side only.
func (s *Stream) SetTrailer(md *metadata.MD) error {
	if md.Count() == 0 {
		return nil
	}
	if s.getState() == streamClosed {
		return ErrIllegalHeaderWrite
	}
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	if s.trailer == nil {
		s.trailer = md.Copy()
		return nil
	}
	s.trailer.Merge(md)
	return nil
}

// TimeoutSet reports whether the stream carried a grpc-timeout header
// (server side) along with its decoded value.
func (s *Stream) TimeoutSet() (time.Duration, bool) {
	return s.timeout, s.timeoutSet
}

// BytesReceived indicates whether any bytes have been received on this
// stream.
func (s *Stream) BytesReceived() bool {
	return s.gotBytes.Load()
}

// Unprocessed indicates whether the server did not process this stream:
// it sent a refused-stream error or a GOAWAY excluding this id.
func (s *Stream) Unprocessed() bool {
	return s.unprocessed.Load()
}

// preRead lets the flow controller grow the window when the application
// asks for more than one window of data at once.
func (s *Stream) preRead(n int) {
	if grant := s.recvWin.want(uint32(n)); grant > 0 {
		s.sessionQueue().put(&cmdWindowUpdate{id: s.id, n: grant})
	}
}

// onRead returns consumed bytes to the flow controller; a threshold
// crossing sends the refill to the peer.
func (s *Stream) onRead(n int) {
	if refill := s.recvWin.consume(uint32(n)); refill > 0 {
		s.sessionQueue().put(&cmdWindowUpdate{id: s.id, n: refill})
	}
}

func (s *Stream) sessionQueue() *writeQueue {
	if s.cs != nil {
		return s.cs.queue
	}
	return s.ss.queue
}

// Read hands inbound payload bytes to the deframer. Flow-control credit
// returns to the peer as bytes are consumed.
func (s *Stream) Read(p []byte) (int, error) {
	if s.rerr != nil {
		return 0, s.rerr
	}
	s.preRead(len(p))
	if len(s.cur) == 0 {
		var onCancel func()
		if s.cs != nil {
			// A cancelled call tears the stream down; the inbox then wakes
			// with the terminal error so the trailer, when already received,
			// still wins the race.
			onCancel = func() { s.cs.CloseStream(s, ContextErr(s.ctx.Err())) }
		}
		chunk, err := s.in.next(s.ctx, onCancel)
		if err != nil {
			s.rerr = err
			return 0, err
		}
		s.cur = chunk
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	s.onRead(n)
	return n, nil
}

// inbox is the stream's inbound byte queue: the session read loop appends
// chunks, the application drains them. A terminal error is sticky and is
// observed only after all buffered chunks are consumed.
type inbox struct {
	mu     sync.Mutex
	chunks [][]byte
	fin    error
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) push(p []byte) {
	b.mu.Lock()
	if b.fin == nil {
		b.chunks = append(b.chunks, p)
	}
	b.mu.Unlock()
	b.signal()
}

// fail records the terminal error. The first error wins.
func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.fin == nil {
		b.fin = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// next blocks until a chunk or the terminal error is available. When the
// context ends first and onCancel is set, onCancel runs once and next
// keeps waiting for the terminal error it triggers; without onCancel the
// context error surfaces directly.
func (b *inbox) next(ctx context.Context, onCancel func()) ([]byte, error) {
	cancelled := false
	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			chunk := b.chunks[0]
			b.chunks = b.chunks[1:]
			b.mu.Unlock()
			return chunk, nil
		}
		if b.fin != nil {
			err := b.fin
			b.mu.Unlock()
			return nil, err
		}
		b.mu.Unlock()

		if cancelled {
			// The stream is already being torn down; the terminal error
			// arrives via fail.
			<-b.wake
			continue
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			if onCancel == nil {
				return nil, ContextErr(ctx.Err())
			}
			cancelled = true
			onCancel()
		}
	}
}
