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
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/internal/grpcutil"
	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/status"
)

type sessionState int

const (
	sessionLive sessionState = iota
	sessionDraining
	sessionClosed
)

// pingTracker keeps at most one ping outstanding per connection; late
// callers join the in-flight ping instead of sending another frame.
type pingTracker struct {
	mu       sync.Mutex
	inflight bool
	payload  [8]byte
	sentAt   time.Time
	waiters  []func(time.Duration)
}

// join registers f against the outstanding ping, creating one with a fresh
// random payload when none is in flight. first reports whether the caller
// must put the frame on the wire.
func (p *pingTracker) join(f func(time.Duration)) (payload [8]byte, first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f != nil {
		p.waiters = append(p.waiters, f)
	}
	if p.inflight {
		return p.payload, false
	}
	p.inflight = true
	binary.BigEndian.PutUint64(p.payload[:], rand.Uint64())
	p.sentAt = time.Now()
	return p.payload, true
}

// ack resolves the outstanding ping when the payload matches, returning
// the waiters to run with the measured round trip.
func (p *pingTracker) ack(payload [8]byte) ([]func(time.Duration), time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inflight || p.payload != payload {
		return nil, 0, false
	}
	waiters := p.waiters
	p.waiters = nil
	p.inflight = false
	return waiters, time.Since(p.sentAt), true
}

// clientSession is the client side of one HTTP/2 connection: the read loop
// owns every inbound frame, the write loop owns every outbound one, and
// everything else talks to them through the command queue.
type clientSession struct {
	conn  net.Conn
	fr    *http2.Framer
	fw    *flushWriter
	queue *writeQueue

	ctx       context.Context
	cancel    context.CancelFunc
	authority string
	userAgent string

	recvWin        *connRecvWindow
	streamRecvSize uint32

	pings pingTracker

	keepalive    KeepaliveParams
	lastActivity atomic.Int64 // UnixNano of the last inbound frame

	mu      sync.Mutex
	state   sessionState
	streams map[uint32]*Stream
	// nextStreamID is odd and monotonically increasing from 3; header
	// commands are enqueued under mu so wire order equals id order.
	nextStreamID uint32
	idsExhausted bool
	peerLastID   uint32 // Last-Stream-ID of the most recent GOAWAY
	goAwaySeen   bool
	goAwayReason GoAwayReason
	goAwayDebug  string

	goAwayCh  chan struct{}
	brokenCh  chan struct{} // closed on I/O failure
	readDone  chan struct{}
	writeDone chan struct{}

	onGoAway func(GoAwayReason)
	onClosed func()
	onInUse  func(bool)
}

func dialAddr(ctx context.Context, dial func(context.Context, string) (net.Conn, error), address string) (net.Conn, error) {
	if dial != nil {
		return dial(ctx, address)
	}
	return (&net.Dialer{}).DialContext(ctx, "tcp", address)
}

// NewClientTransport dials address and performs the HTTP/2 handshake. It
// returns once the server preface (its SETTINGS frame) arrived or
// connectCtx gave up. onPrefaceReceipt, onGoAway and onClose report
// session-level events to the owner.
func NewClientTransport(connectCtx, ctx context.Context, address string, opts ConnectOptions, onPrefaceReceipt func(), onGoAway func(GoAwayReason), onClose func()) (_ ClientTransport, err error) {
	conn, err := dialAddr(connectCtx, opts.Dialer, address)
	if err != nil {
		return nil, connectionErrorf(true, err, "transport: error while dialing: %v", err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	} else if !strings.HasSuffix(userAgent, defaultUserAgent) {
		userAgent = userAgent + " " + defaultUserAgent
	}
	authority := opts.Authority
	if authority == "" {
		authority = address
	}
	streamWin := uint32(defaultWindowSize)
	if opts.InitialWindowSize > defaultWindowSize {
		streamWin = uint32(opts.InitialWindowSize)
	}
	connWin := uint32(defaultWindowSize)
	if opts.InitialConnWindowSize > defaultWindowSize {
		connWin = uint32(opts.InitialConnWindowSize)
	}

	fr, fw := newConnFramer(conn, opts.WriteBufferSize, opts.ReadBufferSize)
	cs := &clientSession{
		conn:           conn,
		fr:             fr,
		fw:             fw,
		queue:          newWriteQueue(),
		authority:      authority,
		userAgent:      userAgent,
		recvWin:        newConnRecvWindow(connWin),
		streamRecvSize: streamWin,
		keepalive:      opts.KeepaliveParams,
		streams:        make(map[uint32]*Stream),
		nextStreamID:   clientFirstStreamID,
		goAwayCh:       make(chan struct{}),
		brokenCh:       make(chan struct{}),
		readDone:       make(chan struct{}),
		writeDone:      make(chan struct{}),
		onGoAway:       onGoAway,
		onClosed:       onClose,
		onInUse:        opts.OnInUseChange,
	}
	cs.ctx, cs.cancel = context.WithCancel(ctx)

	// The connection preface: magic, SETTINGS, and the connection window
	// delta, written directly before the write loop takes over.
	if _, err = conn.Write(clientPreface); err != nil {
		cs.Close(connectionErrorf(true, err, "transport: fault to write client preface: %v", err))
		return nil, err
	}
	var settings []http2.Setting
	if streamWin != defaultWindowSize {
		settings = append(settings, http2.Setting{ID: http2.SettingInitialWindowSize, Val: streamWin})
	}
	if err = fr.WriteSettings(settings...); err != nil {
		cs.Close(connectionErrorf(true, err, "transport: fault to write settings: %v", err))
		return nil, err
	}
	if connWin > defaultWindowSize {
		if err = fr.WriteWindowUpdate(0, connWin-defaultWindowSize); err != nil {
			cs.Close(connectionErrorf(true, err, "transport: fault to grow connection window: %v", err))
			return nil, err
		}
	}
	if err = fw.Flush(); err != nil {
		cs.Close(connectionErrorf(true, err, "transport: fault to flush preface: %v", err))
		return nil, err
	}

	prefaced := make(chan struct{})
	xgo.Go(func() { cs.readLoop(prefaced, onPrefaceReceipt) })

	select {
	case <-prefaced:
	case <-connectCtx.Done():
		cs.Close(connectionErrorf(true, connectCtx.Err(), "transport: server preface not received: %v", connectCtx.Err()))
		return nil, connectCtx.Err()
	case <-cs.brokenCh:
		return nil, connectionErrorf(true, nil, "transport: connection closed before server preface received")
	}

	xgo.Go(cs.runWriter)
	if cs.keepalive.Time > 0 {
		cs.lastActivity.Store(time.Now().UnixNano())
		xgo.Go(cs.keepaliveLoop)
	}
	return cs, nil
}

// runWriter owns the connection's outbound half for the session lifetime.
func (cs *clientSession) runWriter() {
	loop := newWriteLoop(cs.queue, cs.fr, cs.fw, false)
	if err := loop.run(); err != nil && err != ErrConnClosing {
		transportLogger().Debug("transport: client write loop exited", "error", err)
	}
	// The reader unblocks on the closed connection and finishes teardown.
	cs.conn.Close()
	close(cs.writeDone)
}

// buildRequestHeaders assembles the canonical request block: pseudo
// headers, the protocol headers, the timeout, then application metadata.
func (cs *clientSession) buildRequestHeaders(ctx context.Context, callHdr *CallHdr) ([]hpack.HeaderField, error) {
	fields := make([]hpack.HeaderField, 0, 8)
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: "POST"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":path", Value: callHdr.Method},
		hpack.HeaderField{Name: ":authority", Value: callHdr.Host},
		hpack.HeaderField{Name: "content-type", Value: grpcutil.ContentType(callHdr.ContentSubtype)},
		hpack.HeaderField{Name: "user-agent", Value: cs.userAgent},
		hpack.HeaderField{Name: "te", Value: "trailers"},
	)
	if callHdr.SendCompress != "" {
		fields = append(fields,
			hpack.HeaderField{Name: "grpc-encoding", Value: callHdr.SendCompress},
			hpack.HeaderField{Name: "grpc-accept-encoding", Value: callHdr.SendCompress},
		)
	}
	if dl, ok := ctx.Deadline(); ok {
		fields = append(fields, hpack.HeaderField{Name: "grpc-timeout", Value: grpcutil.EncodeDuration(time.Until(dl))})
	}
	if md, ok := metadata.FromOutContext(ctx); ok {
		if err := md.Validate(); err != nil {
			return nil, status.WithCode(code.Code_INTERNAL, err)
		}
		md.Range(func(k, v string) bool {
			// The canonical values above win over application metadata.
			if isReservedHeader(k) {
				return true
			}
			fields = append(fields, hpack.HeaderField{Name: k, Value: metadata.EncodeValue(k, v)})
			return true
		})
	}
	return fields, nil
}

// NewStream creates a stream on the session. Ids are odd and strictly
// increasing in header-write order.
func (cs *clientSession) NewStream(ctx context.Context, callHdr *CallHdr) (*Stream, error) {
	if callHdr.Host == "" {
		callHdr.Host = cs.authority
	}
	fields, err := cs.buildRequestHeaders(ctx, callHdr)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		cs:             cs,
		ctx:            ctx,
		done:           make(chan struct{}),
		method:         callHdr.Method,
		contentSubtype: callHdr.ContentSubtype,
		sendCompress:   callHdr.SendCompress,
		in:             newInbox(),
		recvWin:        newStreamRecvWindow(cs.streamRecvSize),
		gate:           newSendGate(streamSendBudget),
		headerDone:     make(chan struct{}),
	}
	orphaned := func(err error) {
		if s.swapState(streamClosed) == streamClosed {
			return
		}
		s.unprocessed.Store(true)
		s.in.fail(err)
		s.gate.close()
		if s.headerClosed.CompareAndSwap(false, true) {
			close(s.headerDone)
		}
		close(s.done)
	}

	// Allocation and the header command happen under one critical section,
	// so ids appear on the wire in increasing order.
	cs.mu.Lock()
	switch {
	case cs.state == sessionClosed:
		cs.mu.Unlock()
		return nil, ErrConnClosing
	case cs.idsExhausted:
		cs.mu.Unlock()
		return nil, ErrStreamsExhausted.Err()
	case cs.state == sessionDraining:
		cs.mu.Unlock()
		return nil, errStreamDrain
	}
	s.id = cs.nextStreamID
	cs.nextStreamID += 2
	exhausted := cs.nextStreamID > MaxStreamID
	if exhausted {
		cs.idsExhausted = true
	}
	cs.streams[s.id] = s
	firstStream := len(cs.streams) == 1
	err = cs.queue.put(&cmdOpenStream{
		id:       s.id,
		fields:   fields,
		gate:     s.gate,
		orphaned: orphaned,
	})
	if err != nil {
		delete(cs.streams, s.id)
		cs.mu.Unlock()
		return nil, ErrConnClosing
	}
	cs.mu.Unlock()
	if firstStream && cs.onInUse != nil {
		cs.onInUse(true)
	}
	if exhausted {
		// That was the last usable id: drain the session so the owner
		// replaces the connection.
		cs.GracefulClose()
	}
	return s, nil
}

// Write sends data on the stream; with Last set the stream half closes
// after the bytes are out.
func (cs *clientSession) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	if opts.Last {
		if !s.casState(streamOpen, streamHalfClosedLocal) {
			return errStreamClosed
		}
	} else if s.getState() != streamOpen {
		return errStreamClosed
	}
	if len(hdr)+len(data) > 0 {
		if err := s.gate.reserve(len(hdr) + len(data)); err != nil {
			return err
		}
	}
	return cs.queue.put(&cmdData{
		id:        s.id,
		prefix:    hdr,
		payload:   data,
		endStream: opts.Last,
	})
}

// CloseStream removes the stream; a non-nil err resets it on the wire.
func (cs *clientSession) CloseStream(s *Stream, err error) {
	if err == nil {
		cs.finishStream(s, nil, status.New(code.Code_OK, ""), nil, nil)
		return
	}
	rstCode := http2.ErrCodeCancel
	if st, ok := status.FromError(err); ok {
		if c, found := codeToRst[st.Code()]; found {
			rstCode = c
		}
	}
	cs.finishStream(s, err, status.Convert(err), nil, &rstCode)
}

// finishStream settles a stream exactly once: status and trailer become
// readable, the inbox wakes with the terminal error, and the write loop
// forgets the stream (resetting it when rstCode is set).
func (cs *clientSession) finishStream(s *Stream, err error, st *status.Status, trailer *metadata.MD, rstCode *http2.ErrCode) {
	if s.swapState(streamClosed) == streamClosed {
		return
	}
	s.st = st
	if trailer != nil {
		s.trailer = trailer
	}
	if err != nil {
		s.in.fail(err)
	}
	// Unblock writers even when the write loop never learns about the
	// stream (a closed queue drops the cleanup command).
	s.gate.close()
	if s.headerClosed.CompareAndSwap(false, true) {
		s.noHeaders = true
		close(s.headerDone)
	}
	fin := &cmdFinishStream{
		id: s.id,
		onDone: func() {
			cs.mu.Lock()
			if cs.streams != nil {
				delete(cs.streams, s.id)
			}
			empty := len(cs.streams) == 0
			cs.mu.Unlock()
			if empty && cs.onInUse != nil {
				cs.onInUse(false)
			}
		},
	}
	if rstCode != nil {
		fin.rst = true
		fin.rstCode = *rstCode
	}
	cs.queue.put(fin)
	close(s.done)
}

// Close tears the session down: every active stream fails and the owner is
// notified. Safe to call more than once.
func (cs *clientSession) Close(err error) {
	if err == nil {
		err = ErrConnClosing
	}
	cs.mu.Lock()
	if cs.state == sessionClosed {
		cs.mu.Unlock()
		return
	}
	transportLogger().Debug("transport: closing client session", "remoteAddr", cs.conn.RemoteAddr(), "error", err)
	cs.state = sessionClosed
	streams := cs.streams
	cs.streams = nil
	cs.mu.Unlock()

	cs.queue.close(ErrConnClosing)
	cs.cancel()
	cs.conn.Close()
	close(cs.brokenCh)

	var st *status.Status
	if _, ok := err.(ConnectionError); ok {
		st = status.WithCode(code.Code_UNAVAILABLE, err)
	} else {
		st = status.Convert(err)
	}
	for _, s := range streams {
		cs.finishStream(s, err, st, nil, nil)
	}
	if len(streams) > 0 && cs.onInUse != nil {
		cs.onInUse(false)
	}
	if cs.onClosed != nil {
		cs.onClosed()
	}
}

// GracefulClose refuses new streams and lets the active ones finish; the
// session closes once the last stream is gone.
func (cs *clientSession) GracefulClose() {
	cs.mu.Lock()
	if cs.state != sessionLive {
		cs.mu.Unlock()
		return
	}
	transportLogger().Debug("transport: gracefully closing client session", "remoteAddr", cs.conn.RemoteAddr())
	cs.state = sessionDraining
	active := len(cs.streams)
	cs.mu.Unlock()
	if active == 0 {
		cs.Close(connectionErrorf(true, nil, "no active streams left while draining"))
		return
	}
	// The write loop winds down with the last stream; a GOAWAY tells the
	// peer no new work originates here.
	cs.queue.put(&cmdGoAway{code: http2.ErrCodeNo})
}

// SendPing sends a PING with a random payload, or joins the outstanding
// one; f runs with the measured round trip when the ack arrives. Pings may
// still be sent while the session drains.
func (cs *clientSession) SendPing(f func(rtt time.Duration)) {
	payload, first := cs.pings.join(f)
	if first {
		cs.queue.put(&cmdPing{payload: payload})
	}
}

// Error returns a channel closed when the connection breaks.
func (cs *clientSession) Error() <-chan struct{} {
	return cs.brokenCh
}

// GoAway returns a channel closed when the server announced a drain.
func (cs *clientSession) GoAway() <-chan struct{} {
	return cs.goAwayCh
}

// GetGoAwayReason returns the reason of the last GOAWAY with its debug
// text.
func (cs *clientSession) GetGoAwayReason() (GoAwayReason, string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.goAwayReason, cs.goAwayDebug
}

// RemoteAddr returns the remote network address.
func (cs *clientSession) RemoteAddr() net.Addr {
	return cs.conn.RemoteAddr()
}

func (cs *clientSession) lookup(id uint32) *Stream {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.streams[id]
}

// readLoop owns every inbound frame. The first frame must be the server
// SETTINGS (its preface); after that it dispatches until the connection
// breaks.
func (cs *clientSession) readLoop(prefaced chan struct{}, onPrefaceReceipt func()) {
	defer close(cs.readDone)
	frame, err := cs.fr.ReadFrame()
	if err != nil {
		cs.Close(connectionErrorf(true, err, "transport: error reading server preface: %v", err))
		return
	}
	sf, ok := frame.(*http2.SettingsFrame)
	if !ok {
		cs.Close(connectionErrorf(true, nil, "transport: first frame from server is %T, want SETTINGS", frame))
		return
	}
	cs.lastActivity.Store(time.Now().UnixNano())
	cs.recvSettings(sf)
	close(prefaced)
	if onPrefaceReceipt != nil {
		onPrefaceReceipt()
	}

	for {
		frame, err := cs.fr.ReadFrame()
		cs.lastActivity.Store(time.Now().UnixNano())
		if err != nil {
			// A stream-scoped framing error resets that stream; anything
			// else ends the connection.
			if se, ok := err.(http2.StreamError); ok {
				if s := cs.lookup(se.StreamID); s != nil {
					c := HTTP2ErrToCode(se.Code)
					rst := http2.ErrCodeProtocol
					cs.finishStream(s, status.New(c, se.Error()).Err(), status.New(c, se.Error()), nil, &rst)
				}
				continue
			}
			cs.Close(connectionErrorf(true, err, "transport: error reading from server: %v", err))
			return
		}
		switch frame := frame.(type) {
		case *http2.MetaHeadersFrame:
			cs.recvHeaders(frame)
		case *http2.DataFrame:
			cs.recvData(frame)
		case *http2.RSTStreamFrame:
			cs.recvRstStream(frame)
		case *http2.SettingsFrame:
			cs.recvSettings(frame)
		case *http2.PingFrame:
			cs.recvPing(frame)
		case *http2.GoAwayFrame:
			cs.recvGoAway(frame)
		case *http2.WindowUpdateFrame:
			cs.queue.put(&cmdPeerWindow{id: frame.Header().StreamID, n: frame.Increment})
		default:
			transportLogger().Warn("transport: client read loop dropped unhandled frame", "frameType", fmt.Sprintf("%T", frame))
		}
	}
}

func (cs *clientSession) recvSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	var settings []http2.Setting
	f.ForeachSetting(func(s http2.Setting) error {
		settings = append(settings, s)
		return nil
	})
	cs.queue.put(&cmdSettingsAck{settings: settings})
}

func (cs *clientSession) recvData(f *http2.DataFrame) {
	size := f.Header().Length
	if refill := cs.recvWin.credit(size); refill > 0 {
		cs.queue.put(&cmdWindowUpdate{id: 0, n: refill})
	}
	s := cs.lookup(f.Header().StreamID)
	if s == nil {
		return
	}
	s.gotBytes.Store(true)
	if size > 0 {
		if err := s.recvWin.arrive(size); err != nil {
			rst := http2.ErrCodeFlowControl
			cs.finishStream(s, io.EOF, status.New(code.Code_INTERNAL, err.Error()), nil, &rst)
			return
		}
		if pad := size - uint32(len(f.Data())); pad > 0 {
			// Padding is consumed on arrival; only payload waits for the
			// application.
			if refill := s.recvWin.consume(pad); refill > 0 {
				cs.queue.put(&cmdWindowUpdate{id: s.id, n: refill})
			}
		}
		if len(f.Data()) > 0 {
			chunk := make([]byte, len(f.Data()))
			copy(chunk, f.Data())
			s.in.push(chunk)
		}
	}
	if f.StreamEnded() {
		// Data ended without trailers: the peer broke the protocol.
		cs.finishStream(s, io.EOF, status.New(code.Code_INTERNAL, "server closed the stream without sending trailers"), nil, nil)
	}
}

func (cs *clientSession) recvRstStream(f *http2.RSTStreamFrame) {
	s := cs.lookup(f.Header().StreamID)
	if s == nil {
		return
	}
	if f.ErrCode == http2.ErrCodeRefusedStream {
		s.unprocessed.Store(true)
	}
	c := HTTP2ErrToCode(f.ErrCode)
	if c == code.Code_CANCELLED {
		if dl, ok := s.ctx.Deadline(); ok && !dl.After(time.Now()) {
			// The deadline expired; that is almost certainly why the peer
			// reset the stream.
			c = code.Code_DEADLINE_EXCEEDED
		}
	}
	cs.finishStream(s, io.EOF, status.Newf(c, "stream terminated by RST_STREAM with error code: %v", f.ErrCode), nil, nil)
}

func (cs *clientSession) recvPing(f *http2.PingFrame) {
	if !f.IsAck() {
		ack := &cmdPing{ack: true}
		ack.payload = f.Data
		cs.queue.put(ack)
		return
	}
	waiters, rtt, ok := cs.pings.ack(f.Data)
	if !ok {
		transportLogger().Warn("transport: received unexpected ping ack", "remoteAddr", cs.conn.RemoteAddr())
		return
	}
	for _, w := range waiters {
		w(rtt)
	}
}

// recvGoAway handles the server's drain announcement: streams the peer
// will not process fail with a retryable status, the rest run to
// completion.
func (cs *clientSession) recvGoAway(f *http2.GoAwayFrame) {
	cs.mu.Lock()
	if cs.state == sessionClosed {
		cs.mu.Unlock()
		return
	}
	last := f.LastStreamID
	if last > 0 && last%2 == 0 {
		cs.mu.Unlock()
		cs.Close(connectionErrorf(true, nil, "transport: GOAWAY with even last stream id %d", last))
		return
	}
	first := !cs.goAwaySeen
	if first {
		cs.goAwaySeen = true
		cs.state = sessionDraining
		cs.goAwayReason = GoAwayNoReason
		if f.ErrCode == http2.ErrCodeEnhanceYourCalm && string(f.DebugData()) == "too_many_pings" {
			cs.goAwayReason = GoAwayTooManyPings
		}
		if len(f.DebugData()) == 0 {
			cs.goAwayDebug = fmt.Sprintf("code: %s", f.ErrCode)
		} else {
			cs.goAwayDebug = fmt.Sprintf("code: %s, debug data: %q", f.ErrCode, f.DebugData())
		}
		close(cs.goAwayCh)
	} else if last > cs.peerLastID {
		// A later GOAWAY may only shrink the processed range.
		cs.mu.Unlock()
		cs.Close(connectionErrorf(true, nil, "transport: GOAWAY last stream id grew from %d to %d", cs.peerLastID, last))
		return
	}
	cs.peerLastID = last
	// Streams above the advertised id were never processed; equal and
	// below complete normally.
	var refused []*Stream
	for id, s := range cs.streams {
		if id > last {
			s.unprocessed.Store(true)
			refused = append(refused, s)
		}
	}
	active := len(cs.streams)
	reason := cs.goAwayReason
	cs.mu.Unlock()

	if first {
		cs.queue.put(&cmdPeerDraining{})
		if cs.onGoAway != nil {
			cs.onGoAway(reason)
		}
	}
	for _, s := range refused {
		cs.finishStream(s, errStreamDrain, status.New(code.Code_UNAVAILABLE, "the connection is draining"), nil, nil)
	}
	if active == len(refused) {
		cs.Close(connectionErrorf(true, nil, "transport: GOAWAY left no active streams"))
	}
}

// recvHeaders handles a response header or trailer block.
func (cs *clientSession) recvHeaders(frame *http2.MetaHeadersFrame) {
	s := cs.lookup(frame.Header().StreamID)
	if s == nil {
		return
	}
	s.gotBytes.Store(true)
	ends := frame.StreamEnded()
	firstBlock := !s.headerClosed.Load()

	if !firstBlock && !ends {
		// Only the response headers and the trailers may carry header
		// blocks; anything in between is a protocol violation.
		st := status.New(code.Code_INTERNAL, "a HEADERS frame cannot appear in the middle of a stream")
		rst := http2.ErrCodeProtocol
		cs.finishStream(s, st.Err(), st, nil, &rst)
		return
	}
	if frame.Truncated {
		st := status.New(code.Code_INTERNAL, "peer header list size exceeded limit")
		rst := http2.ErrCodeFrameSize
		cs.finishStream(s, st.Err(), st, nil, &rst)
		return
	}

	resp, fail := parseResponseBlock(frame.Fields, firstBlock)
	if fail != nil {
		rst := http2.ErrCodeProtocol
		cs.finishStream(s, fail.Err(), fail, resp.mdata, &rst)
		return
	}

	if s.headerClosed.CompareAndSwap(false, true) {
		s.headerValid = true
		if !ends {
			s.recvCompress = resp.encoding
			if resp.mdata.Count() > 0 {
				s.header = resp.mdata
			}
		} else {
			s.noHeaders = true
		}
		close(s.headerDone)
	}
	if !ends {
		return
	}

	// The trailers settle the call. An RST follows when the client never
	// half closed.
	var rst *http2.ErrCode
	if s.getState() == streamOpen {
		c := http2.ErrCodeNo
		rst = &c
	}
	cs.finishStream(s, io.EOF, status.New(code.Code(resp.grpcStatus), resp.grpcMessage), resp.mdata, rst)
}

// responseBlock is one parsed header or trailer block.
type responseBlock struct {
	mdata       *metadata.MD
	encoding    string
	grpcStatus  int32
	grpcMessage string
}

// parseResponseBlock validates and decodes the fields of a response block.
// A non-nil status reports a block the call must fail on: a bad
// content-type yields UNKNOWN naming the content-type, a non-200 :status
// maps through the HTTP table.
func parseResponseBlock(fields []hpack.HeaderField, needContentType bool) (responseBlock, *status.Status) {
	resp := responseBlock{
		mdata:      &metadata.MD{},
		grpcStatus: int32(code.Code_UNKNOWN),
	}
	var (
		contentTypeErr = "malformed header: missing HTTP content-type"
		httpStatus     *int
		httpStatusErr  string
		badHeader      string
	)
	for _, hf := range fields {
		switch hf.Name {
		case "content-type":
			resp.mdata.Append(hf.Name, hf.Value)
			if _, valid := grpcutil.ContentSubtype(hf.Value); !valid {
				contentTypeErr = fmt.Sprintf("transport: received unexpected content-type %q", hf.Value)
				break
			}
			contentTypeErr = ""
		case "grpc-encoding":
			resp.encoding = hf.Value
		case "grpc-status":
			c, err := strconv.ParseInt(hf.Value, 10, 32)
			if err != nil {
				return resp, status.Newf(code.Code_INTERNAL, "transport: malformed grpc-status: %v", err)
			}
			resp.grpcStatus = int32(c)
		case "grpc-message":
			resp.grpcMessage = grpcutil.DecodeGrpcMessage(hf.Value)
		case ":status":
			c, err := strconv.ParseInt(hf.Value, 10, 32)
			if err != nil {
				return resp, status.Newf(code.Code_INTERNAL, "transport: malformed http status: %v", err)
			}
			sc := int(c)
			httpStatus = &sc
			if sc != 200 {
				httpStatusErr = fmt.Sprintf("unexpected HTTP status code received from server: %d (%s)", sc, http.StatusText(sc))
			}
		default:
			if isReservedHeader(hf.Name) && !isExposedHeader(hf.Name) {
				break
			}
			v, err := metadata.DecodeValue(hf.Name, hf.Value)
			if err != nil {
				badHeader = fmt.Sprintf("transport: malformed %s: %v", hf.Name, err)
				break
			}
			resp.mdata.Append(hf.Name, v)
		}
	}
	if needContentType && contentTypeErr != "" {
		// The response is not speaking the protocol: UNKNOWN with the
		// offending metadata preserved.
		c := code.Code_UNKNOWN
		msg := contentTypeErr
		if httpStatusErr != "" {
			msg = httpStatusErr + "; " + msg
		}
		return resp, status.New(c, msg)
	}
	if httpStatusErr != "" {
		c, ok := httpToCode[*httpStatus]
		if !ok {
			c = code.Code_UNKNOWN
		}
		return resp, status.New(c, httpStatusErr)
	}
	if badHeader != "" {
		return resp, status.New(code.Code_INTERNAL, badHeader)
	}
	return resp, nil
}

// keepaliveLoop pings the server after Time of silence and closes the
// session when no ack arrives within Timeout.
func (cs *clientSession) keepaliveLoop() {
	timer := time.NewTimer(cs.keepalive.Time)
	defer timer.Stop()
	outstanding := false
	var patience time.Duration
	lastReset := time.Now().UnixNano()
	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-timer.C:
		}
		seen := cs.lastActivity.Load()
		if seen > lastReset {
			// The connection spoke recently; sleep out the rest of the
			// quiet period.
			outstanding = false
			lastReset = seen
			timer.Reset(time.Duration(seen-time.Now().UnixNano()) + cs.keepalive.Time)
			continue
		}
		if outstanding && patience <= 0 {
			cs.Close(connectionErrorf(true, nil, "keepalive ping failed to receive ACK within timeout"))
			return
		}
		cs.mu.Lock()
		if cs.state == sessionClosed {
			cs.mu.Unlock()
			return
		}
		idle := len(cs.streams) == 0
		cs.mu.Unlock()
		if idle && !cs.keepalive.PermitWithoutStream {
			timer.Reset(cs.keepalive.Time)
			continue
		}
		if !outstanding {
			cs.SendPing(nil)
			outstanding = true
			patience = cs.keepalive.Timeout
		}
		step := cs.keepalive.Time
		if patience < step {
			step = patience
		}
		patience -= step
		timer.Reset(step)
	}
}
