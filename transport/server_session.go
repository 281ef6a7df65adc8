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
	"fmt"
	"io"
	"net"
	"strconv"
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

// ErrConnectionTerminated is reported on every stream that was still active
// when the peer went away without explanation.
var ErrConnectionTerminated = status.New(code.Code_UNAVAILABLE, "connection terminated for unknown reason")

// pingAbuseLimit is how many unsolicited pings a quiet connection may send
// before the session answers with GOAWAY(ENHANCE_YOUR_CALM).
const pingAbuseLimit = 3

// serverSession is the server side of one HTTP/2 connection.
type serverSession struct {
	conn  net.Conn
	fr    *http2.Framer
	fw    *flushWriter
	queue *writeQueue

	rootCtx context.Context

	recvWin        *connRecvWindow
	streamRecvSize uint32
	maxStreams     uint32

	lastActivity atomic.Int64

	// teWarned guards the once-per-connection te logging.
	teWarned atomic.Bool
	// quietPings counts pings received while no stream was active; reset
	// whenever the session writes. Touched only on the read loop, reset
	// flag set by the write path.
	quietPings  uint8
	wroteLately atomic.Bool

	drainOnce sync.Once

	mu      sync.Mutex
	state   sessionState
	streams map[uint32]*Stream
	// lastAcceptedID is the highest stream id accepted so far; it is the
	// Last-Stream-ID advertised when draining.
	lastAcceptedID uint32

	done      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
}

// NewServerTransport performs the server side of the HTTP/2 handshake on
// conn: settings out, client preface and settings in, then the write loop
// starts. HandleStreams drives the read side.
func NewServerTransport(conn net.Conn, config *ServerConfig) (ServerTransport, error) {
	maxStreams := config.MaxStreams
	if maxStreams == 0 {
		maxStreams = noStreamLimit
	}
	streamWin := uint32(defaultWindowSize)
	if config.InitialWindowSize > defaultWindowSize {
		streamWin = uint32(config.InitialWindowSize)
	}
	connWin := uint32(defaultWindowSize)
	if config.InitialConnWindowSize > defaultWindowSize {
		connWin = uint32(config.InitialConnWindowSize)
	}

	fr, fw := newConnFramer(conn, config.WriteBufferSize, config.ReadBufferSize)
	var settings []http2.Setting
	settings = append(settings, http2.Setting{ID: http2.SettingMaxFrameSize, Val: frameLimit})
	if maxStreams != noStreamLimit {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: maxStreams})
	}
	if streamWin != defaultWindowSize {
		settings = append(settings, http2.Setting{ID: http2.SettingInitialWindowSize, Val: streamWin})
	}
	if err := fr.WriteSettings(settings...); err != nil {
		return nil, connectionErrorf(false, err, "transport: fault to write settings: %v", err)
	}
	if connWin > defaultWindowSize {
		if err := fr.WriteWindowUpdate(0, connWin-defaultWindowSize); err != nil {
			return nil, connectionErrorf(false, err, "transport: fault to grow connection window: %v", err)
		}
	}
	if err := fw.Flush(); err != nil {
		return nil, connectionErrorf(false, err, "transport: fault to flush settings: %v", err)
	}

	// The client speaks first: the connection preface, then a SETTINGS
	// frame.
	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(conn, preface); err != nil {
		if err == io.EOF {
			// A bare connect-and-close probe; nothing to log.
			return nil, io.EOF
		}
		return nil, connectionErrorf(false, err, "transport: fault to read client preface: %v", err)
	}
	if string(preface) != string(clientPreface) {
		return nil, connectionErrorf(false, nil, "transport: bogus client preface %q", preface)
	}
	frame, err := fr.ReadFrame()
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, err
	}
	if err != nil {
		return nil, connectionErrorf(false, err, "transport: fault to read initial settings: %v", err)
	}
	sf, ok := frame.(*http2.SettingsFrame)
	if !ok {
		return nil, connectionErrorf(false, nil, "transport: first client frame is %T, want SETTINGS", frame)
	}

	ss := &serverSession{
		conn:           conn,
		fr:             fr,
		fw:             fw,
		queue:          newWriteQueue(),
		rootCtx:        context.Background(),
		recvWin:        newConnRecvWindow(connWin),
		streamRecvSize: streamWin,
		maxStreams:     maxStreams,
		streams:        make(map[uint32]*Stream),
		done:           make(chan struct{}),
		readDone:       make(chan struct{}),
		writeDone:      make(chan struct{}),
	}
	ss.lastActivity.Store(time.Now().UnixNano())
	ss.recvSettings(sf)

	xgo.Go(ss.runWriter)
	return ss, nil
}

func (ss *serverSession) runWriter() {
	loop := newWriteLoop(ss.queue, ss.fr, ss.fw, true)
	if err := loop.run(); err != nil && err != ErrConnClosing {
		transportLogger().Debug("transport: server write loop exited", "error", err)
	}
	ss.conn.Close()
	close(ss.writeDone)
}

// HandleStreams owns the read side of the session: it validates and
// accepts streams, feeds their inboxes and dispatches them to handle.
func (ss *serverSession) HandleStreams(handle func(*Stream)) {
	defer close(ss.readDone)
	for {
		frame, err := ss.fr.ReadFrame()
		ss.lastActivity.Store(time.Now().UnixNano())
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				if s := ss.lookup(se.StreamID); s != nil {
					ss.abortStream(s, se.Code)
				} else {
					ss.queue.put(&cmdFinishStream{id: se.StreamID, rst: true, rstCode: se.Code})
				}
				continue
			}
			ss.Close(err)
			return
		}
		switch frame := frame.(type) {
		case *http2.MetaHeadersFrame:
			if err := ss.acceptStream(frame, handle); err != nil {
				ss.Close(err)
				return
			}
		case *http2.DataFrame:
			ss.recvData(frame)
		case *http2.RSTStreamFrame:
			ss.recvRstStream(frame)
		case *http2.SettingsFrame:
			ss.recvSettings(frame)
		case *http2.PingFrame:
			ss.recvPing(frame)
		case *http2.WindowUpdateFrame:
			ss.queue.put(&cmdPeerWindow{id: frame.Header().StreamID, n: frame.Increment})
		case *http2.GoAwayFrame:
			// The client is going away; in-flight streams still finish.
		default:
			transportLogger().Warn("transport: server read loop dropped unhandled frame", "frameType", fmt.Sprintf("%T", frame))
		}
	}
}

// acceptStream validates an inbound HEADERS block and turns it into a
// dispatched stream. Requests that are not well-formed gRPC are refused
// with RST_STREAM before any method dispatch.
func (ss *serverSession) acceptStream(frame *http2.MetaHeadersFrame, handle func(*Stream)) error {
	id := frame.Header().StreamID
	ss.mu.Lock()
	if id%2 != 1 || id <= ss.lastAcceptedID {
		ss.mu.Unlock()
		return fmt.Errorf("transport: received an illegal stream id %d", id)
	}
	ss.lastAcceptedID = id
	ss.mu.Unlock()

	var (
		isGRPC     bool
		httpMethod string
		path       string
		subtype    string
		encoding   string
		timeoutSet bool
		timeout    time.Duration
		badTimeout bool
		mdata      = &metadata.MD{}
	)
	for _, hf := range frame.Fields {
		switch hf.Name {
		case "content-type":
			sub, valid := grpcutil.ContentSubtype(hf.Value)
			if !valid {
				break
			}
			mdata.Append(hf.Name, hf.Value)
			subtype = sub
			isGRPC = true
		case "grpc-encoding":
			encoding = hf.Value
		case ":method":
			httpMethod = hf.Value
		case ":path":
			path = hf.Value
		case "grpc-timeout":
			timeoutSet = true
			var err error
			if timeout, err = grpcutil.DecodeTimeout(hf.Value); err != nil {
				badTimeout = true
			}
		case "te":
			if hf.Value != "trailers" && ss.teWarned.CompareAndSwap(false, true) {
				// Intermediate proxies may strip te; log once per
				// connection, do not reject.
				transportLogger().Warn("transport: expected te: trailers", "got", hf.Value, "remoteAddr", ss.conn.RemoteAddr())
			}
			mdata.Append(hf.Name, hf.Value)
		default:
			if isReservedHeader(hf.Name) && !isExposedHeader(hf.Name) {
				break
			}
			v, err := metadata.DecodeValue(hf.Name, hf.Value)
			if err != nil {
				transportLogger().Warn("transport: fault to decode metadata header", "header", hf.Name, "error", err)
				break
			}
			mdata.Append(hf.Name, v)
		}
	}

	// A gRPC request is a POST with a gRPC content-type; anything else is
	// refused before dispatch.
	if httpMethod != "POST" || !isGRPC {
		ss.queue.put(&cmdFinishStream{id: id, rst: true, rstCode: http2.ErrCodeRefusedStream})
		return nil
	}
	// The method rides in a :path starting with "/"; a violation is a
	// stream-level parse error.
	if _, ok := grpcutil.MethodFromPath(path); !ok || badTimeout {
		ss.queue.put(&cmdFinishStream{id: id, rst: true, rstCode: http2.ErrCodeInternal})
		return nil
	}

	ss.mu.Lock()
	if ss.state != sessionLive {
		ss.mu.Unlock()
		return nil
	}
	if uint32(len(ss.streams)) >= ss.maxStreams {
		ss.mu.Unlock()
		ss.queue.put(&cmdFinishStream{id: id, rst: true, rstCode: http2.ErrCodeRefusedStream})
		return nil
	}
	s := &Stream{
		id:             id,
		ss:             ss,
		method:         path,
		contentSubtype: subtype,
		recvCompress:   encoding,
		reqHeader:      mdata,
		timeoutSet:     timeoutSet,
		timeout:        timeout,
		done:           make(chan struct{}),
		in:             newInbox(),
		recvWin:        newStreamRecvWindow(ss.streamRecvSize),
	}
	s.ctx, s.cancel = context.WithCancel(ss.rootCtx)
	s.gate = newSendGate(streamSendBudget)
	ss.streams[id] = s
	ss.mu.Unlock()

	ss.queue.put(&cmdOpenStream{id: id, gate: s.gate})
	handle(s)
	return nil
}

func (ss *serverSession) lookup(id uint32) *Stream {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.streams[id]
}

func (ss *serverSession) recvSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	var settings []http2.Setting
	f.ForeachSetting(func(s http2.Setting) error {
		settings = append(settings, s)
		return nil
	})
	ss.queue.put(&cmdSettingsAck{settings: settings})
}

func (ss *serverSession) recvData(f *http2.DataFrame) {
	size := f.Header().Length
	if refill := ss.recvWin.credit(size); refill > 0 {
		ss.queue.put(&cmdWindowUpdate{id: 0, n: refill})
	}
	s := ss.lookup(f.Header().StreamID)
	if s == nil {
		return
	}
	if s.getState() == streamHalfClosedRemote {
		ss.abortStream(s, http2.ErrCodeStreamClosed)
		return
	}
	if size > 0 {
		if err := s.recvWin.arrive(size); err != nil {
			ss.abortStream(s, http2.ErrCodeFlowControl)
			return
		}
		if pad := size - uint32(len(f.Data())); pad > 0 {
			if refill := s.recvWin.consume(pad); refill > 0 {
				ss.queue.put(&cmdWindowUpdate{id: s.id, n: refill})
			}
		}
		if len(f.Data()) > 0 {
			chunk := make([]byte, len(f.Data()))
			copy(chunk, f.Data())
			s.in.push(chunk)
		}
	}
	if f.StreamEnded() {
		// The client half closed; the handler sees a clean end of input.
		s.casState(streamOpen, streamHalfClosedRemote)
		s.in.fail(io.EOF)
	}
}

func (ss *serverSession) recvRstStream(f *http2.RSTStreamFrame) {
	if s := ss.lookup(f.Header().StreamID); s != nil {
		// The peer cancelled; tear the stream down without writing any
		// further frame for it.
		ss.finishStream(s, nil)
		return
	}
	// Unknown stream: make sure the write loop forgets it too.
	ss.queue.put(&cmdFinishStream{id: f.Header().StreamID})
}

func (ss *serverSession) recvPing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	ack := &cmdPing{ack: true}
	ack.payload = f.Data
	ss.queue.put(ack)

	if ss.wroteLately.Swap(false) {
		ss.quietPings = 0
		return
	}
	ss.mu.Lock()
	idle := len(ss.streams) == 0
	ss.mu.Unlock()
	if !idle {
		return
	}
	ss.quietPings++
	if ss.quietPings > pingAbuseLimit {
		ss.drainWith(http2.ErrCodeEnhanceYourCalm, []byte("too_many_pings"), true)
	}
}

// markWrote records response activity; it feeds the ping-abuse accounting.
func (ss *serverSession) markWrote() {
	ss.wroteLately.Store(true)
}

// WriteHeader sends the response headers for the stream, merged with any
// metadata staged through SetHeader.
func (ss *serverSession) WriteHeader(s *Stream, md *metadata.MD) error {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	if s.getState() == streamClosed {
		return ErrIllegalHeaderWrite
	}
	if s.headerSent.Swap(true) {
		return ErrIllegalHeaderWrite
	}
	return ss.writeHeaderLocked(s, md)
}

func (ss *serverSession) writeHeaderLocked(s *Stream, md *metadata.MD) error {
	if md != nil {
		if s.header == nil {
			s.header = md.Copy()
		} else {
			s.header = s.header.Copy()
			s.header.Merge(md)
		}
	}
	fields := make([]hpack.HeaderField, 0, 2+s.header.Count())
	fields = append(fields,
		hpack.HeaderField{Name: ":status", Value: "200"},
		hpack.HeaderField{Name: "content-type", Value: grpcutil.ContentType(s.contentSubtype)},
	)
	if s.sendCompress != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: s.sendCompress})
	}
	fields = appendMetadataFields(fields, s.header)
	ss.markWrote()
	return ss.queue.put(&cmdHeaders{id: s.id, fields: fields})
}

// Write sends response data; the headers go out first when not sent yet.
func (ss *serverSession) Write(s *Stream, hdr []byte, data []byte, _ *Options) error {
	if !s.headerSent.Load() {
		if err := ss.WriteHeader(s, nil); err != nil {
			return err
		}
	}
	if s.getState() == streamClosed {
		return errStreamClosed
	}
	if err := s.gate.reserve(len(hdr) + len(data)); err != nil {
		return err
	}
	ss.markWrote()
	return ss.queue.put(&cmdData{id: s.id, prefix: hdr, payload: data})
}

// WriteStatus ends the stream with its final status: trailers-only when no
// headers were sent, a trailer block otherwise. The first WriteStatus
// wins; everything after it is a no-op.
func (ss *serverSession) WriteStatus(s *Stream, st *status.Status) error {
	s.hdrMu.Lock()
	if s.getState() == streamClosed {
		s.hdrMu.Unlock()
		return nil
	}
	fields := make([]hpack.HeaderField, 0, 4)
	if !s.headerSent.Swap(true) {
		if s.header.Count() > 0 {
			// Staged headers exist: send them as their own block first.
			if err := ss.writeHeaderLocked(s, nil); err != nil {
				s.hdrMu.Unlock()
				return err
			}
		} else {
			// Trailers-only response.
			fields = append(fields,
				hpack.HeaderField{Name: ":status", Value: "200"},
				hpack.HeaderField{Name: "content-type", Value: grpcutil.ContentType(s.contentSubtype)},
			)
		}
	}
	fields = append(fields, hpack.HeaderField{Name: "grpc-status", Value: strconv.Itoa(int(st.Code()))})
	if msg := st.Message(); msg != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: grpcutil.EncodeGrpcMessage(msg)})
	}
	fields = appendMetadataFields(fields, s.trailer)
	s.hdrMu.Unlock()

	// The client that never half closed gets an RST after the trailers so
	// it stops sending.
	rst := s.getState() == streamOpen
	s.cancel()
	if s.swapState(streamClosed) == streamClosed {
		return nil
	}
	ss.markWrote()
	return ss.queue.put(&cmdTrailers{
		id:      s.id,
		fields:  fields,
		rst:     rst,
		rstCode: http2.ErrCodeNo,
		onDone: func() {
			ss.forget(s.id)
		},
	})
}

// abortStream resets a stream that broke the protocol.
func (ss *serverSession) abortStream(s *Stream, code http2.ErrCode) {
	s.cancel()
	if s.swapState(streamClosed) == streamClosed {
		return
	}
	s.gate.close()
	ss.queue.put(&cmdFinishStream{
		id:      s.id,
		rst:     true,
		rstCode: code,
		onDone:  func() { ss.forget(s.id) },
	})
}

// finishStream tears a stream down without writing anything for it.
func (ss *serverSession) finishStream(s *Stream, err error) {
	s.cancel()
	if s.swapState(streamClosed) == streamClosed {
		return
	}
	if err != nil {
		s.in.fail(err)
	}
	s.gate.close()
	ss.queue.put(&cmdFinishStream{id: s.id, onDone: func() { ss.forget(s.id) }})
}

func (ss *serverSession) forget(id uint32) {
	ss.mu.Lock()
	delete(ss.streams, id)
	ss.mu.Unlock()
}

// Close tears the session down; active streams fail with the
// connection-terminated status and their handlers observe cancellation.
func (ss *serverSession) Close(err error) {
	ss.mu.Lock()
	if ss.state == sessionClosed {
		ss.mu.Unlock()
		return
	}
	if err != nil && err != io.EOF {
		transportLogger().Debug("transport: closing server session", "remoteAddr", ss.conn.RemoteAddr(), "error", err)
	}
	ss.state = sessionClosed
	streams := ss.streams
	ss.streams = nil
	ss.mu.Unlock()

	ss.queue.close(ErrConnClosing)
	close(ss.done)
	ss.conn.Close()
	for _, s := range streams {
		s.in.fail(ErrConnectionTerminated.Err())
		s.gate.close()
		s.cancel()
	}
}

// RemoteAddr returns the remote network address.
func (ss *serverSession) RemoteAddr() net.Addr {
	return ss.conn.RemoteAddr()
}

// Drain announces that this session stops accepting new streams.
func (ss *serverSession) Drain() {
	ss.drainOnce.Do(func() {
		ss.drainWith(http2.ErrCodeNo, nil, false)
	})
}

func (ss *serverSession) drainWith(code http2.ErrCode, debug []byte, closeNow bool) {
	ss.mu.Lock()
	if ss.state == sessionLive {
		ss.state = sessionDraining
	}
	last := ss.lastAcceptedID
	ss.mu.Unlock()
	ss.queue.put(&cmdGoAway{code: code, last: last, debug: debug, closeNow: closeNow})
}

// appendMetadataFields encodes application metadata, skipping reserved
// keys the protocol owns.
func appendMetadataFields(fields []hpack.HeaderField, md *metadata.MD) []hpack.HeaderField {
	if md == nil {
		return fields
	}
	md.Range(func(k, v string) bool {
		if isReservedHeader(k) {
			return true
		}
		fields = append(fields, hpack.HeaderField{Name: k, Value: metadata.EncodeValue(k, v)})
		return true
	})
	return fields
}
