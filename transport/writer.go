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
	"bytes"
	"errors"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// errSessionDrained reports that a draining session has no streams left;
// the write loop exits and the session closes the connection.
var errSessionDrained = errors.New("transport: session drained")

// sendStream is the write loop's view of one stream: its share of the
// peer's flow-control grant and the data waiting for it.
type sendStream struct {
	id     uint32
	window int64      // peer's stream-level grant
	queue  []*cmdData // unwritten data, arrival order
	// finalTrailers waits here until queue drains; server side.
	finalTrailers *cmdTrailers
	gate          *sendGate
}

// writeLoop drains the session's command queue onto the framer. It is the
// only goroutine that writes frames, so every piece of outbound state —
// hpack encoder, send windows, per-stream queues — lives here without
// locks.
type writeLoop struct {
	queue    *writeQueue
	fr       *http2.Framer
	fw       *flushWriter
	isServer bool

	henc *hpack.Encoder
	hbuf bytes.Buffer

	connWindow   int64 // peer's connection-level grant
	streamWindow int64 // initial per-stream grant from peer SETTINGS

	streams map[uint32]*sendStream
	// rotation holds the ids with queued data; the loop serves them round
	// robin so one busy stream cannot starve the rest.
	rotation []uint32

	draining bool
}

func newWriteLoop(queue *writeQueue, fr *http2.Framer, fw *flushWriter, isServer bool) *writeLoop {
	l := &writeLoop{
		queue:        queue,
		fr:           fr,
		fw:           fw,
		isServer:     isServer,
		connWindow:   defaultWindowSize,
		streamWindow: defaultWindowSize,
		streams:      make(map[uint32]*sendStream),
	}
	l.henc = hpack.NewEncoder(&l.hbuf)
	return l
}

// run processes commands until the queue closes or the connection breaks.
// It blocks only when there is neither a command nor writable data, and
// flushes before parking.
func (l *writeLoop) run() error {
	defer l.fw.Flush()
	for {
		// Block only when no stream has data the windows would let through.
		block := !l.canSend()
		if block {
			if err := l.fw.Flush(); err != nil {
				return err
			}
		}
		cmds, ok := l.queue.take(block)
		if !ok {
			return ErrConnClosing
		}
		for _, c := range cmds {
			if err := l.apply(c); err != nil {
				return err
			}
		}
		if err := l.pump(); err != nil {
			return err
		}
		if l.draining && len(l.streams) == 0 {
			return errSessionDrained
		}
	}
}

// canSend reports whether any stream holds data the current windows allow
// out.
func (l *writeLoop) canSend() bool {
	if l.connWindow <= 0 {
		return false
	}
	for _, id := range l.rotation {
		if s, ok := l.streams[id]; ok && len(s.queue) > 0 && s.window > 0 {
			return true
		}
	}
	return false
}

func (l *writeLoop) apply(c command) error {
	switch c := c.(type) {
	case *cmdOpenStream:
		return l.openStream(c)
	case *cmdHeaders:
		return l.writeHeaderBlock(c.id, c.fields, false)
	case *cmdData:
		l.queueData(c)
	case *cmdTrailers:
		return l.endStream(c)
	case *cmdFinishStream:
		return l.finishStream(c)
	case *cmdWindowUpdate:
		return l.fr.WriteWindowUpdate(c.id, c.n)
	case *cmdPeerWindow:
		l.grow(c.id, c.n)
	case *cmdSettingsAck:
		l.applyPeerSettings(c.settings)
		return l.fr.WriteSettingsAck()
	case *cmdPing:
		return l.fr.WritePing(c.ack, c.payload)
	case *cmdGoAway:
		if err := l.fr.WriteGoAway(c.last, c.code, c.debug); err != nil {
			return err
		}
		if c.closeNow {
			l.fw.Flush()
			return ErrConnClosing
		}
		l.draining = true
	case *cmdPeerDraining:
		l.draining = true
	default:
		transportLogger().Warn("transport: write loop got unknown command")
	}
	return nil
}

func (l *writeLoop) openStream(c *cmdOpenStream) error {
	if l.draining && !l.isServer {
		// New streams don't originate on a draining session.
		if c.orphaned != nil {
			c.orphaned(errStreamDrain)
		}
		return nil
	}
	l.streams[c.id] = &sendStream{
		id:     c.id,
		window: l.streamWindow,
		gate:   c.gate,
	}
	if c.fields != nil {
		return l.writeHeaderBlock(c.id, c.fields, c.endStream)
	}
	return nil
}

func (l *writeLoop) queueData(c *cmdData) {
	s, ok := l.streams[c.id]
	if !ok {
		// The stream was torn down while the command was in flight.
		return
	}
	s.queue = append(s.queue, c)
	l.mark(s.id)
}

// mark puts id on the round-robin rotation once.
func (l *writeLoop) mark(id uint32) {
	for _, q := range l.rotation {
		if q == id {
			return
		}
	}
	l.rotation = append(l.rotation, id)
}

// endStream writes the trailer block once the stream's queued data is out.
func (l *writeLoop) endStream(c *cmdTrailers) error {
	s, ok := l.streams[c.id]
	if !ok {
		return nil
	}
	if len(s.queue) > 0 {
		s.finalTrailers = c
		return nil
	}
	return l.flushTrailers(s, c)
}

func (l *writeLoop) flushTrailers(s *sendStream, c *cmdTrailers) error {
	if err := l.writeHeaderBlock(c.id, c.fields, true); err != nil {
		return err
	}
	if c.rst {
		if err := l.fr.WriteRSTStream(c.id, c.rstCode); err != nil {
			return err
		}
	}
	l.dropStream(s.id)
	if c.onDone != nil {
		c.onDone()
	}
	return nil
}

func (l *writeLoop) finishStream(c *cmdFinishStream) error {
	l.dropStream(c.id)
	if c.rst {
		if err := l.fr.WriteRSTStream(c.id, c.rstCode); err != nil {
			return err
		}
	}
	if c.onDone != nil {
		c.onDone()
	}
	return nil
}

func (l *writeLoop) dropStream(id uint32) {
	if s, ok := l.streams[id]; ok {
		if s.gate != nil {
			s.gate.close()
		}
		delete(l.streams, id)
	}
}

// grow applies a peer window grant and is also where parked data gets
// another chance: pump runs after every command batch.
func (l *writeLoop) grow(id uint32, n uint32) {
	if id == 0 {
		l.connWindow += int64(n)
		return
	}
	if s, ok := l.streams[id]; ok {
		s.window += int64(n)
	}
}

func (l *writeLoop) applyPeerSettings(settings []http2.Setting) {
	for _, s := range settings {
		if s.ID != http2.SettingInitialWindowSize {
			continue
		}
		delta := int64(s.Val) - l.streamWindow
		l.streamWindow = int64(s.Val)
		for _, str := range l.streams {
			str.window += delta
		}
	}
}

// pump moves queued data onto the wire, one frame per stream per round, as
// long as both windows allow.
func (l *writeLoop) pump() error {
	for {
		wrote := false
		next := l.rotation[:0]
		for _, id := range l.rotation {
			s, ok := l.streams[id]
			if !ok || len(s.queue) == 0 {
				continue
			}
			n, err := l.writeFrame(s)
			if err != nil {
				return err
			}
			if n {
				wrote = true
			}
			if len(s.queue) > 0 {
				next = append(next, id)
				continue
			}
			if s.finalTrailers != nil {
				if err := l.flushTrailers(s, s.finalTrailers); err != nil {
					return err
				}
			}
		}
		l.rotation = next
		if !wrote || len(l.rotation) == 0 {
			return nil
		}
	}
}

// writeFrame writes at most one DATA frame for the stream; it reports
// whether any bytes (or an empty end-of-stream frame) went out.
func (l *writeLoop) writeFrame(s *sendStream) (bool, error) {
	c := s.queue[0]
	remaining := len(c.prefix) + len(c.payload)

	if remaining == 0 {
		// A bare end-of-stream marker.
		if err := l.fr.WriteData(s.id, c.endStream, nil); err != nil {
			return false, err
		}
		s.queue = s.queue[1:]
		return true, nil
	}

	budget := int64(frameLimit)
	if s.window < budget {
		budget = s.window
	}
	if l.connWindow < budget {
		budget = l.connWindow
	}
	if budget <= 0 {
		return false, nil
	}
	if int64(remaining) < budget {
		budget = int64(remaining)
	}

	// Assemble the frame from the framing prefix and the payload tail.
	frame := make([]byte, 0, budget)
	take := func(src []byte) []byte {
		room := int(budget) - len(frame)
		if room <= 0 {
			return src
		}
		if room > len(src) {
			room = len(src)
		}
		frame = append(frame, src[:room]...)
		return src[room:]
	}
	c.prefix = take(c.prefix)
	c.payload = take(c.payload)

	last := c.endStream && len(c.prefix) == 0 && len(c.payload) == 0
	if err := l.fr.WriteData(s.id, last, frame); err != nil {
		return false, err
	}
	n := int64(len(frame))
	s.window -= n
	l.connWindow -= n
	if s.gate != nil {
		s.gate.refund(int(n))
	}
	if len(c.prefix) == 0 && len(c.payload) == 0 {
		s.queue = s.queue[1:]
	}
	return true, nil
}

// writeHeaderBlock hpack-encodes the fields and writes them as HEADERS
// plus CONTINUATION frames as needed.
func (l *writeLoop) writeHeaderBlock(id uint32, fields []hpack.HeaderField, endStream bool) error {
	l.hbuf.Reset()
	for _, f := range fields {
		if err := l.henc.WriteField(f); err != nil {
			transportLogger().Warn("transport: fault to encode header field", "field", f.Name, "error", err)
		}
	}
	first := true
	for {
		fragment := l.hbuf.Next(frameLimit)
		done := l.hbuf.Len() == 0
		var err error
		if first {
			first = false
			err = l.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: fragment,
				EndStream:     endStream,
				EndHeaders:    done,
			})
		} else {
			err = l.fr.WriteContinuation(id, done, fragment)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
