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
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// command is one unit of outbound work handed from any goroutine to the
// session's write loop.
type command interface {
	isCommand()
}

// cmdOpenStream announces a new stream to the write loop. On the client it
// also carries the request headers, which the loop writes before any data;
// on the server it only opens the send-side accounting for an accepted
// stream.
type cmdOpenStream struct {
	id        uint32
	fields    []hpack.HeaderField // client request headers; nil on the server
	endStream bool
	gate      *sendGate
	// orphaned runs when the stream never reaches the wire (queue closed or
	// session draining). Client side only.
	orphaned func(error)
}

func (*cmdOpenStream) isCommand() {}

// cmdHeaders writes a non-final header block on an open stream: the
// server's response headers.
type cmdHeaders struct {
	id     uint32
	fields []hpack.HeaderField
}

func (*cmdHeaders) isCommand() {}

// cmdData queues payload bytes; the write loop chunks them into DATA
// frames as the send windows allow.
type cmdData struct {
	id        uint32
	prefix    []byte // message framing, written before payload
	payload   []byte
	endStream bool
}

func (*cmdData) isCommand() {}

// cmdTrailers ends a server stream: the trailer block goes out after the
// stream's queued data, then the stream leaves the write loop.
type cmdTrailers struct {
	id      uint32
	fields  []hpack.HeaderField
	rst     bool // half-open client side: reset after the trailers
	rstCode http2.ErrCode
	onDone  func()
}

func (*cmdTrailers) isCommand() {}

// cmdFinishStream removes a stream from the write loop, optionally
// resetting it on the wire.
type cmdFinishStream struct {
	id      uint32
	rst     bool
	rstCode http2.ErrCode
	onDone  func()
}

func (*cmdFinishStream) isCommand() {}

// cmdWindowUpdate returns inbound flow-control credit to the peer.
type cmdWindowUpdate struct {
	id uint32
	n  uint32
}

func (*cmdWindowUpdate) isCommand() {}

// cmdPeerWindow applies send credit granted by the peer.
type cmdPeerWindow struct {
	id uint32
	n  uint32
}

func (*cmdPeerWindow) isCommand() {}

// cmdSettingsAck applies the peer's settings and acknowledges them.
type cmdSettingsAck struct {
	settings []http2.Setting
}

func (*cmdSettingsAck) isCommand() {}

// cmdPing writes a PING frame or its ack.
type cmdPing struct {
	ack     bool
	payload [8]byte
}

func (*cmdPing) isCommand() {}

// cmdGoAway announces the end of the connection. With closeNow set the
// write loop exits right after the frame; otherwise the session drains and
// the loop exits once no streams remain.
type cmdGoAway struct {
	code     http2.ErrCode
	last     uint32
	debug    []byte
	closeNow bool
}

func (*cmdGoAway) isCommand() {}

// cmdPeerDraining tells the write loop the peer sent GOAWAY: no new
// streams originate, and the loop winds down with the last of them.
type cmdPeerDraining struct{}

func (*cmdPeerDraining) isCommand() {}

// writeQueue is the hand-off point between the session's goroutines and
// its write loop: short locked appends on one side, batch removal on the
// other.
type writeQueue struct {
	mu     sync.Mutex
	items  []command
	wake   chan struct{}
	closed bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

// put enqueues a command for the write loop. Commands enqueued from the
// same goroutine keep their order. Returns ErrConnClosing once the queue
// shut down.
func (q *writeQueue) put(c command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrConnClosing
	}
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// take removes every queued command at once. With block set it parks until
// at least one command or the shutdown arrives; ok is false once the queue
// is closed and drained.
func (q *writeQueue) take(block bool) (cmds []command, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmds = q.items
			q.items = nil
			q.mu.Unlock()
			return cmds, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		if !block {
			return nil, true
		}
		<-q.wake
	}
}

// close shuts the queue down. Streams whose opening command never reached
// the wire are orphaned with err.
func (q *writeQueue) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	leftover := q.items
	q.items = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	for _, c := range leftover {
		if open, ok := c.(*cmdOpenStream); ok && open.orphaned != nil {
			open.orphaned(err)
		}
	}
}

// sendGate bounds how many bytes a stream may queue ahead of the wire. The
// sender reserves before enqueueing; the write loop refunds as bytes reach
// the connection.
type sendGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	avail  int
	closed bool
}

// streamSendBudget is how far a single stream's writes may run ahead of
// the wire.
const streamSendBudget = 64 * 1024

func newSendGate(n int) *sendGate {
	g := &sendGate{avail: n}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// reserve blocks while the budget is used up, then deducts n. A write may
// take the budget negative, so one larger than the whole budget goes
// through rather than deadlocking.
func (g *sendGate) reserve(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.avail <= 0 && !g.closed {
		g.cond.Wait()
	}
	if g.closed {
		return errStreamClosed
	}
	g.avail -= n
	return nil
}

// refund returns written bytes to the budget.
func (g *sendGate) refund(n int) {
	g.mu.Lock()
	g.avail += n
	g.mu.Unlock()
	g.cond.Broadcast()
}

// close releases every waiting sender with an error.
func (g *sendGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}
