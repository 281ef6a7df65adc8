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
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/internal/backoff"
	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/internal/xsync"
	"github.com/codesjoy/bifrost/resolver"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

// transportSetCallback receives lifecycle events from a TransportSet. The
// channel implements it; callbacks carry the set's group key rather than a
// back-pointer, breaking the channel/set reference cycle.
type transportSetCallback interface {
	// onAllAddressesFailed fires when a full pass over the group's addresses
	// failed; the channel refreshes its resolver.
	onAllAddressesFailed(key string)
	// onConnectionClosedByServer fires when the server ends a connection
	// with a non-OK status.
	onConnectionClosedByServer(key string, st *status.Status)
	// onInUseChange reports the set's 0<->1 active-stream edges.
	onInUseChange(key string, inUse bool)
	// onTerminated fires once when the set holds no transports at all.
	onTerminated(key string)
}

type setState int

const (
	setIdle setState = iota
	setConnecting
	setReady
	setShutdown
)

// transportSet owns one address group and at most one connecting or
// connected transport at any time.
type transportSet struct {
	key         string
	group       resolver.AddressGroup
	cb          transportSetCallback
	connectOpts transport.ConnectOptions
	connectTO   time.Duration
	bs          backoff.Strategy

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      setState
	active     transport.ClientTransport // the READY transport, if any
	delayed    *delayedTransport
	backoffIdx int
	retryTimer *time.Timer
	shutdown   bool
	// transportsAlive counts real transports not yet fully closed; the set
	// terminates when shut down and the count reaches zero.
	transportsAlive int
	terminated      *xsync.Event
}

func newTransportSet(group resolver.AddressGroup, cb transportSetCallback, opts transport.ConnectOptions, connectTimeout time.Duration, bc backoff.Config) *transportSet {
	ts := &transportSet{
		key:        group.Key(),
		group:      group,
		cb:         cb,
		connectTO:  connectTimeout,
		bs:         backoff.Exponential{Config: bc},
		terminated: xsync.NewEvent(),
	}
	ts.ctx, ts.cancel = context.WithCancel(context.Background())
	opts.OnInUseChange = func(inUse bool) { cb.onInUseChange(ts.key, inUse) }
	ts.connectOpts = opts
	ts.delayed = newDelayedTransport(opts.OnInUseChange)
	return ts
}

// obtainActiveTransport returns the READY transport when one exists;
// otherwise it returns the shared delayed transport and starts connecting
// if not already. A shut-down set returns nil.
func (ts *transportSet) obtainActiveTransport() transport.ClientTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.shutdown {
		return nil
	}
	if ts.state == setReady {
		return ts.active
	}
	if ts.state == setIdle {
		ts.state = setConnecting
		xgo.Go(func() { ts.connectOnce(0) })
	}
	return ts.delayed
}

// connectOnce tries every address of the group in order, once. On success
// the transport becomes READY and the delayed transport drains against it.
// After a full failed pass the channel is notified, backoff applies and a
// retry is scheduled.
func (ts *transportSet) connectOnce(addrIdx int) {
	for i := addrIdx; i < len(ts.group.Addrs); i++ {
		if ts.terminatedOrShutdown() {
			return
		}
		addr := ts.group.Addrs[i]
		if ts.connectAddr(addr) {
			return
		}
	}
	// Every address failed in this pass: fail the streams buffered on the
	// delayed transport, apply backoff and schedule the next attempt.
	ts.mu.Lock()
	if ts.shutdown {
		ts.mu.Unlock()
		ts.maybeTerminate()
		return
	}
	failed := ts.delayed
	ts.delayed = newDelayedTransport(ts.connectOpts.OnInUseChange)
	delay := ts.bs.Backoff(ts.backoffIdx)
	ts.backoffIdx++
	ts.retryTimer = time.AfterFunc(delay, func() {
		ts.mu.Lock()
		if ts.shutdown {
			ts.mu.Unlock()
			return
		}
		ts.mu.Unlock()
		ts.connectOnce(0)
	})
	ts.mu.Unlock()
	failed.ShutdownNow(status.New(code.Code_UNAVAILABLE, "all addresses failed to connect"))
	ts.cb.onAllAddressesFailed(ts.key)
}

// trHolder hands the eventually-created transport to the onClose callback
// without racing the constructor's return.
type trHolder struct {
	mu sync.Mutex
	t  transport.ClientTransport
}

func (h *trHolder) set(t transport.ClientTransport) {
	h.mu.Lock()
	h.t = t
	h.mu.Unlock()
}

func (h *trHolder) get() transport.ClientTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

func (ts *transportSet) terminatedOrShutdown() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.shutdown
}

// connectAddr dials one address; returns true when the transport is READY.
func (ts *transportSet) connectAddr(addr string) bool {
	connectCtx, cancel := context.WithTimeout(ts.ctx, ts.connectTO)
	defer cancel()

	connClosed := xsync.NewEvent()
	trRef := &trHolder{}
	onClose := func() {
		if !connClosed.Fire() {
			return
		}
		ts.onTransportClosed(trRef.get())
	}
	onGoAway := func(r transport.GoAwayReason) {
		ts.cb.onConnectionClosedByServer(ts.key, status.Newf(code.Code_UNAVAILABLE, "server sent GOAWAY: reason %d", r))
	}

	ts.mu.Lock()
	ts.transportsAlive++
	ts.mu.Unlock()

	t, err := transport.NewClientTransport(connectCtx, ts.ctx, addr, ts.connectOpts, nil, onGoAway, onClose)
	if err != nil {
		slog.Warn("fault to connect address",
			slog.String("address", addr),
			slog.Any("error", err))
		if connClosed.Fire() {
			// The transport never reported closure; release the slot here.
			ts.mu.Lock()
			ts.transportsAlive--
			ts.mu.Unlock()
		}
		ts.maybeTerminate()
		return false
	}
	trRef.set(t)

	ts.mu.Lock()
	if ts.shutdown {
		ts.mu.Unlock()
		t.GracefulClose()
		return false
	}
	if connClosed.HasFired() {
		// The connection died before it could be installed.
		ts.mu.Unlock()
		return false
	}
	ts.active = t
	ts.state = setReady
	ts.backoffIdx = 0 // first success since the last failure resets backoff
	delayed := ts.delayed
	ts.mu.Unlock()
	delayed.SetTransport(t)
	return true
}

// onTransportClosed runs when a live connection ends. The set returns to
// IDLE with a fresh delayed transport; the next obtainActiveTransport
// reconnects.
func (ts *transportSet) onTransportClosed(t transport.ClientTransport) {
	ts.mu.Lock()
	ts.transportsAlive--
	if t != nil && ts.active == t {
		ts.active = nil
		ts.state = setIdle
		ts.delayed = newDelayedTransport(ts.connectOpts.OnInUseChange)
	}
	ts.mu.Unlock()
	ts.maybeTerminate()
}

func (ts *transportSet) maybeTerminate() {
	ts.mu.Lock()
	done := ts.shutdown && ts.transportsAlive == 0
	ts.mu.Unlock()
	if done && ts.terminated.Fire() {
		ts.cancel()
		ts.cb.onTerminated(ts.key)
	}
}

// shutdownSet lets existing streams finish: the delayed transport stops
// accepting new work and the live connection closes gracefully.
func (ts *transportSet) shutdownSet() {
	ts.mu.Lock()
	if ts.shutdown {
		ts.mu.Unlock()
		return
	}
	ts.shutdown = true
	if ts.retryTimer != nil {
		ts.retryTimer.Stop()
	}
	active := ts.active
	delayed := ts.delayed
	ts.mu.Unlock()
	// The set context stays alive: it is the parent of the live transport,
	// and existing streams get to finish. shutdownNowSet cancels it.
	delayed.Shutdown()
	if active != nil {
		active.GracefulClose()
	}
	ts.maybeTerminate()
}

// shutdownNowSet cancels everything, failing buffered and active streams
// with st.
func (ts *transportSet) shutdownNowSet(st *status.Status) {
	ts.mu.Lock()
	already := ts.shutdown
	ts.shutdown = true
	if ts.retryTimer != nil {
		ts.retryTimer.Stop()
	}
	active := ts.active
	delayed := ts.delayed
	ts.mu.Unlock()
	if !already {
		ts.cancel()
	}
	delayed.ShutdownNow(st)
	if active != nil {
		active.Close(st.Err())
	}
	ts.maybeTerminate()
}
