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

// Package client provides the managed channel and the per-call state
// machine of the runtime: the objects that turn an application's request
// for a new call into a live HTTP/2 stream and tear it down
// deterministically.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/balancer"
	"github.com/codesjoy/bifrost/config"
	"github.com/codesjoy/bifrost/governor"
	"github.com/codesjoy/bifrost/internal/backoff"
	"github.com/codesjoy/bifrost/internal/xsync"
	"github.com/codesjoy/bifrost/resolver"
	"github.com/codesjoy/bifrost/stats"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

// ErrChannelShutdown is the status new calls fail with once the channel has
// been shut down.
var ErrChannelShutdown = status.New(code.Code_UNAVAILABLE, "the channel is shut down")

// Channel is the client-side entry point for calls: it owns name
// resolution, load balancing, the transport pools, idle mode and shutdown
// orchestration.
//
// Lifecycle: created -> IDLE (no balancer) -> ACTIVE (balancer present) ->
// SHUTDOWN (no new calls) -> TERMINATED (all transports gone). A channel
// oscillates between IDLE and ACTIVE while not shut down.
type Channel struct {
	target          string
	parsedTarget    resolver.Target
	resolverBuilder resolver.Builder
	cfg             DialConfig
	statsHandler    stats.Handler

	// mu is the single channel-level mutex. Slow work (balancer, resolver,
	// transport shutdown) is collected as closures under mu and run after
	// releasing it.
	mu             sync.Mutex
	shutdownFlag   bool
	terminatedFlag bool
	termEvent      *xsync.Event

	// Active-mode machinery; nil while IDLE.
	lb            balancer.Balancer
	res           resolver.Resolver
	resolvedEvent *xsync.Event
	epoch         int

	sets           map[string]*transportSet
	decommissioned map[string][]*transportSet

	// In-use aggregation: a counter over balanced in-use reports from
	// transport sets and delayed transports; the 0<->1 edges arm or cancel
	// the idle timer.
	inUseCount int
	idleTimer  *time.Timer
	idleGen    int
}

// NewChannel creates a channel for the target string. The target is parsed
// as a URI whose scheme selects a resolver; with no match the default
// scheme is assumed and the whole string becomes the endpoint. The channel
// starts in IDLE and never connects until the first call.
func NewChannel(target string, opts ...DialOption) (*Channel, error) {
	cfg := DialConfig{}
	cfgKey := config.Join(config.KeyBase, "client", fmt.Sprintf("{%s}", target))
	if err := config.GetMulti(config.Join(config.KeyBase, "client", "default"), cfgKey).Scan(&cfg); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Backoff == (backoff.Config{}) {
		cfg.Backoff = backoff.DefaultConfig
	}
	parsed, rb, err := resolver.ParseTarget(target)
	if err != nil {
		return nil, status.WithCode(code.Code_INVALID_ARGUMENT, err).Err()
	}
	c := &Channel{
		target:          target,
		parsedTarget:    parsed,
		resolverBuilder: rb,
		cfg:             cfg,
		statsHandler:    stats.GetClientHandler(),
		termEvent:       xsync.NewEvent(),
		sets:            map[string]*transportSet{},
		decommissioned:  map[string][]*transportSet{},
	}
	governor.RegisterStatus(fmt.Sprintf("channel/%s", target), c.snapshot)
	return c, nil
}

// snapshot reports the channel state for the governor.
func (c *Channel) snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]string, 0, len(c.sets))
	for key := range c.sets {
		groups = append(groups, key)
	}
	return map[string]any{
		"target":         c.target,
		"idle":           c.lb == nil && !c.shutdownFlag,
		"shutdown":       c.shutdownFlag,
		"terminated":     c.terminatedFlag,
		"addressGroups":  groups,
		"decommissioned": len(c.decommissioned),
		"inUse":          c.inUseCount,
	}
}

// Target returns the channel's target string.
func (c *Channel) Target() string { return c.target }

// NewCall creates a call for the given fully-qualified method. It never
// blocks and always succeeds; on a shut-down channel the call fails on
// Start with UNAVAILABLE.
func (c *Channel) NewCall(ctx context.Context, method string, opts CallOptions) *Call {
	c.exitIdle()
	return newCall(ctx, c, method, opts)
}

// exitIdle moves the channel to ACTIVE: instantiate a balancer, start a
// fresh resolver. No-op when already active or shut down.
func (c *Channel) exitIdle() {
	c.mu.Lock()
	run := c.exitIdleLocked()
	c.mu.Unlock()
	if run != nil {
		run()
	}
}

// exitIdleLocked returns the slow work to run outside the lock, or nil.
func (c *Channel) exitIdleLocked() func() {
	if c.shutdownFlag || c.lb != nil {
		return nil
	}
	builder, err := balancer.GetBuilder(c.cfg.Balancer)
	if err != nil {
		slog.Error("fault to build balancer",
			slog.String("name", c.cfg.Balancer),
			slog.Any("error", err))
		return nil
	}
	lb, err := builder(c.target, (*channelTransportManager)(c))
	if err != nil {
		slog.Error("fault to create balancer", slog.Any("error", err))
		return nil
	}
	res, err := c.resolverBuilder(c.parsedTarget)
	if err != nil {
		slog.Error("fault to create resolver", slog.Any("error", err))
		return nil
	}
	c.lb = lb
	c.res = res
	c.resolvedEvent = xsync.NewEvent()
	c.epoch++
	w := &channelWatcher{c: c, epoch: c.epoch}
	return func() {
		if err := res.Start(w); err != nil {
			slog.Error("fault to start resolver", slog.Any("error", err))
			w.OnError(status.WithCode(code.Code_UNAVAILABLE, err))
		}
	}
}

// enterIdle sheds the balancer, the resolver and the transport index. The
// decommissioned sets keep serving their existing streams.
func (c *Channel) enterIdle(gen int) {
	c.mu.Lock()
	if gen != c.idleGen || c.shutdownFlag || c.lb == nil {
		// The timer lost the race against new use or shutdown.
		c.mu.Unlock()
		return
	}
	lb, res := c.lb, c.res
	c.lb, c.res, c.resolvedEvent = nil, nil, nil
	sets := c.sets
	c.sets = map[string]*transportSet{}
	for key, ts := range sets {
		c.decommissioned[key] = append(c.decommissioned[key], ts)
	}
	c.mu.Unlock()

	_ = lb.Close()
	_ = res.Close()
	for _, ts := range sets {
		ts.shutdownSet()
	}
}

// channelWatcher adapts the channel to the resolver's Watcher; updates from
// a stale epoch (a resolver replaced during idle) are dropped.
type channelWatcher struct {
	c     *Channel
	epoch int
}

func (w *channelWatcher) OnResolved(state resolver.State) {
	c := w.c
	c.mu.Lock()
	if w.epoch != c.epoch || c.lb == nil {
		c.mu.Unlock()
		return
	}
	lb := c.lb
	ev := c.resolvedEvent
	// Prune sets whose group disappeared; they serve existing streams to
	// completion.
	keep := map[string]bool{}
	for _, g := range state.Groups {
		keep[g.Key()] = true
	}
	var pruned []*transportSet
	for key, ts := range c.sets {
		if !keep[key] {
			delete(c.sets, key)
			c.decommissioned[key] = append(c.decommissioned[key], ts)
			pruned = append(pruned, ts)
		}
	}
	c.mu.Unlock()

	lb.HandleResolvedGroups(state.Groups, state.Attributes)
	ev.Fire()
	for _, ts := range pruned {
		ts.shutdownSet()
	}
}

func (w *channelWatcher) OnError(st *status.Status) {
	c := w.c
	c.mu.Lock()
	if w.epoch != c.epoch || c.lb == nil {
		c.mu.Unlock()
		return
	}
	lb := c.lb
	ev := c.resolvedEvent
	c.mu.Unlock()
	lb.HandleNameResolutionError(st.Err())
	// Unblock waiting calls so they observe the failure.
	ev.Fire()
}

// channelTransportManager exposes the TransportSet arena to the balancer.
type channelTransportManager Channel

func (m *channelTransportManager) GetTransport(group resolver.AddressGroup) transport.ClientTransport {
	c := (*Channel)(m)
	key := group.Key()
	c.mu.Lock()
	if c.shutdownFlag {
		c.mu.Unlock()
		return nil
	}
	ts, ok := c.sets[key]
	if !ok {
		ts = newTransportSet(group, (*channelSetCallback)(c), c.cfg.transportOptions(), c.cfg.ConnectTimeout, c.cfg.Backoff)
		c.sets[key] = ts
	}
	c.mu.Unlock()
	return ts.obtainActiveTransport()
}

func (cfg *DialConfig) transportOptions() transport.ConnectOptions {
	opts := cfg.Transport
	opts.Authority = cfg.Authority
	opts.UserAgent = cfg.UserAgent
	return opts
}

// channelSetCallback receives TransportSet events keyed by group.
type channelSetCallback Channel

func (cb *channelSetCallback) onAllAddressesFailed(string) {
	c := (*Channel)(cb)
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res != nil {
		res.Refresh()
	}
}

func (cb *channelSetCallback) onConnectionClosedByServer(_ string, st *status.Status) {
	c := (*Channel)(cb)
	slog.Debug("connection closed by server", slog.String("status", st.Message()))
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res != nil {
		res.Refresh()
	}
}

func (cb *channelSetCallback) onInUseChange(_ string, inUse bool) {
	c := (*Channel)(cb)
	c.mu.Lock()
	run := c.updateInUseLocked(inUse)
	c.mu.Unlock()
	if run != nil {
		run()
	}
}

// updateInUseLocked adjusts the aggregate in-use counter; the returned
// closure performs the edge effect outside the lock. Reports are balanced,
// so the counter never undercounts a live reporter.
func (c *Channel) updateInUseLocked(inUse bool) func() {
	before := c.inUseCount > 0
	if inUse {
		c.inUseCount++
	} else if c.inUseCount > 0 {
		c.inUseCount--
	}
	after := c.inUseCount > 0
	if before == after {
		return nil
	}
	if after {
		// 0 -> >=1: cancel the idle timer and leave idle if needed.
		c.idleGen++
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		run := c.exitIdleLocked()
		return run
	}
	// >=1 -> 0: re-arm the idle timer.
	if c.cfg.IdleTimeout > 0 && !c.shutdownFlag {
		c.idleGen++
		gen := c.idleGen
		c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
			c.enterIdle(gen)
		})
	}
	return nil
}

func (cb *channelSetCallback) onTerminated(key string) {
	c := (*Channel)(cb)
	c.mu.Lock()
	if ts, ok := c.sets[key]; ok && ts.terminated.HasFired() {
		delete(c.sets, key)
	}
	if list, ok := c.decommissioned[key]; ok {
		kept := list[:0]
		for _, ts := range list {
			if !ts.terminated.HasFired() {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(c.decommissioned, key)
		} else {
			c.decommissioned[key] = kept
		}
	}
	c.mu.Unlock()
	c.maybeTerminate()
}

// getTransport acquires a transport for a call: wait for resolution, then
// ask the balancer. ErrNoAvailableInstance retries with backoff for
// wait-for-ready calls and fails fast otherwise.
func (c *Channel) getTransport(ctx context.Context, method string, waitForReady bool) (transport.ClientTransport, error) {
	c.mu.Lock()
	if c.shutdownFlag {
		c.mu.Unlock()
		return nil, ErrChannelShutdown.Err()
	}
	run := c.exitIdleLocked()
	ev := c.resolvedEvent
	c.mu.Unlock()
	if run != nil {
		run()
	}
	if ev == nil {
		return nil, ErrChannelShutdown.Err()
	}
	select {
	case <-ev.Done():
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	bs := backoff.Exponential{Config: c.cfg.Backoff}
	info := balancer.RPCInfo{Ctx: ctx, Method: method}
	retries := 0
	for {
		c.mu.Lock()
		if c.shutdownFlag {
			c.mu.Unlock()
			return nil, ErrChannelShutdown.Err()
		}
		lb := c.lb
		c.mu.Unlock()
		if lb == nil {
			return nil, ErrChannelShutdown.Err()
		}
		t, err := lb.PickTransport(info)
		if err == nil {
			return t, nil
		}
		if err != balancer.ErrNoAvailableInstance {
			return nil, err
		}
		if !waitForReady {
			return nil, status.New(code.Code_UNAVAILABLE, "no available backend").Err()
		}
		timer := time.NewTimer(bs.Backoff(retries))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, status.FromContextError(ctx.Err()).Err()
		case <-timer.C:
			retries++
		}
	}
}

// Shutdown starts an orderly shutdown: existing calls continue, new
// transports are refused, the balancer and the resolver stop. Idempotent
// and non-blocking.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.shutdownFlag {
		c.mu.Unlock()
		return
	}
	c.shutdownFlag = true
	lb, res := c.lb, c.res
	c.lb, c.res = nil, nil
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.idleGen++
	var all []*transportSet
	for _, ts := range c.sets {
		all = append(all, ts)
	}
	for _, list := range c.decommissioned {
		all = append(all, list...)
	}
	c.mu.Unlock()

	if lb != nil {
		_ = lb.Close()
	}
	if res != nil {
		_ = res.Close()
	}
	for _, ts := range all {
		ts.shutdownSet()
	}
	c.maybeTerminate()
}

// ShutdownNow performs Shutdown and additionally cancels all delayed and
// active transports with UNAVAILABLE.
func (c *Channel) ShutdownNow() {
	c.Shutdown()
	st := status.New(code.Code_UNAVAILABLE, "channel shutdown now invoked")
	c.mu.Lock()
	var all []*transportSet
	for _, ts := range c.sets {
		all = append(all, ts)
	}
	for _, list := range c.decommissioned {
		all = append(all, list...)
	}
	c.mu.Unlock()
	var g errgroup.Group
	for _, ts := range all {
		ts := ts
		g.Go(func() error {
			ts.shutdownNowSet(st)
			return nil
		})
	}
	_ = g.Wait()
	c.maybeTerminate()
}

func (c *Channel) maybeTerminate() {
	c.mu.Lock()
	done := c.shutdownFlag && len(c.sets) == 0 && len(c.decommissioned) == 0
	if done {
		c.terminatedFlag = true
	}
	c.mu.Unlock()
	if done && c.termEvent.Fire() {
		governor.DeregisterStatus(fmt.Sprintf("channel/%s", c.target))
	}
}

// IsShutdown reports whether Shutdown has been called.
func (c *Channel) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownFlag
}

// IsTerminated reports whether all transports are gone after shutdown.
func (c *Channel) IsTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminatedFlag
}

// AwaitTermination blocks the caller until the channel terminates or the
// duration elapses; it reports whether termination was reached.
func (c *Channel) AwaitTermination(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.termEvent.Done():
		return true
	case <-timer.C:
		return c.IsTerminated()
	}
}
