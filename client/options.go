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
	"time"

	"github.com/codesjoy/bifrost/internal/backoff"
	"github.com/codesjoy/bifrost/transport"
)

// Option carries a typed custom call option. The key value is the Option
// pointer itself; it holds the default returned when a call doesn't set it.
type Option struct {
	name string
	def  any
}

// NewOption creates a custom call option key with a default.
func NewOption(name string, def any) *Option {
	return &Option{name: name, def: def}
}

func (o *Option) String() string { return o.name }

// CallOptions is the immutable per-call option bundle. Each With… method
// returns a copy; the zero value is ready to use.
type CallOptions struct {
	deadline     time.Time
	hasDeadline  bool
	authority    string
	compressor   string
	waitForReady bool
	custom       map[*Option]any
}

// WithDeadline returns options carrying an absolute deadline.
func (o CallOptions) WithDeadline(t time.Time) CallOptions {
	o.deadline = t
	o.hasDeadline = true
	return o
}

// WithTimeout returns options carrying a deadline of now plus d.
func (o CallOptions) WithTimeout(d time.Duration) CallOptions {
	return o.WithDeadline(time.Now().Add(d))
}

// Deadline returns the configured deadline, if any.
func (o CallOptions) Deadline() (time.Time, bool) {
	return o.deadline, o.hasDeadline
}

// WithAuthority overrides the :authority header for the call.
func (o CallOptions) WithAuthority(a string) CallOptions {
	o.authority = a
	return o
}

// Authority returns the authority override.
func (o CallOptions) Authority() string { return o.authority }

// WithCompressor sets the outbound message compression name.
func (o CallOptions) WithCompressor(name string) CallOptions {
	o.compressor = name
	return o
}

// Compressor returns the configured compressor name.
func (o CallOptions) Compressor() string { return o.compressor }

// WithWaitForReady makes the call wait for a ready transport instead of
// failing fast on transient unavailability.
func (o CallOptions) WithWaitForReady(w bool) CallOptions {
	o.waitForReady = w
	return o
}

// WaitForReady reports whether the call waits for a ready transport.
func (o CallOptions) WaitForReady() bool { return o.waitForReady }

// WithValue attaches a custom option value; the map is copied on write.
func (o CallOptions) WithValue(key *Option, val any) CallOptions {
	custom := make(map[*Option]any, len(o.custom)+1)
	for k, v := range o.custom {
		custom[k] = v
	}
	custom[key] = val
	o.custom = custom
	return o
}

// Value reads a custom option, falling back to the key's default.
func (o CallOptions) Value(key *Option) any {
	if v, ok := o.custom[key]; ok {
		return v
	}
	return key.def
}

// DialConfig is the channel configuration scanned from
// bifrost.client.{target} and overridable programmatically.
type DialConfig struct {
	// Balancer selects the load balancing policy.
	Balancer string `mapstructure:"balancer" default:"pick_first"`
	// IdleTimeout is how long the channel may have no active streams before
	// it sheds its balancer, resolver and connections. Zero disables idle
	// mode.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
	// Authority overrides the :authority sent on calls.
	Authority string `mapstructure:"authority"`
	// UserAgent is prepended to the transport user agent.
	UserAgent string `mapstructure:"userAgent"`
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout" default:"20s"`
	// MaxRecvMsgSize bounds inbound message payloads.
	MaxRecvMsgSize int `mapstructure:"maxRecvMsgSize" default:"4194304"`
	// Backoff shapes the reconnect schedule.
	Backoff backoff.Config `mapstructure:"backoff"`
	// Transport holds the HTTP/2 connection options.
	Transport transport.ConnectOptions `mapstructure:"transport"`
}

// DialOption mutates the DialConfig before the channel starts.
type DialOption func(*DialConfig)

// WithBalancer selects the balancing policy by name.
func WithBalancer(name string) DialOption {
	return func(c *DialConfig) { c.Balancer = name }
}

// WithIdleTimeout sets the idle-mode timeout.
func WithIdleTimeout(d time.Duration) DialOption {
	return func(c *DialConfig) { c.IdleTimeout = d }
}

// WithAuthority sets the default :authority for calls on the channel.
func WithAuthority(a string) DialOption {
	return func(c *DialConfig) { c.Authority = a }
}

// WithUserAgent sets the application part of the user agent.
func WithUserAgent(ua string) DialOption {
	return func(c *DialConfig) { c.UserAgent = ua }
}

// WithConnectTimeout sets the per-attempt connect timeout.
func WithConnectTimeout(d time.Duration) DialOption {
	return func(c *DialConfig) { c.ConnectTimeout = d }
}
