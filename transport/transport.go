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

// Package transport translates between call-pipeline commands and HTTP/2
// frames. Each connection is a session with two goroutines: a read loop
// that owns all inbound frame handling, and a write loop that drains a
// command queue onto the wire. Other goroutines only ever enqueue
// commands.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/status"
)

// ErrConnClosing indicates the transport is closing.
var ErrConnClosing = connectionErrorf(true, nil, "transport is closing")

// ErrStreamsExhausted is reported when the connection has no client stream
// ids left to allocate.
var ErrStreamsExhausted = status.New(code.Code_UNAVAILABLE, "Stream IDs have been exhausted")

// errStreamDrain indicates that the stream was refused because the
// transport is draining after a GOAWAY; the call may be retried on another
// connection.
var errStreamDrain = status.New(code.Code_UNAVAILABLE, "the connection is draining").Err()

// errStreamClosed is returned from write paths once the stream reached its
// terminal state.
var errStreamClosed = errors.New("transport: the stream is closed")

// ErrIllegalHeaderWrite indicates that setting header is illegal because of
// the stream's state.
var ErrIllegalHeaderWrite = status.New(code.Code_INTERNAL, "transport: SendHeader called multiple times or after stream done")

// ConnectionError is an error that results in the termination of the
// entire connection and the retry of all the active streams.
type ConnectionError struct {
	Desc string
	temp bool
	err  error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: desc = %q", e.Desc)
}

// Temporary indicates if this connection error is temporary or fatal.
func (e ConnectionError) Temporary() bool {
	return e.temp
}

// Unwrap returns the original error of this connection error or nil when
// there is none.
func (e ConnectionError) Unwrap() error {
	return e.err
}

func connectionErrorf(temp bool, e error, format string, a ...any) ConnectionError {
	return ConnectionError{
		Desc: fmt.Sprintf(format, a...),
		temp: temp,
		err:  e,
	}
}

// GoAwayReason contains the reason for the GoAway frame received.
type GoAwayReason uint8

const (
	// GoAwayInvalid indicates that no GoAway frame is received.
	GoAwayInvalid GoAwayReason = 0
	// GoAwayNoReason is the default value when GoAway frame is received.
	GoAwayNoReason GoAwayReason = 1
	// GoAwayTooManyPings indicates that the peer sent
	// GOAWAY(ENHANCE_YOUR_CALM) with "too_many_pings" as the debug data.
	GoAwayTooManyPings GoAwayReason = 2
)

// CallHdr carries the information of a particular RPC.
type CallHdr struct {
	// Host specifies the peer's host.
	Host string
	// Method specifies the operation to perform.
	Method string
	// SendCompress specifies the compression algorithm applied on outbound
	// messages.
	SendCompress string
	// ContentSubtype specifies the content-subtype for a request. For
	// example, a content-subtype of "proto" will result in a content-type of
	// "application/grpc+proto". Must be lowercase.
	ContentSubtype string
}

// Options provides additional hints and information for message
// transmission.
type Options struct {
	// Last indicates whether this write is the last piece for this stream.
	Last bool
}

// ConnectOptions covers all relevant options for communicating with the
// server.
type ConnectOptions struct {
	// Authority is the :authority pseudo-header to use.
	Authority string
	// UserAgent is the application user agent.
	UserAgent string
	// WriteBufferSize sets the size of write buffer which in turn determines
	// how much data can be batched before it's written on the wire.
	WriteBufferSize int `mapstructure:"writeBufferSize" default:"32768"`
	// ReadBufferSize sets the size of read buffer, which in turn determines
	// how much data can be read at most for one read syscall.
	ReadBufferSize int `mapstructure:"readBufferSize"  default:"32768"`
	// InitialWindowSize sets the initial window size for a stream.
	InitialWindowSize int32 `mapstructure:"initialWindowSize" default:"65535"`
	// InitialConnWindowSize sets the initial window size for a connection.
	InitialConnWindowSize int32 `mapstructure:"initialConnWindowSize" default:"1048576"`
	// KeepaliveParams configures the transport keepalive pings.
	KeepaliveParams KeepaliveParams `mapstructure:"keepalive"`
	// Dialer establishes the raw connection. Defaults to a plain TCP dial.
	Dialer func(context.Context, string) (net.Conn, error)
	// OnInUseChange is invoked on the 0<->1 active-stream edge transitions.
	OnInUseChange func(inUse bool)
}

// KeepaliveParams is used to set keepalive parameters on the client-side.
// After a duration of Time without activity a ping is sent; if no activity
// is seen within Timeout after that, the connection is closed.
type KeepaliveParams struct {
	Time                time.Duration `mapstructure:"time"`
	Timeout             time.Duration `mapstructure:"timeout" default:"20s"`
	PermitWithoutStream bool          `mapstructure:"permitWithoutStream"`
}

// ServerConfig consists of all the configurations to establish a
// server-side transport.
type ServerConfig struct {
	MaxStreams            uint32 `mapstructure:"maxConcurrentStreams"`
	WriteBufferSize       int    `mapstructure:"writeBufferSize" default:"32768"`
	ReadBufferSize        int    `mapstructure:"readBufferSize"  default:"32768"`
	InitialWindowSize     int32  `mapstructure:"initialWindowSize" default:"65535"`
	InitialConnWindowSize int32  `mapstructure:"initialConnWindowSize" default:"1048576"`
}

// ContextErr converts the error from context package into a status error.
func ContextErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.WithCode(code.Code_DEADLINE_EXCEEDED, err).Err()
	case errors.Is(err, context.Canceled):
		return status.WithCode(code.Code_CANCELLED, err).Err()
	}
	return status.Newf(code.Code_INTERNAL, "unexpected error from context packet: %v", err).Err()
}

// ClientTransport is the common interface for all client-side transport
// implementations.
type ClientTransport interface {
	// Close tears down this transport. Once it returns, the transport should
	// not be accessed any more.
	Close(err error)

	// GracefulClose starts to tear down the transport: the transport will
	// stop accepting new RPCs and new streams cannot be created. Existing
	// streams run to completion, after which the transport closes.
	GracefulClose()

	// Write sends the data for the given stream.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error

	// NewStream creates a Stream for an RPC.
	NewStream(ctx context.Context, callHdr *CallHdr) (*Stream, error)

	// CloseStream clears the footprint of a stream when the stream is not
	// needed any more. The err indicates the error incurred when CloseStream
	// is called. Must be called when a stream is finished unless the
	// associated transport is closing.
	CloseStream(stream *Stream, err error)

	// Error returns a channel that is closed when some I/O error happens.
	Error() <-chan struct{}

	// GoAway returns a channel that is closed when the transport receives
	// the draining signal from the server (a GOAWAY frame).
	GoAway() <-chan struct{}

	// GetGoAwayReason returns the reason why GoAway frame was received, along
	// with a human readable string with debug info.
	GetGoAwayReason() (GoAwayReason, string)

	// SendPing sends a keepalive ping on the connection and registers f to
	// run with the measured round trip once the matching ack arrives. At
	// most one ping is outstanding per connection; concurrent senders share
	// the outstanding ping.
	SendPing(f func(rtt time.Duration))

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr
}

// ServerTransport is the common interface for all server-side transport
// implementations.
//
// Methods may be called concurrently from multiple goroutines, but Write
// methods for a given Stream will be called serially.
type ServerTransport interface {
	// HandleStreams receives incoming streams using the given handler.
	HandleStreams(handle func(*Stream))

	// WriteHeader sends the header metadata for the given stream.
	// WriteHeader may not be called on the same stream after WriteStatus.
	WriteHeader(s *Stream, md *metadata.MD) error

	// Write sends the data for the given stream.
	// Write may not be called on the same stream after WriteStatus.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error

	// WriteStatus sends the status of a stream to the client. WriteStatus is
	// the final call made on a stream and always occurs.
	WriteStatus(s *Stream, st *status.Status) error

	// Close tears down the transport. Once it is called, the transport
	// should not be accessed any more. All the pending streams and their
	// handlers will be terminated asynchronously.
	Close(err error)

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Drain notifies the client this ServerTransport stops accepting new
	// RPCs.
	Drain()
}
