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
	"bufio"
	"io"
	"log/slog"
	"net"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/genproto/googleapis/rpc/code"
)

const (
	// frameLimit is the largest DATA or header fragment the session writes
	// in one HTTP/2 frame.
	frameLimit = 16384

	// hpackInitTableSize follows the HTTP/2 SETTINGS default.
	hpackInitTableSize = 4096

	// defaultWindowSize is the HTTP/2 initial flow control window.
	defaultWindowSize = 65535

	maxWindowSize = 1<<31 - 1

	// noStreamLimit stands for an unset SETTINGS_MAX_CONCURRENT_STREAMS.
	noStreamLimit = 4294967295 // math.MaxUint32

	// clientFirstStreamID is the first id a client allocates; 1 is reserved
	// by the HTTP/2 spec for the upgrade request.
	clientFirstStreamID = 3

	// MaxStreamID is the upper bound for stream ids; HTTP/2 stream
	// identifiers are 31 bits.
	MaxStreamID = 1<<31 - 1
)

// transportVersion is advertised in the user-agent header.
const transportVersion = "1.0.0"

const defaultUserAgent = "grpc-bifrost-http2/" + transportVersion

var clientPreface = []byte(http2.ClientPreface)

// rstToCode maps an HTTP/2 RST_STREAM error code received from the peer to
// the status reported to the call.
var rstToCode = map[http2.ErrCode]code.Code{
	http2.ErrCodeNo:                 code.Code_UNAVAILABLE,
	http2.ErrCodeProtocol:           code.Code_INTERNAL,
	http2.ErrCodeInternal:           code.Code_INTERNAL,
	http2.ErrCodeFlowControl:        code.Code_INTERNAL,
	http2.ErrCodeSettingsTimeout:    code.Code_INTERNAL,
	http2.ErrCodeStreamClosed:       code.Code_INTERNAL,
	http2.ErrCodeFrameSize:          code.Code_INTERNAL,
	http2.ErrCodeRefusedStream:      code.Code_UNAVAILABLE,
	http2.ErrCodeCancel:             code.Code_CANCELLED,
	http2.ErrCodeCompression:        code.Code_INTERNAL,
	http2.ErrCodeConnect:            code.Code_INTERNAL,
	http2.ErrCodeEnhanceYourCalm:    code.Code_RESOURCE_EXHAUSTED,
	http2.ErrCodeInadequateSecurity: code.Code_PERMISSION_DENIED,
	http2.ErrCodeHTTP11Required:     code.Code_UNKNOWN,
}

// HTTP2ErrToCode maps an inbound RST_STREAM error code to a status code,
// falling back to INTERNAL for unknown codes.
func HTTP2ErrToCode(e http2.ErrCode) code.Code {
	if c, ok := rstToCode[e]; ok {
		return c
	}
	return code.Code_INTERNAL
}

// codeToRst picks the RST_STREAM error code sent when a stream is torn
// down with the given status.
var codeToRst = map[code.Code]http2.ErrCode{
	code.Code_INTERNAL:           http2.ErrCodeInternal,
	code.Code_CANCELLED:          http2.ErrCodeCancel,
	code.Code_DEADLINE_EXCEEDED:  http2.ErrCodeCancel,
	code.Code_UNAVAILABLE:        http2.ErrCodeRefusedStream,
	code.Code_RESOURCE_EXHAUSTED: http2.ErrCodeEnhanceYourCalm,
	code.Code_PERMISSION_DENIED:  http2.ErrCodeInadequateSecurity,
}

// httpToCode maps a non-200 :status on a response to a status code.
var httpToCode = map[int]code.Code{
	400: code.Code_INTERNAL,
	401: code.Code_UNAUTHENTICATED,
	403: code.Code_PERMISSION_DENIED,
	404: code.Code_UNIMPLEMENTED,
	429: code.Code_UNAVAILABLE,
	502: code.Code_UNAVAILABLE,
	503: code.Code_UNAVAILABLE,
	504: code.Code_UNAVAILABLE,
}

// isReservedHeader reports whether hdr belongs to the headers the protocol
// itself owns. Anything else is user metadata.
func isReservedHeader(hdr string) bool {
	if hdr != "" && hdr[0] == ':' {
		return true
	}
	switch hdr {
	case "content-type",
		"user-agent",
		"grpc-message-type",
		"grpc-encoding",
		"grpc-message",
		"grpc-status",
		"grpc-timeout",
		"te":
		return true
	default:
		return false
	}
}

// isExposedHeader reports whether a reserved header is still surfaced as
// metadata for the application to read.
func isExposedHeader(hdr string) bool {
	switch hdr {
	case ":authority", "user-agent":
		return true
	default:
		return false
	}
}

var transportSlog = slog.Default().With(slog.String("component", "transport"))

// SetLogger replaces the transport package logger, typically during process
// initialization.
func SetLogger(l *slog.Logger) {
	transportSlog = l
}

func transportLogger() *slog.Logger {
	return transportSlog
}

// flushWriter sits between the framer and the connection: frames
// accumulate in memory and reach the sink when the write loop flushes,
// batching small frames into one syscall. Errors stick.
type flushWriter struct {
	sink io.Writer
	buf  []byte
	err  error
}

func newFlushWriter(sink io.Writer, size int) *flushWriter {
	if size <= 0 {
		size = frameLimit
	}
	return &flushWriter{
		sink: sink,
		buf:  make([]byte, 0, size),
	}
}

func (w *flushWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.buf = append(w.buf, p...)
	if len(w.buf) >= cap(w.buf) {
		if err := w.Flush(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush pushes the buffered frames to the sink.
func (w *flushWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	if len(w.buf) == 0 {
		return nil
	}
	_, w.err = w.sink.Write(w.buf)
	w.buf = w.buf[:0]
	return w.err
}

// buffered reports how many bytes wait for the next flush.
func (w *flushWriter) buffered() int {
	return len(w.buf)
}

// newConnFramer builds the HTTP/2 framer for a session: reads are buffered,
// writes go through a flushWriter the write loop controls, and header
// blocks are decoded into MetaHeadersFrames.
func newConnFramer(conn net.Conn, writeBufSize, readBufSize int) (*http2.Framer, *flushWriter) {
	var r io.Reader = conn
	if readBufSize > 0 {
		r = bufio.NewReaderSize(r, readBufSize)
	}
	fw := newFlushWriter(conn, writeBufSize)
	fr := http2.NewFramer(fw, r)
	fr.SetMaxReadFrameSize(frameLimit)
	fr.ReadMetaHeaders = hpack.NewDecoder(hpackInitTableSize, nil)
	return fr, fw
}
