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
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/status"
)

// echoServer serves every accepted connection with a transport whose
// streams echo one request message and close with OK.
type echoServer struct {
	lis        net.Listener
	dispatched atomic.Int64
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	es := &echoServer{lis: lis}
	go es.accept()
	t.Cleanup(func() { lis.Close() })
	return es
}

func (es *echoServer) accept() {
	for {
		conn, err := es.lis.Accept()
		if err != nil {
			return
		}
		go func() {
			st, err := NewServerTransport(conn, &ServerConfig{})
			if err != nil {
				conn.Close()
				return
			}
			st.HandleStreams(func(s *Stream) {
				es.dispatched.Add(1)
				go es.serveStream(st, s)
			})
		}()
	}
}

func (es *echoServer) serveStream(st ServerTransport, s *Stream) {
	p := NewParser(s)
	_, msg, err := p.Recv(1 << 20)
	if err != nil {
		st.WriteStatus(s, status.New(code.Code_INTERNAL, err.Error()))
		return
	}
	_ = st.WriteHeader(s, metadata.Pairs("echo-header", "yes"))
	_ = st.Write(s, MsgHeader(len(msg), false), msg, &Options{})
	s.SetTrailer(metadata.Pairs("echo-trailer", "done"))
	_ = st.WriteStatus(s, status.New(code.Code_OK, ""))
}

func dialClient(t *testing.T, addr string) *clientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ct, err := NewClientTransport(ctx, context.Background(), addr, ConnectOptions{}, nil, nil, func() {})
	require.NoError(t, err)
	t.Cleanup(func() { ct.Close(ErrConnClosing) })
	return ct.(*clientSession)
}

func TestEndToEndEcho(t *testing.T) {
	es := newEchoServer(t)
	ct := dialClient(t, es.lis.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.WithOutContext(ctx, metadata.Pairs("x-request-id", "42"))

	s, err := ct.NewStream(ctx, &CallHdr{Method: "/test.Echo/Do"})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.ID())

	payload := []byte("ping pong")
	require.NoError(t, ct.Write(s, MsgHeader(len(payload), false), payload, &Options{Last: true}))

	header, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"yes"}, header.Get("echo-header"))

	p := NewParser(s)
	_, got, err := p.Recv(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, _, err = p.Recv(1 << 20)
	require.Equal(t, io.EOF, err)
	assert.Equal(t, code.Code_OK, s.Status().Code())
	assert.Equal(t, []string{"done"}, s.Trailer().Get("echo-trailer"))

	ct.CloseStream(s, nil)
}

func TestEndToEndPing(t *testing.T) {
	es := newEchoServer(t)
	ct := dialClient(t, es.lis.Addr().String())

	rtt := make(chan time.Duration, 2)
	ct.SendPing(func(d time.Duration) { rtt <- d })
	ct.SendPing(func(d time.Duration) { rtt <- d })

	for i := 0; i < 2; i++ {
		select {
		case d := <-rtt:
			assert.GreaterOrEqual(t, d, time.Duration(0))
		case <-time.After(5 * time.Second):
			t.Fatal("ping ack not received")
		}
	}
}

// A request without a gRPC content-type is refused with RST_STREAM before
// any stream is dispatched.
func TestServerRefusesMissingContentType(t *testing.T) {
	es := newEchoServer(t)

	conn, err := net.Dial("tcp", es.lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fr := http2.NewFramer(conn, conn)
	_, err = conn.Write(clientPreface)
	require.NoError(t, err)
	require.NoError(t, fr.WriteSettings())

	var henc bytes.Buffer
	enc := hpack.NewEncoder(&henc)
	for _, f := range []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/test.Echo/Do"},
		{Name: ":authority", Value: "test"},
		{Name: "te", Value: "trailers"},
	} {
		require.NoError(t, enc.WriteField(f))
	}
	require.NoError(t, fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: henc.Bytes(),
		EndHeaders:    true,
	}))

	for {
		frame, err := fr.ReadFrame()
		require.NoError(t, err)
		if rst, ok := frame.(*http2.RSTStreamFrame); ok {
			assert.Equal(t, http2.ErrCodeRefusedStream, rst.ErrCode)
			break
		}
	}
	assert.Zero(t, es.dispatched.Load(), "no method dispatch may happen")
}

// A response carrying a non-gRPC content-type closes the call with UNKNOWN,
// a description naming the content-type and the offending metadata kept.
func TestClientRejectsBadResponseContentType(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		fr := http2.NewFramer(conn, conn)
		// Server preface.
		if fr.WriteSettings() != nil {
			return
		}
		// Swallow the client preface.
		preface := make([]byte, len(clientPreface))
		if _, err := io.ReadFull(conn, preface); err != nil {
			return
		}
		// Wait for the client HEADERS, tolerating settings and acks.
		var sawHeaders bool
		for !sawHeaders {
			frame, err := fr.ReadFrame()
			if err != nil {
				return
			}
			switch frame.(type) {
			case *http2.HeadersFrame, *http2.ContinuationFrame:
				sawHeaders = true
			}
		}
		var henc bytes.Buffer
		enc := hpack.NewEncoder(&henc)
		for _, f := range []hpack.HeaderField{
			{Name: ":status", Value: "200"},
			{Name: "content-type", Value: "application/bad"},
		} {
			if enc.WriteField(f) != nil {
				return
			}
		}
		_ = fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      3,
			BlockFragment: henc.Bytes(),
			EndHeaders:    true,
		})
		// Keep the connection open until the client is done.
		time.Sleep(2 * time.Second)
	}()

	ct := dialClient(t, lis.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := ct.NewStream(ctx, &CallHdr{Method: "/test.Echo/Do"})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed on bad content-type")
	}
	st := s.Status()
	assert.Equal(t, code.Code_UNKNOWN, st.Code())
	assert.Contains(t, st.Message(), "content-type")
	assert.Equal(t, []string{"application/bad"}, s.Trailer().Get("content-type"))
}

func TestServerDrainSendsGoAway(t *testing.T) {
	es := newEchoServer(t)

	var st ServerTransport
	ready := make(chan struct{})
	// Replace the accept loop with one that captures the transport.
	es.lis.Close()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		tr, err := NewServerTransport(conn, &ServerConfig{})
		if err != nil {
			return
		}
		st = tr
		close(ready)
		tr.HandleStreams(func(s *Stream) {
			go es.serveStream(tr, s)
		})
	}()

	goAway := make(chan struct{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ct, err := NewClientTransport(ctx, context.Background(), lis.Addr().String(), ConnectOptions{}, nil,
		func(GoAwayReason) { goAway <- struct{}{} }, func() {})
	require.NoError(t, err)
	defer ct.Close(ErrConnClosing)

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server transport not established")
	}
	st.Drain()

	select {
	case <-ct.GoAway():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe GOAWAY")
	}
}
