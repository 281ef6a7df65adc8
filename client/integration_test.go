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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/server"
	"github.com/codesjoy/bifrost/status"
)

// echoListener buffers inbound messages and echoes them back on half
// close.
type echoListener struct {
	call *server.Call
	msgs [][]byte
}

func (l *echoListener) OnMessage(msg []byte) {
	l.msgs = append(l.msgs, msg)
}

func (l *echoListener) OnHalfClose() {
	_ = l.call.SendHeader(metadata.Pairs("srv-header", "hello"))
	for _, m := range l.msgs {
		_ = l.call.SendMessage(m)
	}
	_ = l.call.Close(status.New(code.Code_OK, ""), metadata.Pairs("srv-trailer", "bye"))
}

func (l *echoListener) OnCancel(*status.Status) {}

// sleeper never answers; calls against it run into their deadline.
type sleeper struct{}

func (sleeper) OnMessage([]byte)          {}
func (sleeper) OnHalfClose()              {}
func (sleeper) OnCancel(st *status.Status) {}

func startEchoServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(server.WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, srv.RegisterService(server.ServiceDef{
		Name: "test.Echo",
		Methods: []server.MethodDef{
			{Name: "Do", Handler: func(call *server.Call) server.StreamListener {
				call.Request(16)
				return &echoListener{call: call}
			}},
			{Name: "Sleep", Handler: func(call *server.Call) server.StreamListener {
				call.Request(16)
				return sleeper{}
			}},
		},
	}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.ShutdownNow(status.New(code.Code_UNAVAILABLE, "test over"))
		srv.AwaitTermination(5 * time.Second)
	})
	return srv
}

func TestUnaryRoundTrip(t *testing.T) {
	srv := startEchoServer(t)
	ch := newTestChannel(t, srv.Addr().String())

	call := ch.NewCall(context.Background(), "/test.Echo/Do",
		CallOptions{}.WithWaitForReady(true).WithTimeout(5*time.Second))
	l := newMockListener()
	call.Start(l, metadata.Pairs("cli-header", "hi"))
	call.Request(4)
	require.NoError(t, call.SendMessage([]byte("payload")))
	call.HalfClose()

	waitClosed(t, l)
	st := l.finalStatus()
	require.Equal(t, code.Code_OK, st.Code(), "status: %v", st)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.messages, 1)
	assert.Equal(t, []byte("payload"), l.messages[0])
	require.NotNil(t, l.headers)
	assert.Equal(t, []string{"hello"}, l.headers.Get("srv-header"))
	require.NotNil(t, l.trailer)
	assert.Equal(t, []string{"bye"}, l.trailer.Get("srv-trailer"))
	assert.True(t, l.ready)
}

// A panic from OnMessage cancels the call with CANCELLED and the panic as
// cause; the server's OK trailer queued afterwards does not override it.
func TestListenerPanicCancelsCall(t *testing.T) {
	srv := startEchoServer(t)
	ch := newTestChannel(t, srv.Addr().String())

	call := ch.NewCall(context.Background(), "/test.Echo/Do",
		CallOptions{}.WithWaitForReady(true).WithTimeout(5*time.Second))
	l := newMockListener()
	l.onMessage = func([]byte) { panic("listener exploded") }
	call.Start(l, nil)
	call.Request(4)
	require.NoError(t, call.SendMessage([]byte("boom")))
	call.HalfClose()

	waitClosed(t, l)
	st := l.finalStatus()
	assert.Equal(t, code.Code_CANCELLED, st.Code())
	require.NotNil(t, st.Cause())
	assert.Contains(t, st.Cause().Error(), "listener exploded")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, l.closeCount(), "the server's OK must not override the cancellation")
}

func TestDeadlineExceededAgainstSlowServer(t *testing.T) {
	srv := startEchoServer(t)
	ch := newTestChannel(t, srv.Addr().String())

	call := ch.NewCall(context.Background(), "/test.Echo/Sleep",
		CallOptions{}.WithWaitForReady(true).WithTimeout(300*time.Millisecond))
	l := newMockListener()
	call.Start(l, nil)
	call.Request(1)
	require.NoError(t, call.SendMessage([]byte("are you there")))

	waitClosed(t, l)
	assert.Equal(t, code.Code_DEADLINE_EXCEEDED, l.finalStatus().Code())
}

func TestUnknownMethodIsUnimplemented(t *testing.T) {
	srv := startEchoServer(t)
	ch := newTestChannel(t, srv.Addr().String())

	call := ch.NewCall(context.Background(), "/test.Echo/Nope",
		CallOptions{}.WithWaitForReady(true).WithTimeout(5*time.Second))
	l := newMockListener()
	call.Start(l, nil)
	call.Request(1)

	waitClosed(t, l)
	assert.Equal(t, code.Code_UNIMPLEMENTED, l.finalStatus().Code())
}

// The idle timer sheds the balancer and the transports once no stream has
// been active for the configured duration; the next call revives them.
func TestIdleMode(t *testing.T) {
	srv := startEchoServer(t)
	ch := newTestChannel(t, srv.Addr().String(), WithIdleTimeout(200*time.Millisecond))

	run := func() {
		call := ch.NewCall(context.Background(), "/test.Echo/Do",
			CallOptions{}.WithWaitForReady(true).WithTimeout(5*time.Second))
		l := newMockListener()
		call.Start(l, nil)
		call.Request(4)
		require.NoError(t, call.SendMessage([]byte("x")))
		call.HalfClose()
		waitClosed(t, l)
		require.Equal(t, code.Code_OK, l.finalStatus().Code())
	}
	run()

	// After the idle timeout the balancer is gone and no transport sets
	// remain indexed.
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.lb == nil && len(ch.sets) == 0
	}, 5*time.Second, 20*time.Millisecond, "channel did not enter idle")

	// The next call exits idle and works again.
	run()
	ch.mu.Lock()
	assert.NotNil(t, ch.lb)
	ch.mu.Unlock()
}

func TestChannelShutdownTerminatesAfterActivity(t *testing.T) {
	srv := startEchoServer(t)
	ch, err := NewChannel(srv.Addr().String())
	require.NoError(t, err)

	call := ch.NewCall(context.Background(), "/test.Echo/Do",
		CallOptions{}.WithWaitForReady(true).WithTimeout(5*time.Second))
	l := newMockListener()
	call.Start(l, nil)
	call.Request(4)
	require.NoError(t, call.SendMessage([]byte("x")))
	call.HalfClose()
	waitClosed(t, l)

	ch.Shutdown()
	assert.True(t, ch.AwaitTermination(5*time.Second), "channel must terminate once transports close")
	assert.True(t, ch.IsTerminated())
	assert.True(t, ch.IsShutdown())
}
