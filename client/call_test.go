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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"
)

func newTestChannel(t *testing.T, target string, opts ...DialOption) *Channel {
	t.Helper()
	ch, err := NewChannel(target, opts...)
	require.NoError(t, err)
	t.Cleanup(ch.Shutdown)
	return ch
}

func waitClosed(t *testing.T, l *mockListener) {
	t.Helper()
	select {
	case <-l.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not delivered")
	}
}

// A deadline that expired before Start completes the call with
// DEADLINE_EXCEEDED without contacting any transport.
func TestStartWithExpiredDeadline(t *testing.T) {
	ch := newTestChannel(t, "127.0.0.1:1")

	call := ch.NewCall(context.Background(), "/test.Svc/Do",
		CallOptions{}.WithDeadline(time.Now().Add(-time.Millisecond)))
	l := newMockListener()
	call.Start(l, nil)

	waitClosed(t, l)
	assert.Equal(t, code.Code_DEADLINE_EXCEEDED, l.finalStatus().Code())

	// No transport set was created: the provider was never consulted.
	ch.mu.Lock()
	assert.Empty(t, ch.sets)
	ch.mu.Unlock()
}

func TestCancelFirstWins(t *testing.T) {
	ch := newTestChannel(t, "127.0.0.1:1")
	// wait-for-ready keeps the pump retrying the unreachable backend, so
	// the cancellation below deterministically decides the outcome.
	call := ch.NewCall(context.Background(), "/test.Svc/Do", CallOptions{}.WithWaitForReady(true))
	l := newMockListener()
	call.Start(l, nil)

	cause := errors.New("user gave up")
	call.Cancel("user cancel", cause)
	call.Cancel("second cancel", nil) // no-op

	waitClosed(t, l)
	st := l.finalStatus()
	assert.Equal(t, code.Code_CANCELLED, st.Code())
	assert.Equal(t, "user cancel", st.Message())
	assert.ErrorIs(t, st.Cause(), cause)

	// OnClose is delivered exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, l.closeCount())
}

func TestSendAfterHalfCloseRejected(t *testing.T) {
	ch := newTestChannel(t, "127.0.0.1:1")
	call := ch.NewCall(context.Background(), "/test.Svc/Do", CallOptions{})
	l := newMockListener()
	call.Start(l, nil)
	call.HalfClose()

	err := call.SendMessage([]byte("late"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTERNAL")
	call.Cancel("cleanup", nil)
	waitClosed(t, l)
}

func TestSendBeforeStartRejected(t *testing.T) {
	ch := newTestChannel(t, "127.0.0.1:1")
	call := ch.NewCall(context.Background(), "/test.Svc/Do", CallOptions{})
	assert.Error(t, call.SendMessage([]byte("early")))
}

func TestStartTwicePanics(t *testing.T) {
	ch := newTestChannel(t, "127.0.0.1:1")
	call := ch.NewCall(context.Background(), "/test.Svc/Do", CallOptions{})
	l := newMockListener()
	call.Start(l, nil)
	assert.Panics(t, func() { call.Start(l, nil) })
	call.Cancel("cleanup", nil)
}

func TestCallOptions(t *testing.T) {
	base := CallOptions{}
	withDl := base.WithTimeout(time.Minute)
	_, ok := base.Deadline()
	assert.False(t, ok, "options are immutable; the base keeps no deadline")
	dl, ok := withDl.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), dl, time.Second)

	key := NewOption("priority", "low")
	custom := base.WithValue(key, "high")
	assert.Equal(t, "low", base.Value(key))
	assert.Equal(t, "high", custom.Value(key))

	assert.True(t, base.WithWaitForReady(true).WaitForReady())
	assert.False(t, base.WaitForReady())
	assert.Equal(t, "alt", base.WithAuthority("alt").Authority())
}
