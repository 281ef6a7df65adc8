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
)

func TestNewChannelUnknownResolver(t *testing.T) {
	// An empty default-scheme registry can't be simulated without touching
	// global state, so exercise the explicit-scheme happy paths instead.
	ch, err := NewChannel("passthrough:///backend:1")
	require.NoError(t, err)
	assert.Equal(t, "passthrough:///backend:1", ch.Target())
	ch.Shutdown()

	// A scheme nobody registered falls back to the default scheme with the
	// original string as endpoint.
	ch, err = NewChannel("bogus-scheme://whatever")
	require.NoError(t, err)
	assert.Equal(t, "passthrough", ch.parsedTarget.Scheme)
	assert.Equal(t, "bogus-scheme://whatever", ch.parsedTarget.Endpoint)
	ch.Shutdown()
}

func TestChannelStartsIdle(t *testing.T) {
	ch := newTestChannel(t, "127.0.0.1:1")
	ch.mu.Lock()
	assert.Nil(t, ch.lb, "a fresh channel has no balancer")
	ch.mu.Unlock()

	// The first call activates the channel.
	call := ch.NewCall(context.Background(), "/s/m", CallOptions{})
	ch.mu.Lock()
	assert.NotNil(t, ch.lb)
	ch.mu.Unlock()
	call.Cancel("cleanup", nil)
}

func TestShutdownSemantics(t *testing.T) {
	ch, err := NewChannel("127.0.0.1:1")
	require.NoError(t, err)

	assert.False(t, ch.IsShutdown())
	ch.Shutdown()
	ch.Shutdown() // idempotent
	assert.True(t, ch.IsShutdown())

	// No transports existed, so the channel terminates immediately.
	assert.True(t, ch.AwaitTermination(2*time.Second))
	assert.True(t, ch.IsTerminated())

	// Invariant: terminated implies shutdown.
	if ch.IsTerminated() {
		assert.True(t, ch.IsShutdown())
	}
}

func TestNewCallOnShutdownChannel(t *testing.T) {
	ch, err := NewChannel("127.0.0.1:1")
	require.NoError(t, err)
	ch.Shutdown()

	// NewCall never fails; the call fails on Start with UNAVAILABLE.
	call := ch.NewCall(context.Background(), "/s/m", CallOptions{})
	require.NotNil(t, call)
	l := newMockListener()
	call.Start(l, nil)
	waitClosed(t, l)
	assert.Equal(t, code.Code_UNAVAILABLE, l.finalStatus().Code())
}

func TestShutdownNowIsIdempotentAndTerminates(t *testing.T) {
	ch, err := NewChannel("127.0.0.1:1")
	require.NoError(t, err)
	// Activate so a balancer and resolver exist.
	call := ch.NewCall(context.Background(), "/s/m", CallOptions{}.WithWaitForReady(true))
	l := newMockListener()
	call.Start(l, nil)

	ch.ShutdownNow()
	ch.ShutdownNow()
	assert.True(t, ch.AwaitTermination(5*time.Second))
	waitClosed(t, l)
}
