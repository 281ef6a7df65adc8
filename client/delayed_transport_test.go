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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

func TestDelayedTransportForwardsWhenReal(t *testing.T) {
	mock := newMockTransport()
	d := newDelayedTransport(nil)
	d.SetTransport(mock)

	_, err := d.NewStream(context.Background(), &transport.CallHdr{Method: "/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, mock.createdMethods())
}

func TestDelayedTransportBuffersInArrivalOrder(t *testing.T) {
	mock := newMockTransport()
	d := newDelayedTransport(nil)

	const n = 5
	started := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Serialize arrival order so it is assertable.
			<-waitForPending(d, i)
			started <- i
			_, err := d.NewStream(context.Background(), &transport.CallHdr{Method: methodName(i)})
			assert.NoError(t, err)
		}()
	}

	// Wait until all five are buffered.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.pending) == n
	}, 2*time.Second, time.Millisecond)

	d.SetTransport(mock)
	wg.Wait()

	// Buffered creations drained against the real transport in arrival
	// order.
	assert.Equal(t, []string{"/m0", "/m1", "/m2", "/m3", "/m4"}, mock.createdMethods())
}

// waitForPending returns a channel that closes once the delayed transport
// has i buffered streams, serializing the arrival of concurrent creators.
func waitForPending(d *delayedTransport, i int) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			d.mu.Lock()
			n := len(d.pending)
			d.mu.Unlock()
			if n >= i {
				close(ch)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return ch
}

func methodName(i int) string {
	return "/m" + string(rune('0'+i))
}

func TestDelayedTransportShutdownNow(t *testing.T) {
	d := newDelayedTransport(nil)

	errs := make(chan error, 1)
	go func() {
		_, err := d.NewStream(context.Background(), &transport.CallHdr{Method: "/x"})
		errs <- err
	}()

	require.Eventually(t, func() bool { return d.HasPending() }, 2*time.Second, time.Millisecond)
	d.ShutdownNow(status.New(code.Code_UNAVAILABLE, "going down"))

	select {
	case err := <-errs:
		st, _ := status.FromError(err)
		assert.Equal(t, code.Code_UNAVAILABLE, st.Code())
	case <-time.After(2 * time.Second):
		t.Fatal("buffered stream not failed by ShutdownNow")
	}

	// Later creations are rejected immediately.
	_, err := d.NewStream(context.Background(), &transport.CallHdr{Method: "/y"})
	assert.Error(t, err)
	assert.True(t, d.Terminated())
}

func TestDelayedTransportContextCancel(t *testing.T) {
	d := newDelayedTransport(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := d.NewStream(ctx, &transport.CallHdr{Method: "/x"})
		errs <- err
	}()
	require.Eventually(t, func() bool { return d.HasPending() }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		st, _ := status.FromError(err)
		assert.Equal(t, code.Code_CANCELLED, st.Code())
	case <-time.After(2 * time.Second):
		t.Fatal("buffered stream did not observe cancellation")
	}
	assert.False(t, d.HasPending())
}

func TestDelayedTransportInUseEdges(t *testing.T) {
	var mu sync.Mutex
	var edges []bool
	d := newDelayedTransport(func(inUse bool) {
		mu.Lock()
		edges = append(edges, inUse)
		mu.Unlock()
	})

	go func() {
		_, _ = d.NewStream(context.Background(), &transport.CallHdr{Method: "/x"})
	}()
	require.Eventually(t, func() bool { return d.HasPending() }, 2*time.Second, time.Millisecond)
	d.SetTransport(newMockTransport())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(edges) == 2
	}, 2*time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{true, false}, edges)
	mu.Unlock()
}
