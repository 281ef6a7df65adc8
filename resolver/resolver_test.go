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

package resolver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesjoy/bifrost/status"
)

func TestAddressGroupKey(t *testing.T) {
	g1 := AddressGroup{Addrs: []string{"a:1", "b:2"}}
	g2 := AddressGroup{Addrs: []string{"a:1", "b:2"}}
	g3 := AddressGroup{Addrs: []string{"b:2", "a:1"}}
	assert.Equal(t, g1.Key(), g2.Key())
	assert.NotEqual(t, g1.Key(), g3.Key(), "order is part of the identity")
}

func TestParseTarget(t *testing.T) {
	t.Run("known scheme", func(t *testing.T) {
		target, b, err := ParseTarget("passthrough:///backend:50051")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "passthrough", target.Scheme)
		assert.Equal(t, "backend:50051", target.Endpoint)
	})

	t.Run("scheme with authority", func(t *testing.T) {
		target, _, err := ParseTarget("dns://8.8.8.8/backend:443")
		require.NoError(t, err)
		assert.Equal(t, "dns", target.Scheme)
		assert.Equal(t, "8.8.8.8", target.Authority)
		assert.Equal(t, "backend:443", target.Endpoint)
	})

	t.Run("unknown scheme falls back to default", func(t *testing.T) {
		target, b, err := ParseTarget("bogus://stuff")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, DefaultScheme(), target.Scheme)
		assert.Equal(t, "bogus://stuff", target.Endpoint)
	})

	t.Run("bare authority uses default scheme", func(t *testing.T) {
		target, _, err := ParseTarget("localhost:50051")
		require.NoError(t, err)
		assert.Equal(t, DefaultScheme(), target.Scheme)
		assert.Equal(t, "localhost:50051", target.Endpoint)
	})
}

type captureWatcher struct {
	mu     sync.Mutex
	states []State
	errs   []*status.Status
}

func (w *captureWatcher) OnResolved(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, state)
}

func (w *captureWatcher) OnError(st *status.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, st)
}

func (w *captureWatcher) stateCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.states)
}

func TestPassthroughResolver(t *testing.T) {
	r, err := newPassthrough(Target{Scheme: "passthrough", Endpoint: "backend:1234"})
	require.NoError(t, err)

	w := &captureWatcher{}
	require.NoError(t, r.Start(w))
	require.Equal(t, 1, w.stateCount(), "Start delivers the initial state")
	assert.Equal(t, []string{"backend:1234"}, w.states[0].Groups[0].Addrs)

	r.Refresh()
	assert.Equal(t, 2, w.stateCount(), "Refresh re-delivers")

	require.NoError(t, r.Close())
	r.Refresh()
	assert.Equal(t, 2, w.stateCount(), "no delivery after Close")
}

func TestDNSResolverLocalhost(t *testing.T) {
	r, err := newDNS(Target{Scheme: "dns", Endpoint: "localhost:1234"})
	require.NoError(t, err)
	w := &captureWatcher{}
	require.NoError(t, r.Start(w))
	defer r.Close()

	deadline := time.Now().Add(5 * time.Second)
	for w.stateCount() == 0 && len(w.errs) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) > 0 {
		for _, g := range w.states[0].Groups {
			for _, a := range g.Addrs {
				assert.Contains(t, a, ":1234")
			}
		}
	}
}
