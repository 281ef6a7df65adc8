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

package balancer

import (
	"sync"
	"sync/atomic"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/resolver"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

const roundRobinName = "round_robin"

func init() {
	RegisterBuilder(roundRobinName, newRoundRobin)
}

// rrBalancer cycles calls across all resolved address groups.
type rrBalancer struct {
	tm TransportManager

	idx atomic.Int64

	mu      sync.RWMutex
	groups  []resolver.AddressGroup
	lastErr error
	closed  bool
}

func newRoundRobin(_ string, tm TransportManager) (Balancer, error) {
	return &rrBalancer{tm: tm}, nil
}

func (b *rrBalancer) PickTransport(RPCInfo) (transport.ClientTransport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, status.New(code.Code_UNAVAILABLE, "balancer is closed").Err()
	}
	if len(b.groups) == 0 {
		if b.lastErr != nil {
			return nil, status.Newf(code.Code_UNAVAILABLE, "name resolution failed: %v", b.lastErr).Err()
		}
		return nil, ErrNoAvailableInstance
	}
	i := int(b.idx.Add(1)-1) % len(b.groups)
	t := b.tm.GetTransport(b.groups[i])
	if t == nil {
		return nil, ErrNoAvailableInstance
	}
	return t, nil
}

func (b *rrBalancer) HandleResolvedGroups(groups []resolver.AddressGroup, _ map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.groups = groups
	b.lastErr = nil
}

func (b *rrBalancer) HandleNameResolutionError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lastErr = err
}

func (b *rrBalancer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.groups = nil
	return nil
}

func (b *rrBalancer) Name() string {
	return roundRobinName
}
