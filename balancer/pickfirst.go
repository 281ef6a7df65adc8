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

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/resolver"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

const pickFirstName = "pick_first"

func init() {
	RegisterBuilder(pickFirstName, newPickFirst)
}

// pickFirst routes every call to the first resolved address group.
type pickFirst struct {
	tm TransportManager

	mu      sync.RWMutex
	groups  []resolver.AddressGroup
	lastErr error
	closed  bool
}

func newPickFirst(_ string, tm TransportManager) (Balancer, error) {
	return &pickFirst{tm: tm}, nil
}

func (b *pickFirst) PickTransport(RPCInfo) (transport.ClientTransport, error) {
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
	t := b.tm.GetTransport(b.groups[0])
	if t == nil {
		return nil, ErrNoAvailableInstance
	}
	return t, nil
}

func (b *pickFirst) HandleResolvedGroups(groups []resolver.AddressGroup, _ map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.groups = groups
	b.lastErr = nil
}

func (b *pickFirst) HandleNameResolutionError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lastErr = err
}

func (b *pickFirst) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.groups = nil
	return nil
}

func (b *pickFirst) Name() string {
	return pickFirstName
}
