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

// Package balancer implements load balancing algorithms for client
// requests: turning the resolver's address groups into a transport pick
// per call.
package balancer

import (
	"context"
	"fmt"
	"sync"

	"github.com/codesjoy/bifrost/resolver"
	"github.com/codesjoy/bifrost/transport"
)

// ErrNoAvailableInstance is returned when no backend is available for a
// pick.
var ErrNoAvailableInstance = fmt.Errorf("no available instance")

// RPCInfo contains information about the RPC being picked for.
type RPCInfo struct {
	// Ctx of the RPC request.
	Ctx context.Context
	// Method of the RPC request.
	Method string
}

// TransportManager hands out transports per address group. The channel
// implements it on top of its TransportSet arena; balancers receive the
// group key, never a channel back-pointer.
type TransportManager interface {
	// GetTransport returns the transport serving the group: the ready
	// connection when one exists, the group's delayed transport otherwise.
	GetTransport(group resolver.AddressGroup) transport.ClientTransport
}

// Balancer selects a transport for each call and absorbs resolution
// updates.
type Balancer interface {
	// PickTransport returns the transport to carry the RPC.
	PickTransport(info RPCInfo) (transport.ClientTransport, error)
	// HandleResolvedGroups absorbs a fresh snapshot from the resolver.
	HandleResolvedGroups(groups []resolver.AddressGroup, attributes map[string]any)
	// HandleNameResolutionError reports a resolution failure. While no
	// groups are known, picks fail with it until the next successful
	// snapshot; groups from an earlier snapshot keep serving picks.
	HandleNameResolutionError(err error)
	// Close shuts down the balancer.
	Close() error
	// Name returns the name of the balancer.
	Name() string
}

// Builder is the function that creates a balancer.
type Builder func(target string, tm TransportManager) (Balancer, error)

var (
	builder = map[string]Builder{}
	mu      sync.RWMutex
)

// GetBuilder returns the balancer builder.
func GetBuilder(name string) (Builder, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := builder[name]
	if !ok {
		return nil, fmt.Errorf("not found balancer builder, name: %s", name)
	}
	return f, nil
}

// RegisterBuilder registers a balancer builder.
func RegisterBuilder(name string, f Builder) {
	mu.Lock()
	defer mu.Unlock()
	builder[name] = f
}
