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
	"context"
	"net"
	"sync"

	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/status"
)

func init() {
	RegisterBuilder("dns", newDNS)
}

const defaultDNSPort = "443"

// dnsResolver resolves a host[:port] endpoint through the system resolver.
// Each lookup runs on its own goroutine so Refresh never blocks callers on
// network I/O.
type dnsResolver struct {
	host string
	port string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watcher Watcher
}

func newDNS(target Target) (Resolver, error) {
	host, port, err := net.SplitHostPort(target.Endpoint)
	if err != nil {
		host = target.Endpoint
		port = defaultDNSPort
	}
	r := &dnsResolver{host: host, port: port}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func (r *dnsResolver) Start(w Watcher) error {
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	r.Refresh()
	return nil
}

func (r *dnsResolver) Refresh() {
	xgo.Go(r.lookup)
}

func (r *dnsResolver) lookup() {
	addrs, err := net.DefaultResolver.LookupHost(r.ctx, r.host)
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w == nil || r.ctx.Err() != nil {
		return
	}
	if err != nil {
		w.OnError(status.WithCode(code.Code_UNAVAILABLE, err))
		return
	}
	groups := make([]AddressGroup, 0, len(addrs))
	for _, a := range addrs {
		groups = append(groups, AddressGroup{Addrs: []string{net.JoinHostPort(a, r.port)}})
	}
	w.OnResolved(State{Groups: groups})
}

func (r *dnsResolver) Close() error {
	r.cancel()
	r.mu.Lock()
	r.watcher = nil
	r.mu.Unlock()
	return nil
}
