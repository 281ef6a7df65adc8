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

import "sync"

func init() {
	RegisterBuilder("passthrough", newPassthrough)
}

// passthrough resolves a target to itself: the endpoint string is the
// backend address. Refresh re-delivers the same group.
type passthrough struct {
	endpoint string
	mu       sync.Mutex
	watcher  Watcher
	closed   bool
}

func newPassthrough(target Target) (Resolver, error) {
	return &passthrough{endpoint: target.Endpoint}, nil
}

func (p *passthrough) Start(w Watcher) error {
	p.mu.Lock()
	p.watcher = w
	p.mu.Unlock()
	p.Refresh()
	return nil
}

func (p *passthrough) Refresh() {
	p.mu.Lock()
	w := p.watcher
	closed := p.closed
	p.mu.Unlock()
	if closed || w == nil {
		return
	}
	w.OnResolved(State{Groups: []AddressGroup{{Addrs: []string{p.endpoint}}}})
}

func (p *passthrough) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.watcher = nil
	return nil
}
