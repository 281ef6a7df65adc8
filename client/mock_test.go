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
	"net"
	"sync"
	"time"

	"github.com/codesjoy/bifrost/metadata"
	"github.com/codesjoy/bifrost/status"
	"github.com/codesjoy/bifrost/transport"
)

// mockTransport records stream creations in order; NewStream returns an
// empty stream, which is enough for the delayed-transport ordering tests.
type mockTransport struct {
	mu       sync.Mutex
	created  []string
	err      error
	errCh    chan struct{}
	goAwayCh chan struct{}
	closed   bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		errCh:    make(chan struct{}),
		goAwayCh: make(chan struct{}),
	}
}

func (m *mockTransport) NewStream(_ context.Context, callHdr *transport.CallHdr) (*transport.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, callHdr.Method)
	return &transport.Stream{}, nil
}

func (m *mockTransport) createdMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.created))
	copy(out, m.created)
	return out
}

func (m *mockTransport) Write(*transport.Stream, []byte, []byte, *transport.Options) error {
	return nil
}

func (m *mockTransport) CloseStream(*transport.Stream, error) {}

func (m *mockTransport) GracefulClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockTransport) Close(error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockTransport) Error() <-chan struct{}  { return m.errCh }
func (m *mockTransport) GoAway() <-chan struct{} { return m.goAwayCh }

func (m *mockTransport) GetGoAwayReason() (transport.GoAwayReason, string) {
	return transport.GoAwayInvalid, ""
}

func (m *mockTransport) SendPing(func(time.Duration)) {}

func (m *mockTransport) RemoteAddr() net.Addr { return nil }

var _ transport.ClientTransport = (*mockTransport)(nil)

// mockListener collects call events for assertions.
type mockListener struct {
	mu       sync.Mutex
	headers  *metadata.MD
	messages [][]byte
	ready    bool
	closed   chan struct{}
	st       *status.Status
	trailer  *metadata.MD
	closes   int

	onMessage func([]byte)
}

func newMockListener() *mockListener {
	return &mockListener{closed: make(chan struct{})}
}

func (l *mockListener) OnHeaders(md *metadata.MD) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headers = md
}

func (l *mockListener) OnMessage(msg []byte) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	cb := l.onMessage
	l.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (l *mockListener) OnReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = true
}

func (l *mockListener) OnClose(st *status.Status, trailer *metadata.MD) {
	l.mu.Lock()
	l.st = st
	l.trailer = trailer
	l.closes++
	first := l.closes == 1
	l.mu.Unlock()
	if first {
		close(l.closed)
	}
}

func (l *mockListener) finalStatus() *status.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

func (l *mockListener) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}
