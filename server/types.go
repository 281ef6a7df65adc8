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

package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/codesjoy/bifrost/status"
)

// StreamListener receives the inbound events of one server call. Callbacks
// are serialized per stream.
type StreamListener interface {
	// OnMessage delivers one inbound message, in receive order, at most as
	// many as requested.
	OnMessage(msg []byte)
	// OnHalfClose signals that the client finished sending.
	OnHalfClose()
	// OnCancel signals that the call ended without a normal close: the
	// client cancelled, the connection died, or the deadline expired.
	OnCancel(st *status.Status)
}

// CallHandler starts the application side of one call and returns the
// listener for its inbound events.
type CallHandler func(call *Call) StreamListener

// MethodDef describes one invokable method.
type MethodDef struct {
	// Name is the bare method name, without service prefix.
	Name string
	// Handler produces the stream listener for each call.
	Handler CallHandler
}

// ServiceDef groups the methods of one fully-qualified service.
type ServiceDef struct {
	// Name is the fully-qualified service name, e.g. "pkg.Service".
	Name string
	// Methods lists the invokable methods.
	Methods []MethodDef
	// Metadata is carried for introspection; the runtime does not read it.
	Metadata any
}

// HandlerRegistry maps fully-qualified method names to definitions. The
// server consults its primary registry first and a fallback second.
type HandlerRegistry interface {
	// Lookup resolves "service/method" (no leading slash).
	Lookup(fullMethod string) (*MethodDef, bool)
}

// registry is the default mutable HandlerRegistry.
type registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceDef
	methods  map[string]*MethodDef // "service/method"
}

func newRegistry() *registry {
	return &registry{
		services: map[string]*ServiceDef{},
		methods:  map[string]*MethodDef{},
	}
}

func (r *registry) add(sd ServiceDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[sd.Name]; ok {
		return fmt.Errorf("duplicate service registration for %q", sd.Name)
	}
	svc := sd
	r.services[sd.Name] = &svc
	for i := range svc.Methods {
		m := &svc.Methods[i]
		r.methods[sd.Name+"/"+m.Name] = m
	}
	return nil
}

func (r *registry) Lookup(fullMethod string) (*MethodDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[fullMethod]
	return m, ok
}

func (r *registry) serviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// splitFullMethod splits "service/method", tolerating a leading slash.
func splitFullMethod(fullMethod string) (service, method string, ok bool) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	pos := strings.LastIndex(fullMethod, "/")
	if pos < 0 {
		return "", "", false
	}
	return fullMethod[:pos], fullMethod[pos+1:], true
}
