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

// Package resolver provides name resolution for channels: turning a target
// string into address groups, and refreshing them on demand.
package resolver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/codesjoy/bifrost/status"
)

// AddressGroup is an ordered set of socket addresses treated as one logical
// backend; connecting tries them in order.
type AddressGroup struct {
	Addrs      []string
	Attributes map[string]any
}

// Key returns the identity of the group; groups with the same addresses in
// the same order are the same backend.
func (g AddressGroup) Key() string {
	return strings.Join(g.Addrs, ",")
}

// State is a snapshot of resolution output.
type State struct {
	Groups     []AddressGroup
	Attributes map[string]any
}

// Watcher receives resolution updates. The channel implements it.
type Watcher interface {
	// OnResolved delivers a fresh snapshot of backends.
	OnResolved(state State)
	// OnError reports a resolution failure; waiting calls fail with
	// UNAVAILABLE via the balancer.
	OnError(st *status.Status)
}

// Resolver watches a single target. Implementations deliver at least one
// OnResolved or OnError after Start.
type Resolver interface {
	// Start begins resolution, delivering updates to w until Close.
	Start(w Watcher) error
	// Refresh asks for re-resolution, typically after connection failures.
	// It is a hint; implementations may coalesce or ignore it.
	Refresh()
	// Close stops the resolver. No callbacks are delivered after it returns.
	Close() error
}

// Target is a parsed channel target string.
type Target struct {
	Scheme    string
	Authority string
	Endpoint  string
}

// Builder creates a resolver for the given target.
type Builder func(target Target) (Resolver, error)

var (
	mu            sync.RWMutex
	builders      = map[string]Builder{}
	defaultScheme = "passthrough"
)

// RegisterBuilder registers a resolver builder for a URI scheme.
func RegisterBuilder(scheme string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[scheme] = b
}

// GetBuilder returns the resolver builder for the given scheme.
func GetBuilder(scheme string) (Builder, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := builders[scheme]
	return b, ok
}

// SetDefaultScheme replaces the scheme assumed for targets whose own scheme
// has no registered builder.
func SetDefaultScheme(scheme string) {
	mu.Lock()
	defer mu.Unlock()
	defaultScheme = scheme
}

// DefaultScheme returns the fallback scheme.
func DefaultScheme() string {
	mu.RLock()
	defer mu.RUnlock()
	return defaultScheme
}

// ParseTarget parses a channel target string. The target is first treated
// as a URI with a scheme; if no builder accepts that scheme, the default
// scheme is prepended and the original string becomes the endpoint.
func ParseTarget(target string) (Target, Builder, error) {
	if scheme, rest, ok := splitScheme(target); ok {
		if b, found := GetBuilder(scheme); found {
			authority, endpoint := splitAuthority(rest)
			return Target{Scheme: scheme, Authority: authority, Endpoint: endpoint}, b, nil
		}
	}
	scheme := DefaultScheme()
	b, found := GetBuilder(scheme)
	if !found {
		return Target{}, nil, fmt.Errorf("resolver: no resolver registered for target %q (default scheme %q)", target, scheme)
	}
	return Target{Scheme: scheme, Endpoint: target}, b, nil
}

func splitScheme(target string) (scheme, rest string, ok bool) {
	i := strings.Index(target, ":")
	if i < 1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

func splitAuthority(rest string) (authority, endpoint string) {
	if !strings.HasPrefix(rest, "//") {
		return "", rest
	}
	rest = rest[2:]
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}
