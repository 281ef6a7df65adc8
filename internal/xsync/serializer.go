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

package xsync

import (
	"sync"
)

// Serializer runs scheduled closures one at a time, in scheduling order.
// Closures scheduled from the same goroutine run in the order they were
// scheduled. The zero value is ready to use.
//
// It is the execution model behind per-call and per-stream listener
// delivery: the I/O goroutine schedules callbacks, the application observes
// a linear sequence.
type Serializer struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Schedule enqueues f. If no closure is currently running, the calling
// goroutine donates itself to drain the queue; otherwise f runs after the
// closures already queued, on whichever goroutine is draining.
func (s *Serializer) Schedule(f func()) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.drain()
}

func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		f()
	}
}
