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

package transport

import (
	"fmt"
	"sync"
)

// refillFraction is the share of a window that may be consumed before the
// credit is returned to the peer as a WINDOW_UPDATE.
const refillFraction = 4

// connRecvWindow accounts inbound bytes against the connection-level
// window. Credit returns to the peer once a quarter of the window has been
// consumed; connection-level bytes count on arrival, whether or not a
// stream ever reads them.
type connRecvWindow struct {
	mu   sync.Mutex
	size uint32 // the advertised window
	used uint32 // arrived bytes not yet returned as credit
}

func newConnRecvWindow(size uint32) *connRecvWindow {
	return &connRecvWindow{size: size}
}

// credit records n arrived bytes and returns the refill to advertise, or
// zero while below the threshold.
func (w *connRecvWindow) credit(n uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.used += n
	if w.used < w.size/refillFraction {
		return 0
	}
	refill := w.used
	w.used = 0
	return refill
}

// streamRecvWindow accounts one stream's inbound budget. The session takes
// arrive on every DATA frame; the stream returns budget through consume as
// the application reads, and may ask for a one-shot bonus grant through
// want when a pending read exceeds the remaining window.
type streamRecvWindow struct {
	mu    sync.Mutex
	size  uint32 // the advertised window
	held  uint32 // arrived, not yet consumed by the application
	owed  uint32 // consumed, refill not yet sent
	bonus uint32 // extra one-shot grant beyond size
}

func newStreamRecvWindow(size uint32) *streamRecvWindow {
	return &streamRecvWindow{size: size}
}

// arrive records n inbound bytes; a peer overrunning the advertised budget
// is a flow-control violation.
func (w *streamRecvWindow) arrive(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held += n
	if w.held+w.owed > w.size+w.bonus {
		return fmt.Errorf("peer exceeded the stream flow control window: %d over %d", w.held+w.owed, w.size+w.bonus)
	}
	return nil
}

// consume releases n application-read bytes and returns the refill to send
// once a quarter of the window accumulated. Bonus grants are paid back
// first and never re-advertised.
func (w *streamRecvWindow) consume(n uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held == 0 {
		return 0
	}
	if n > w.held {
		n = w.held
	}
	w.held -= n
	if w.bonus > 0 {
		if n >= w.bonus {
			n -= w.bonus
			w.bonus = 0
		} else {
			w.bonus -= n
			n = 0
		}
	}
	w.owed += n
	if w.owed < w.size/refillFraction {
		return 0
	}
	refill := w.owed
	w.owed = 0
	return refill
}

// want is called before a large application read: when the read wants more
// than the peer could send within the current budget, the difference is
// granted immediately so a single oversized message never deadlocks.
func (w *streamRecvWindow) want(n uint32) uint32 {
	if n > maxWindowSize {
		n = maxWindowSize
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	sendable := int64(w.size+w.bonus) - int64(w.held+w.owed)
	missing := int64(n) - int64(w.held)
	if missing <= sendable {
		return 0
	}
	grant := uint32(missing - sendable)
	if int64(w.size+w.bonus)+int64(grant) > maxWindowSize {
		grant = uint32(maxWindowSize - int64(w.size+w.bonus))
	}
	w.bonus += grant
	return grant
}
