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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnRecvWindow(t *testing.T) {
	w := newConnRecvWindow(1000)

	// Below a quarter of the window no refill goes out.
	assert.Zero(t, w.credit(100))
	assert.Zero(t, w.credit(100))
	// Crossing the quarter returns all accumulated credit.
	assert.Equal(t, uint32(300), w.credit(100))
	// The counter starts over after the refill.
	assert.Zero(t, w.credit(100))
}

func TestStreamRecvWindow(t *testing.T) {
	t.Run("refill after a quarter is consumed", func(t *testing.T) {
		w := newStreamRecvWindow(1000)
		assert.NoError(t, w.arrive(500))
		// Consuming under a quarter accumulates silently.
		assert.Zero(t, w.consume(200))
		// Crossing a quarter releases the accumulated refill.
		assert.Equal(t, uint32(300), w.consume(100))
	})

	t.Run("overrun is a violation", func(t *testing.T) {
		w := newStreamRecvWindow(100)
		assert.NoError(t, w.arrive(100))
		assert.Error(t, w.arrive(1))
	})

	t.Run("want grants extra for oversized reads", func(t *testing.T) {
		w := newStreamRecvWindow(100)
		// A 1000-byte read cannot fit in a 100-byte window: the difference
		// is granted up front.
		grant := w.want(1000)
		assert.Equal(t, uint32(900), grant)
		// Small reads need no grant.
		w2 := newStreamRecvWindow(1000)
		assert.Zero(t, w2.want(10))
	})

	t.Run("bonus bytes are not re-advertised", func(t *testing.T) {
		w := newStreamRecvWindow(100)
		grant := w.want(150)
		assert.Equal(t, uint32(50), grant)
		assert.NoError(t, w.arrive(150))
		// All 150 consumed: the 50 bonus bytes are paid back first and
		// never re-advertised, the rest refills normally.
		refill := w.consume(150)
		assert.Equal(t, uint32(100), refill)
	})

	t.Run("consume ignores bytes never counted", func(t *testing.T) {
		w := newStreamRecvWindow(1000)
		assert.Zero(t, w.consume(10))
	})
}

func TestSendGate(t *testing.T) {
	g := newSendGate(10)

	// The budget may run negative on the write that crosses zero; the next
	// reserve then blocks until a refund.
	assert.NoError(t, g.reserve(10))
	g.refund(10)
	assert.NoError(t, g.reserve(5))
	assert.NoError(t, g.reserve(5))

	// The budget is exhausted; closing the gate releases the waiter with
	// an error.
	done := make(chan error, 1)
	go func() {
		done <- g.reserve(1)
	}()
	g.close()
	assert.Error(t, <-done)
}
