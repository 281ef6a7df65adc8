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

package stats

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingHandler struct {
	tagged  atomic.Int64
	handled atomic.Int64
}

func (h *countingHandler) TagRPC(ctx context.Context, _ *RPCTagInfo) context.Context {
	h.tagged.Add(1)
	return ctx
}

func (h *countingHandler) HandleRPC(context.Context, RPCStats) {
	h.handled.Add(1)
}

func TestHandlerChain(t *testing.T) {
	a, b := &countingHandler{}, &countingHandler{}
	chain := &handlerChain{handlers: []Handler{a, b}}

	ctx := chain.TagRPC(context.Background(), &RPCTagInfo{FullMethod: "/s/m"})
	chain.HandleRPC(ctx, &RPCBegin{Client: true})
	chain.HandleRPC(ctx, &RPCEnd{Client: true})

	assert.Equal(t, int64(1), a.tagged.Load())
	assert.Equal(t, int64(1), b.tagged.Load())
	assert.Equal(t, int64(2), a.handled.Load())
	assert.Equal(t, int64(2), b.handled.Load())
}

func TestBuildChain(t *testing.T) {
	h := &countingHandler{}
	RegisterHandlerBuilder("counting-test", func(bool) Handler { return h })

	// Unknown names are skipped; duplicates collapse to one instance.
	built := buildChain(false, []string{"counting-test", "counting-test", "missing"})
	built.HandleRPC(context.Background(), &RPCBegin{})
	assert.Equal(t, int64(1), h.handled.Load())

	// Nothing registered yields the nop handler, not nil.
	nop := buildChain(true, nil)
	assert.NotNil(t, nop)
	nop.HandleRPC(context.Background(), &RPCEnd{})
}

func TestEventSides(t *testing.T) {
	assert.True(t, (&RPCBegin{Client: true}).IsClient())
	assert.False(t, (&RPCEnd{}).IsClient())
	assert.True(t, (&RPCInPayload{Client: true}).IsClient())
	assert.False(t, (&RPCOutPayload{}).IsClient())
}
