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
	"sync"

	"github.com/codesjoy/bifrost/config"
	"github.com/codesjoy/bifrost/utils/xarray"
)

// HandlerBuilder creates a handler for one side of the wire.
type HandlerBuilder func(isServer bool) Handler

var (
	mu       sync.RWMutex
	builders = map[string]HandlerBuilder{}

	clientOnce    sync.Once
	clientHandler Handler
	serverOnce    sync.Once
	serverHandler Handler
)

// RegisterHandlerBuilder registers a stats handler builder by name.
func RegisterHandlerBuilder(name string, builder HandlerBuilder) {
	mu.Lock()
	defer mu.Unlock()
	builders[name] = builder
}

// GetHandlerBuilder returns the registered builder, or nil.
func GetHandlerBuilder(name string) HandlerBuilder {
	mu.RLock()
	defer mu.RUnlock()
	return builders[name]
}

// handlerChain fans one event out to every configured handler.
type handlerChain struct {
	handlers []Handler
}

func (h *handlerChain) TagRPC(ctx context.Context, info *RPCTagInfo) context.Context {
	for _, item := range h.handlers {
		ctx = item.TagRPC(ctx, info)
	}
	return ctx
}

func (h *handlerChain) HandleRPC(ctx context.Context, rs RPCStats) {
	for _, item := range h.handlers {
		item.HandleRPC(ctx, rs)
	}
}

func buildChain(isServer bool, names []string) Handler {
	var handlers []Handler
	for _, name := range xarray.DelDupStable(names) {
		b := GetHandlerBuilder(name)
		if b == nil {
			continue
		}
		if h := b(isServer); h != nil {
			handlers = append(handlers, h)
		}
	}
	if len(handlers) == 0 {
		return nopHandler{}
	}
	if len(handlers) == 1 {
		return handlers[0]
	}
	return &handlerChain{handlers: handlers}
}

// GetClientHandler returns the configured client-side handler chain.
func GetClientHandler() Handler {
	clientOnce.Do(func() {
		names := config.Get(config.Join(config.KeyBase, "stats", "client")).StringSlice()
		clientHandler = buildChain(false, names)
	})
	return clientHandler
}

// GetServerHandler returns the configured server-side handler chain.
func GetServerHandler() Handler {
	serverOnce.Do(func() {
		names := config.Get(config.Join(config.KeyBase, "stats", "server")).StringSlice()
		serverHandler = buildChain(true, names)
	})
	return serverHandler
}
