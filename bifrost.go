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

// Package bifrost integrates the runtime modules into one entry point: a
// managed channel for outgoing calls and a managed server for incoming
// ones, configured through the config layer.
package bifrost

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/codesjoy/bifrost/client"
	"github.com/codesjoy/bifrost/config"
	"github.com/codesjoy/bifrost/config/source"
	"github.com/codesjoy/bifrost/config/source/env"
	"github.com/codesjoy/bifrost/config/source/file"
	"github.com/codesjoy/bifrost/governor"
	"github.com/codesjoy/bifrost/internal/defers"
	"github.com/codesjoy/bifrost/internal/instance"
	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/logger"
	"github.com/codesjoy/bifrost/otel"
	"github.com/codesjoy/bifrost/server"
)

var (
	initialized atomic.Bool
	cleanups    = defers.NewDefer()
)

// Init loads configuration, installs the logger and publishes the instance
// info. Idempotent; the first call wins.
func Init(appName string, sources ...source.Source) error {
	if !initialized.CompareAndSwap(false, true) {
		return nil
	}
	if len(sources) == 0 {
		if path := config.GetString(config.Join(config.KeyBase, "configFile")); path != "" {
			sources = append(sources, file.NewSource(path, true))
		}
		sources = append(sources, env.NewSource("BIFROST"))
	}
	if err := config.LoadSource(sources...); err != nil {
		return err
	}
	if err := logger.Init(); err != nil {
		return err
	}
	instance.Init(appName)
	if err := otel.Configure(); err != nil {
		return err
	}
	if config.GetBool(config.Join(config.KeyBase, "governor", "enable")) {
		gov, err := governor.NewServer()
		if err != nil {
			return err
		}
		cleanups.Register(gov.Stop)
		xgo.Go(func() {
			if err := gov.Serve(); err != nil {
				slog.Error("governor exited", slog.Any("error", err))
			}
		})
	}
	for _, src := range sources {
		cleanups.Register(src.Close)
	}
	return nil
}

// Close releases process-wide resources acquired by Init, in reverse
// order.
func Close() {
	cleanups.Done()
}

// NewChannel creates a managed channel for the target.
func NewChannel(target string, opts ...client.DialOption) (*client.Channel, error) {
	return client.NewChannel(target, opts...)
}

// NewCall is a convenience for channel.NewCall.
func NewCall(ctx context.Context, ch *client.Channel, method string, opts client.CallOptions) *client.Call {
	return ch.NewCall(ctx, method, opts)
}

// NewServer creates a managed server.
func NewServer(opts ...server.ServerOption) (*server.Server, error) {
	return server.NewServer(opts...)
}
