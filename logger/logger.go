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

// Package logger builds the process slog handlers from configuration:
// per-handler level, format and writer, combined through a multi handler.
package logger

import (
	"log/slog"
	"strings"

	"github.com/codesjoy/bifrost/config"
)

// HandlerConfig describes one configured handler.
type HandlerConfig struct {
	// Format selects the encoder: "json" or "text".
	Format string `mapstructure:"format" default:"text"`
	// Level is the minimum level: debug, info, warn, error.
	Level string `mapstructure:"level"  default:"info"`
	// Writer names the writer configured under bifrost.logger.writer.
	Writer string `mapstructure:"writer" default:"console"`
	// AddSource includes source positions in records.
	AddSource bool `mapstructure:"addSource"`
}

// Init builds the handlers listed under bifrost.logger.handlers and
// installs the combined logger as the slog default.
func Init() error {
	var cfgs []HandlerConfig
	if err := config.Get(config.Join(config.KeyBase, "logger", "handlers")).Scan(&cfgs); err != nil {
		return err
	}
	if len(cfgs) == 0 {
		cfgs = []HandlerConfig{{Format: "text", Level: "info", Writer: "console"}}
	}
	handlers := make([]slog.Handler, 0, len(cfgs))
	for _, cfg := range cfgs {
		h, err := newHandler(&cfg)
		if err != nil {
			return err
		}
		handlers = append(handlers, h)
	}
	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = &multiHandler{handlers: handlers}
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func newHandler(cfg *HandlerConfig) (slog.Handler, error) {
	writer := cfg.Writer
	if writer == "" {
		writer = "console"
	}
	w, err := GetWriter(writer)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts), nil
	}
	return slog.NewTextHandler(w, opts), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
