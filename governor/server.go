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

// Package governor exposes runtime introspection over a small HTTP
// surface: channel and server state, configuration, build info.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codesjoy/bifrost/config"
)

// Config is the governor server configuration.
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              uint64        `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"readHeaderTimeout" default:"5s"`
	ReadTimeout       time.Duration `mapstructure:"readTimeout"       default:"15s"`
	WriteTimeout      time.Duration `mapstructure:"writeTimeout"      default:"30s"`
	IdleTimeout       time.Duration `mapstructure:"idleTimeout"       default:"1m"`
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server is a governor server.
type Server struct {
	*http.Server
	listener net.Listener
	cfg      *Config
}

// NewServer creates a governor server listening per bifrost.governor.
func NewServer() (*Server, error) {
	cfg := &Config{}
	if err := config.Get(config.Join(config.KeyBase, "governor")).Scan(cfg); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", cfg.Address())
	if err != nil {
		return nil, err
	}
	s := &Server{
		Server: &http.Server{
			Addr:              cfg.Address(),
			Handler:           router(),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		listener: listener,
		cfg:      cfg,
	}
	return s, nil
}

func router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	mountRoutes(r)
	return r
}

// Serve starts the governor server.
func (s *Server) Serve() error {
	slog.Info("governor start", slog.String("endpoint", fmt.Sprintf("http://%s", s.listener.Addr())))
	err := s.Server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the governor server.
func (s *Server) Stop() error {
	return s.Shutdown(context.TODO())
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
