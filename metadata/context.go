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

package metadata

import (
	"context"
	"sync"
)

type inCtxKey struct{}
type outCtxKey struct{}
type streamCtxKey struct{}

// WithInContext attaches metadata received from the peer to ctx.
func WithInContext(ctx context.Context, md *MD) context.Context {
	return context.WithValue(ctx, inCtxKey{}, md)
}

// FromInContext returns the metadata received from the peer, if any.
func FromInContext(ctx context.Context) (*MD, bool) {
	md, ok := ctx.Value(inCtxKey{}).(*MD)
	return md, ok
}

// WithOutContext attaches metadata to be sent to the peer to ctx.
func WithOutContext(ctx context.Context, md *MD) context.Context {
	return context.WithValue(ctx, outCtxKey{}, md)
}

// FromOutContext returns the metadata to be sent to the peer, if any.
func FromOutContext(ctx context.Context) (*MD, bool) {
	md, ok := ctx.Value(outCtxKey{}).(*MD)
	return md, ok
}

// AppendToOutContext returns a context carrying the previous outbound
// metadata plus the given key/value pairs.
func AppendToOutContext(ctx context.Context, kv ...string) context.Context {
	md, _ := FromOutContext(ctx)
	joined := Join(md, Pairs(kv...))
	return WithOutContext(ctx, joined)
}

// streamMD is the mutable per-call slot used to capture the header and
// trailer observed on (or produced for) a stream.
type streamMD struct {
	mu      sync.Mutex
	header  *MD
	trailer *MD
}

// WithStreamContext returns a context with an empty header/trailer capture
// slot. Calls observe response metadata through it.
func WithStreamContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, streamCtxKey{}, &streamMD{})
}

// SetHeader records the header metadata on the stream slot of ctx. It is a
// no-op error when ctx was not prepared by WithStreamContext.
func SetHeader(ctx context.Context, md *MD) error {
	s, ok := ctx.Value(streamCtxKey{}).(*streamMD)
	if !ok {
		return ErrNoStreamContext
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = md
	return nil
}

// SetTrailer records the trailer metadata on the stream slot of ctx.
func SetTrailer(ctx context.Context, md *MD) error {
	s, ok := ctx.Value(streamCtxKey{}).(*streamMD)
	if !ok {
		return ErrNoStreamContext
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailer = md
	return nil
}

// FromHeaderCtx returns the header metadata recorded on ctx.
func FromHeaderCtx(ctx context.Context) (*MD, bool) {
	s, ok := ctx.Value(streamCtxKey{}).(*streamMD)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header, s.header != nil
}

// FromTrailerCtx returns the trailer metadata recorded on ctx.
func FromTrailerCtx(ctx context.Context) (*MD, bool) {
	s, ok := ctx.Value(streamCtxKey{}).(*streamMD)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer, s.trailer != nil
}
