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

package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/status"
)

func noopHandler(*Call) StreamListener { return nil }

func TestRegistry(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.add(ServiceDef{
		Name: "pkg.Svc",
		Methods: []MethodDef{
			{Name: "A", Handler: noopHandler},
			{Name: "B", Handler: noopHandler},
		},
	}))

	md, ok := r.Lookup("pkg.Svc/A")
	require.True(t, ok)
	assert.Equal(t, "A", md.Name)

	_, ok = r.Lookup("pkg.Svc/C")
	assert.False(t, ok)
	_, ok = r.Lookup("other.Svc/A")
	assert.False(t, ok)

	// Duplicate service registration is rejected.
	assert.Error(t, r.add(ServiceDef{Name: "pkg.Svc"}))
}

type mapRegistry map[string]*MethodDef

func (m mapRegistry) Lookup(fullMethod string) (*MethodDef, bool) {
	md, ok := m[fullMethod]
	return md, ok
}

func TestFallbackRegistry(t *testing.T) {
	s, err := NewServer(WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.RegisterService(ServiceDef{
		Name:    "primary.Svc",
		Methods: []MethodDef{{Name: "Do", Handler: noopHandler}},
	}))
	s.SetFallbackRegistry(mapRegistry{
		"fallback.Svc/Do": {Name: "Do", Handler: noopHandler},
	})

	assert.NotNil(t, s.lookup("primary.Svc/Do"))
	assert.NotNil(t, s.lookup("fallback.Svc/Do"))
	assert.Nil(t, s.lookup("missing.Svc/Do"))
}

func TestSplitFullMethod(t *testing.T) {
	svc, m, ok := splitFullMethod("/pkg.Svc/Do")
	require.True(t, ok)
	assert.Equal(t, "pkg.Svc", svc)
	assert.Equal(t, "Do", m)

	svc, m, ok = splitFullMethod("pkg.Svc/Do")
	require.True(t, ok)
	assert.Equal(t, "pkg.Svc", svc)
	assert.Equal(t, "Do", m)

	_, _, ok = splitFullMethod("nomethod")
	assert.False(t, ok)
}

func TestStartExactlyOnce(t *testing.T) {
	s, err := NewServer(WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() {
		s.Shutdown()
		s.AwaitTermination(2 * time.Second)
	}()

	assert.Error(t, s.Start(), "second Start must fail")
	assert.Error(t, s.RegisterService(ServiceDef{Name: "late.Svc"}), "registration after Start must fail")
	assert.NotNil(t, s.Addr())
}

func TestStartAfterShutdownFails(t *testing.T) {
	s, err := NewServer(WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	s.Shutdown()
	assert.Error(t, s.Start())
}

func TestShutdownTerminates(t *testing.T) {
	s, err := NewServer(WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.Shutdown()
	s.Shutdown() // idempotent
	assert.True(t, s.AwaitTermination(2*time.Second))
	assert.True(t, s.IsTerminated())
}

func TestShutdownNowTerminates(t *testing.T) {
	s, err := NewServer(WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.ShutdownNow(status.New(code.Code_UNAVAILABLE, "going away"))
	assert.True(t, s.AwaitTermination(2*time.Second))
}

func TestServices(t *testing.T) {
	s, err := NewServer(WithAddress("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, s.RegisterService(ServiceDef{Name: "a.Svc"}))
	require.NoError(t, s.RegisterService(ServiceDef{Name: "b.Svc"}))
	assert.ElementsMatch(t, []string{"a.Svc", "b.Svc"}, s.Services())
}
