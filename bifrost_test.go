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

package bifrost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	require.NoError(t, Init("bifrost-test"))
	require.NoError(t, Init("bifrost-test"), "second Init is a no-op")
	Close()
}

func TestNewChannelAndServer(t *testing.T) {
	ch, err := NewChannel("passthrough:///127.0.0.1:1")
	require.NoError(t, err)
	assert.NotNil(t, ch)
	ch.Shutdown()

	srv, err := NewServer()
	require.NoError(t, err)
	assert.NotNil(t, srv)
	srv.Shutdown()
}
