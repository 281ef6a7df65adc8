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
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/codesjoy/bifrost/status"
)

func TestMsgHeader(t *testing.T) {
	hdr := MsgHeader(258, false)
	assert.Equal(t, []byte{0, 0, 0, 1, 2}, hdr)

	hdr = MsgHeader(0, true)
	assert.Equal(t, []byte{1, 0, 0, 0, 0}, hdr)
}

func TestParserRecv(t *testing.T) {
	t.Run("single message", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(MsgHeader(5, false))
		buf.WriteString("hello")

		p := NewParser(&buf)
		compressed, msg, err := p.Recv(1 << 20)
		require.NoError(t, err)
		assert.False(t, compressed)
		assert.Equal(t, []byte("hello"), msg)

		_, _, err = p.Recv(1 << 20)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("back to back messages", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(MsgHeader(1, false))
		buf.WriteByte('a')
		buf.Write(MsgHeader(2, true))
		buf.WriteString("bc")

		p := NewParser(&buf)
		_, msg, err := p.Recv(1 << 20)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), msg)

		compressed, msg, err := p.Recv(1 << 20)
		require.NoError(t, err)
		assert.True(t, compressed)
		assert.Equal(t, []byte("bc"), msg)
	})

	t.Run("empty payload", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(MsgHeader(0, false))
		p := NewParser(&buf)
		_, msg, err := p.Recv(1 << 20)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("message over limit", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(MsgHeader(100, false))
		buf.Write(make([]byte, 100))
		p := NewParser(&buf)
		_, _, err := p.Recv(10)
		require.Error(t, err)
		st, _ := status.FromError(err)
		assert.Equal(t, code.Code_RESOURCE_EXHAUSTED, st.Code())
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(MsgHeader(10, false))
		buf.WriteString("short")
		p := NewParser(&buf)
		_, _, err := p.Recv(1 << 20)
		assert.Equal(t, io.ErrUnexpectedEOF, err)
	})

	t.Run("truncated header", func(t *testing.T) {
		p := NewParser(bytes.NewReader([]byte{0, 0}))
		_, _, err := p.Recv(1 << 20)
		assert.Error(t, err)
	})
}
