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
	"golang.org/x/net/http2"
	"google.golang.org/genproto/googleapis/rpc/code"
)

func TestHTTP2ErrToCode(t *testing.T) {
	for errCode, want := range map[http2.ErrCode]code.Code{
		http2.ErrCodeNo:                 code.Code_UNAVAILABLE,
		http2.ErrCodeProtocol:           code.Code_INTERNAL,
		http2.ErrCodeInternal:           code.Code_INTERNAL,
		http2.ErrCodeFlowControl:        code.Code_INTERNAL,
		http2.ErrCodeSettingsTimeout:    code.Code_INTERNAL,
		http2.ErrCodeStreamClosed:       code.Code_INTERNAL,
		http2.ErrCodeFrameSize:          code.Code_INTERNAL,
		http2.ErrCodeCompression:        code.Code_INTERNAL,
		http2.ErrCodeConnect:            code.Code_INTERNAL,
		http2.ErrCodeRefusedStream:      code.Code_UNAVAILABLE,
		http2.ErrCodeCancel:             code.Code_CANCELLED,
		http2.ErrCodeEnhanceYourCalm:    code.Code_RESOURCE_EXHAUSTED,
		http2.ErrCodeInadequateSecurity: code.Code_PERMISSION_DENIED,
		http2.ErrCodeHTTP11Required:     code.Code_UNKNOWN,
	} {
		assert.Equal(t, want, HTTP2ErrToCode(errCode), errCode.String())
	}

	// Unknown codes fall back to INTERNAL.
	assert.Equal(t, code.Code_INTERNAL, HTTP2ErrToCode(http2.ErrCode(0xFF)))
}

func TestIsReservedHeader(t *testing.T) {
	for _, h := range []string{":path", ":authority", "content-type", "user-agent", "grpc-status", "grpc-timeout", "te"} {
		assert.True(t, isReservedHeader(h), h)
	}
	for _, h := range []string{"x-custom", "authorization", "grpc-custom"} {
		assert.False(t, isReservedHeader(h), h)
	}
}
