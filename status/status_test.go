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

package status

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
)

func TestNew(t *testing.T) {
	s := New(code.Code_NOT_FOUND, "missing thing")
	assert.Equal(t, code.Code_NOT_FOUND, s.Code())
	assert.Equal(t, "missing thing", s.Message())
	assert.True(t, s.IsCode(code.Code_NOT_FOUND))
	assert.Error(t, s.Err())
	assert.Nil(t, s.Cause())
}

func TestOKHasNilErr(t *testing.T) {
	s := New(code.Code_OK, "")
	assert.NoError(t, s.Err())
}

func TestWithCode(t *testing.T) {
	cause := errors.New("disk on fire")
	s := WithCode(code.Code_INTERNAL, cause)
	assert.Equal(t, code.Code_INTERNAL, s.Code())
	assert.Equal(t, "disk on fire", s.Message())
	assert.ErrorIs(t, s, cause)

	s = WithCode(code.Code_UNAVAILABLE, nil)
	assert.Equal(t, code.Code_UNAVAILABLE.String(), s.Message())
}

func TestImmutableWith(t *testing.T) {
	s := New(code.Code_ABORTED, "first")
	s2 := s.WithMessage("second")
	s3 := s.WithCause(errors.New("why"))

	assert.Equal(t, "first", s.Message())
	assert.Equal(t, "second", s2.Message())
	assert.Nil(t, s.Cause())
	assert.NotNil(t, s3.Cause())
	assert.Equal(t, s.Code(), s2.Code())
}

func TestFromError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		s, ok := FromError(nil)
		assert.True(t, ok)
		assert.Nil(t, s)
	})

	t.Run("status error", func(t *testing.T) {
		orig := New(code.Code_DATA_LOSS, "bits gone")
		s, ok := FromError(orig.Err())
		assert.True(t, ok)
		assert.Equal(t, code.Code_DATA_LOSS, s.Code())
	})

	t.Run("wrapped status error", func(t *testing.T) {
		orig := New(code.Code_ABORTED, "nope")
		wrapped := fmt.Errorf("outer: %w", orig.Err())
		s, ok := FromError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, code.Code_ABORTED, s.Code())
	})

	t.Run("plain error becomes UNKNOWN", func(t *testing.T) {
		s, ok := FromError(errors.New("plain"))
		assert.False(t, ok)
		assert.Equal(t, code.Code_UNKNOWN, s.Code())
		assert.Equal(t, "plain", s.Message())
	})
}

func TestFromContextError(t *testing.T) {
	assert.Nil(t, FromContextError(nil))
	assert.Equal(t, code.Code_DEADLINE_EXCEEDED, FromContextError(context.DeadlineExceeded).Code())
	assert.Equal(t, code.Code_CANCELLED, FromContextError(context.Canceled).Code())
	assert.Equal(t, code.Code_UNKNOWN, FromContextError(errors.New("other")).Code())
}

func TestWithDetails(t *testing.T) {
	s := New(code.Code_FAILED_PRECONDITION, "precondition").
		WithDetails(&errdetails.ErrorInfo{Reason: "TEST", Domain: "bifrost"})
	p := s.Proto()
	require.NotNil(t, p)
	require.Len(t, p.Details, 1)
}

type testReason struct{}

func (testReason) Reason() string  { return "QUOTA" }
func (testReason) Domain() string  { return "bifrost.test" }
func (testReason) Code() code.Code { return code.Code_RESOURCE_EXHAUSTED }

func TestReasonDetails(t *testing.T) {
	info := NewReason(testReason{}, map[string]string{"limit": "10"})
	assert.Equal(t, "QUOTA", info.Reason)
	assert.Equal(t, "bifrost.test", info.Domain)
	assert.Equal(t, "10", info.Metadata["limit"])

	s := New(code.Code_RESOURCE_EXHAUSTED, "over quota").WithDetails(info)
	require.Len(t, s.Proto().Details, 1)
}

func TestHTTPCode(t *testing.T) {
	assert.Equal(t, int32(404), New(code.Code_NOT_FOUND, "").HTTPCode())
	assert.Equal(t, int32(HTTPStatusClientClosed), New(code.Code_CANCELLED, "").HTTPCode())
	assert.Equal(t, int32(503), New(code.Code_UNAVAILABLE, "").HTTPCode())
	assert.Equal(t, int32(200), New(code.Code_OK, "").HTTPCode())
}
