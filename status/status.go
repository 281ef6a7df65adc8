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

// Package status provides the error taxonomy for the call pipeline. A
// Status pairs a fixed code with an optional description and an optional
// cause; values are immutable, the With… methods return replacements.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/genproto/googleapis/rpc/code"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Status represents an RPC outcome: a code, an optional description and an
// optional cause. The zero code is OK.
type Status struct {
	stu   *spb.Status
	cause error
}

// New creates a new status from code and message.
func New(c code.Code, msg string) *Status {
	return &Status{stu: &spb.Status{
		Code:    int32(c),
		Message: msg,
	}}
}

// Newf creates a new status with a formatted message.
func Newf(c code.Code, format string, args ...any) *Status {
	return New(c, fmt.Sprintf(format, args...))
}

// WithCode creates a new status from code and error; the error becomes the
// cause.
func WithCode(c code.Code, err error) *Status {
	s := &Status{stu: &spb.Status{Code: int32(c)}, cause: err}
	if err == nil {
		s.stu.Message = c.String()
	} else {
		s.stu.Message = err.Error()
	}
	return s
}

// FromProto creates a new status from a protobuf status.
func FromProto(stu *spb.Status) *Status {
	return &Status{stu: stu}
}

// FromError attempts to convert err to a *Status. A nil err yields nil. A
// *Status (possibly wrapped) is returned as-is; anything else becomes
// UNKNOWN with the error as cause.
func FromError(err error) (*Status, bool) {
	if err == nil {
		return nil, true
	}
	var s *Status
	if errors.As(err, &s) {
		return s, true
	}
	return WithCode(code.Code_UNKNOWN, err), false
}

// Convert is FromError without the ok result.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// FromContextError maps a context error to the canonical status: deadline
// expiry to DEADLINE_EXCEEDED, cancellation to CANCELLED.
func FromContextError(err error) *Status {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return WithCode(code.Code_DEADLINE_EXCEEDED, err)
	case errors.Is(err, context.Canceled):
		return WithCode(code.Code_CANCELLED, err)
	default:
		return WithCode(code.Code_UNKNOWN, err)
	}
}

// WithMessage returns a copy of the status carrying the given description.
func (e *Status) WithMessage(msg string) *Status {
	n := e.clone()
	n.stu.Message = msg
	return n
}

// WithCause returns a copy of the status carrying the given cause.
func (e *Status) WithCause(cause error) *Status {
	n := e.clone()
	n.cause = cause
	return n
}

// WithDetails returns a copy with details appended to the status.
func (e *Status) WithDetails(details ...proto.Message) *Status {
	if e == nil || e.stu == nil {
		return e
	}
	n := e.clone()
	for _, detail := range details {
		detail, err := anypb.New(detail)
		if err != nil {
			continue
		}
		n.stu.Details = append(n.stu.Details, detail)
	}
	return n
}

func (e *Status) clone() *Status {
	return &Status{stu: proto.Clone(e.stu).(*spb.Status), cause: e.cause}
}

// Code returns the code of the status.
func (e *Status) Code() code.Code {
	if e == nil || e.stu == nil {
		return code.Code_OK
	}
	return code.Code(e.stu.Code)
}

// IsCode returns true if the status code is equal to the given code.
func (e *Status) IsCode(c code.Code) bool {
	return e.Code() == c
}

// Message returns the description of the status.
func (e *Status) Message() string {
	if e == nil || e.stu == nil {
		return ""
	}
	return e.stu.Message
}

// Cause returns the underlying cause, if any.
func (e *Status) Cause() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Err returns the error of the status: nil when the code is OK, the status
// itself otherwise.
func (e *Status) Err() error {
	if e.Code() == code.Code_OK {
		return nil
	}
	return e
}

// Error implements error.
func (e *Status) Error() string {
	if e == nil || e.stu == nil {
		return ""
	}
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code(), e.Message())
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *Status) Unwrap() error {
	return e.Cause()
}

// Proto returns a copy of the underlying protobuf status.
func (e *Status) Proto() *spb.Status {
	if e == nil || e.stu == nil {
		return nil
	}
	return proto.Clone(e.stu).(*spb.Status)
}

// Format formats the status.
func (e *Status) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') && e.cause != nil {
			fmt.Fprintf(s, "%s: %+v", e.Error(), e.cause)
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}
