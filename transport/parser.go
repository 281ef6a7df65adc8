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
	"encoding/binary"
	"io"

	"github.com/codesjoy/bifrost/status"
	"google.golang.org/genproto/googleapis/rpc/code"
)

// MsgHeaderLen is the length of the message framing prefix: one compressed
// flag byte plus a four byte big-endian payload length.
const MsgHeaderLen = 5

// MsgHeader returns the framing prefix for a payload of the given length.
func MsgHeader(length int, compressed bool) []byte {
	hdr := make([]byte, MsgHeaderLen)
	if compressed {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:], uint32(length))
	return hdr
}

// Parser is the per-stream deframer: it reads complete gRPC messages from
// the underlying reader, which is expected to be a flow-controlled Stream.
//
// The caller owns delivery pacing: each Recv consumes exactly one message,
// so an inbound flow-control permit scheme maps one permit to one Recv.
type Parser struct {
	r io.Reader
	// The header of a gRPC message. Find more detail at
	// https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-HTTP2.md
	header [MsgHeaderLen]byte
}

// NewParser returns a deframer reading from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r}
}

// Recv reads one complete message. It returns the compressed flag and the
// payload, io.EOF when the stream completed cleanly, or a status error.
// maxMsgSize bounds the accepted payload length; larger messages produce
// RESOURCE_EXHAUSTED.
func (p *Parser) Recv(maxMsgSize int) (compressed bool, msg []byte, err error) {
	if _, err := io.ReadFull(p.r, p.header[:]); err != nil {
		return false, nil, err
	}

	compressed = p.header[0] == 1
	length := binary.BigEndian.Uint32(p.header[1:])

	if length == 0 {
		return compressed, nil, nil
	}
	if int64(length) > int64(maxInt) {
		return false, nil, status.Newf(code.Code_RESOURCE_EXHAUSTED, "received message larger than max length allowed on current machine (%d vs. %d)", length, maxInt).Err()
	}
	if int(length) > maxMsgSize {
		return false, nil, status.Newf(code.Code_RESOURCE_EXHAUSTED, "received message larger than max (%d vs. %d)", length, maxMsgSize).Err()
	}
	msg = make([]byte, int(length))
	if _, err := io.ReadFull(p.r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return false, nil, err
	}
	return compressed, msg, nil
}

const maxInt = int(^uint(0) >> 1)
