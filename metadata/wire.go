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
	"encoding/base64"
	"fmt"
	"strings"
)

// BinarySuffix marks keys whose values are raw bytes, base64-encoded on the
// wire.
const BinarySuffix = "-bin"

// IsBinaryKey reports whether key carries binary values.
func IsBinaryKey(key string) bool {
	return strings.HasSuffix(key, BinarySuffix)
}

// ValidKey reports whether key is a legal metadata key: one or more of
// [a-z0-9._-], optionally led by ':' for pseudo-headers.
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	if key[0] == ':' {
		key = key[1:]
		if key == "" {
			return false
		}
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case 'a' <= c && c <= 'z':
		case '0' <= c && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// ValidASCIIValue reports whether v is a legal non-binary header value:
// printable ASCII plus space.
func ValidASCIIValue(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] > 0x7E {
			return false
		}
	}
	return true
}

// EncodeValue converts an in-memory value for key into its wire form:
// base64 for binary keys, identity otherwise.
func EncodeValue(key, value string) string {
	if IsBinaryKey(key) {
		return base64.RawStdEncoding.EncodeToString([]byte(value))
	}
	return value
}

// DecodeValue converts a wire value for key into its in-memory form. Binary
// values accept both padded and unpadded base64.
func DecodeValue(key, value string) (string, error) {
	if !IsBinaryKey(key) {
		return value, nil
	}
	if len(value)%4 == 0 {
		b, err := base64.StdEncoding.DecodeString(value)
		if err == nil {
			return string(b), nil
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("metadata: malformed binary value for %q: %v", key, err)
	}
	return string(b), nil
}

// Validate checks every entry of md against the key and value rules.
func (md *MD) Validate() error {
	var err error
	md.Range(func(key, value string) bool {
		if !ValidKey(key) {
			err = fmt.Errorf("metadata: invalid key %q", key)
			return false
		}
		if !IsBinaryKey(key) && !ValidASCIIValue(value) {
			err = fmt.Errorf("metadata: invalid non-ASCII value for key %q", key)
			return false
		}
		return true
	})
	return err
}

// MarshalWire flattens md into alternating wire-form key/value strings.
func (md *MD) MarshalWire() []string {
	if md == nil {
		return nil
	}
	out := make([]string, 0, 2*len(md.pairs))
	for _, p := range md.pairs {
		out = append(out, p.key, EncodeValue(p.key, p.value))
	}
	return out
}

// ParseWire rebuilds an MD from alternating wire-form key/value strings, the
// inverse of MarshalWire.
func ParseWire(kv []string) (*MD, error) {
	if len(kv)%2 == 1 {
		return nil, fmt.Errorf("metadata: odd wire entry count: %d", len(kv))
	}
	md := &MD{pairs: make([]pair, 0, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		v, err := DecodeValue(kv[i], kv[i+1])
		if err != nil {
			return nil, err
		}
		md.Append(kv[i], v)
	}
	return md, nil
}
