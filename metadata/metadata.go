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

// Package metadata provides the ordered key/value metadata carried alongside
// a call in initial headers and trailers.
//
// Keys are lowercase ASCII matching [a-z0-9._-]+; keys ending in "-bin"
// carry raw bytes (base64 on the wire), all other keys carry visible ASCII
// plus space. Insertion order is preserved and duplicate keys are
// permitted. An MD is not safe for concurrent mutation; ownership passes
// from the sender to the transport when a call enqueues it.
package metadata

import (
	"fmt"
	"strings"
)

type pair struct {
	key   string
	value string
}

// MD holds ordered call metadata.
type MD struct {
	pairs []pair
}

// New creates an MD from the given map. Keys are lowercased; the order of
// entries follows Go's map iteration and is therefore unspecified between
// keys — use Pairs or Append when order matters.
func New(m map[string]string) *MD {
	md := &MD{pairs: make([]pair, 0, len(m))}
	for k, v := range m {
		md.Append(k, v)
	}
	return md
}

// Pairs returns an MD formed by the mapping of key, value ... Pairs panics
// if len(kv) is odd.
func Pairs(kv ...string) *MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: Pairs got the odd number of input pairs for metadata: %d", len(kv)))
	}
	md := &MD{pairs: make([]pair, 0, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// Len returns the number of distinct keys in md.
func (md *MD) Len() int {
	if md == nil {
		return 0
	}
	seen := make(map[string]struct{}, len(md.pairs))
	for _, p := range md.pairs {
		seen[p.key] = struct{}{}
	}
	return len(seen)
}

// Count returns the total number of entries, duplicates included.
func (md *MD) Count() int {
	if md == nil {
		return 0
	}
	return len(md.pairs)
}

// Get returns all values associated with key, in insertion order. The key
// lookup is case-insensitive.
func (md *MD) Get(key string) []string {
	if md == nil {
		return nil
	}
	key = strings.ToLower(key)
	var vals []string
	for _, p := range md.pairs {
		if p.key == key {
			vals = append(vals, p.value)
		}
	}
	return vals
}

// Last returns the most recently added value for key, or "" when absent.
func (md *MD) Last(key string) string {
	if md == nil {
		return ""
	}
	key = strings.ToLower(key)
	for i := len(md.pairs) - 1; i >= 0; i-- {
		if md.pairs[i].key == key {
			return md.pairs[i].value
		}
	}
	return ""
}

// Contains reports whether key is present.
func (md *MD) Contains(key string) bool {
	if md == nil {
		return false
	}
	key = strings.ToLower(key)
	for _, p := range md.pairs {
		if p.key == key {
			return true
		}
	}
	return false
}

// Append adds the values to key, keeping insertion order. The key is
// lowercased.
func (md *MD) Append(key string, vals ...string) {
	key = strings.ToLower(key)
	for _, v := range vals {
		md.pairs = append(md.pairs, pair{key: key, value: v})
	}
}

// Set replaces all values of key with vals. The first replacement takes the
// position of the key's first occurrence; with no prior occurrence values
// are appended. An empty vals deletes the key.
func (md *MD) Set(key string, vals ...string) {
	key = strings.ToLower(key)
	if len(vals) == 0 {
		md.Delete(key)
		return
	}
	idx := -1
	kept := md.pairs[:0]
	for _, p := range md.pairs {
		if p.key == key {
			if idx == -1 {
				idx = len(kept)
			}
			continue
		}
		kept = append(kept, p)
	}
	md.pairs = kept
	if idx == -1 {
		md.Append(key, vals...)
		return
	}
	ins := make([]pair, 0, len(vals))
	for _, v := range vals {
		ins = append(ins, pair{key: key, value: v})
	}
	md.pairs = append(md.pairs[:idx], append(ins, md.pairs[idx:]...)...)
}

// Delete removes all values of key.
func (md *MD) Delete(key string) {
	key = strings.ToLower(key)
	kept := md.pairs[:0]
	for _, p := range md.pairs {
		if p.key != key {
			kept = append(kept, p)
		}
	}
	md.pairs = kept
}

// Keys returns the distinct keys in first-appearance order.
func (md *MD) Keys() []string {
	if md == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(md.pairs))
	keys := make([]string, 0, len(md.pairs))
	for _, p := range md.pairs {
		if _, ok := seen[p.key]; ok {
			continue
		}
		seen[p.key] = struct{}{}
		keys = append(keys, p.key)
	}
	return keys
}

// Range calls f for every entry in insertion order. Returning false stops
// the iteration.
func (md *MD) Range(f func(key, value string) bool) {
	if md == nil {
		return
	}
	for _, p := range md.pairs {
		if !f(p.key, p.value) {
			return
		}
	}
}

// Copy returns a deep copy of md.
func (md *MD) Copy() *MD {
	if md == nil {
		return nil
	}
	cp := &MD{pairs: make([]pair, len(md.pairs))}
	copy(cp.pairs, md.pairs)
	return cp
}

// Merge appends every entry of others onto md, preserving their order.
func (md *MD) Merge(others ...*MD) {
	for _, o := range others {
		if o == nil {
			continue
		}
		md.pairs = append(md.pairs, o.pairs...)
	}
}

// Join merges mds into a single MD, preserving order across arguments.
func Join(mds ...*MD) *MD {
	out := &MD{}
	out.Merge(mds...)
	return out
}

// Equal reports whether md and o hold the same entries in the same order.
func (md *MD) Equal(o *MD) bool {
	if md.Count() != o.Count() {
		return false
	}
	if md == nil || o == nil {
		return md.Count() == o.Count()
	}
	for i := range md.pairs {
		if md.pairs[i] != o.pairs[i] {
			return false
		}
	}
	return true
}
