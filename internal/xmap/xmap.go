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

// Package xmap provides some useful functions for map.
package xmap

import (
	"fmt"
	"reflect"
)

// MergeStringMap merges src into dst, descending into nested maps.
func MergeStringMap(dst map[string]interface{}, src ...map[string]interface{}) {
	for _, item := range src {
		mergeStringMap(dst, item)
	}
}

func mergeStringMap(dest, src map[string]interface{}) {
	for sk, sv := range src {
		tv, ok := dest[sk]
		if !ok {
			dest[sk] = sv
			continue
		}

		svType := reflect.TypeOf(sv)
		tvType := reflect.TypeOf(tv)
		if svType != tvType {
			continue
		}

		switch ttv := tv.(type) {
		case map[interface{}]interface{}:
			tsv := sv.(map[interface{}]interface{})
			ssv := ToMapStringInterface(tsv)
			stv := ToMapStringInterface(ttv)
			mergeStringMap(stv, ssv)
			dest[sk] = stv
		case map[string]interface{}:
			mergeStringMap(ttv, sv.(map[string]interface{}))
			dest[sk] = ttv
		default:
			dest[sk] = sv
		}
	}
}

// ToMapStringInterface casts map[interface{}]interface{} to map[string]interface{}.
func ToMapStringInterface(src map[interface{}]interface{}) map[string]interface{} {
	tgt := map[string]interface{}{}
	for k, v := range src {
		tgt[fmt.Sprintf("%v", k)] = v
	}
	return tgt
}

// NormalizeStringMap rewrites every nested map[interface{}]interface{} into
// map[string]interface{} in place so yaml-decoded trees can be merged.
func NormalizeStringMap(src map[string]interface{}) {
	for k, v := range src {
		switch v := v.(type) {
		case map[interface{}]interface{}:
			src[k] = ToMapStringInterface(v)
			NormalizeStringMap(src[k].(map[string]interface{}))
		case map[string]interface{}:
			NormalizeStringMap(v)
		case []interface{}:
			for i, item := range v {
				switch item := item.(type) {
				case map[interface{}]interface{}:
					v[i] = ToMapStringInterface(item)
					NormalizeStringMap(v[i].(map[string]interface{}))
				case map[string]interface{}:
					NormalizeStringMap(item)
				default:
				}
			}
		default:
		}
	}
}

// DeepSearchInMap walks m along paths and returns the value found, or nil.
func DeepSearchInMap(m map[string]interface{}, paths ...string) interface{} {
	tmp := make(map[string]interface{})
	for k, v := range m {
		tmp[k] = v
	}
	for i, k := range paths {
		v, ok := tmp[k]
		if !ok {
			return nil
		}
		tmp, ok = v.(map[string]interface{})
		if !ok {
			if i != len(paths)-1 {
				return nil
			}
			return v
		}
	}
	return tmp
}
