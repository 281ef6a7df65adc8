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

// Package env reads configuration from environment variables.
package env

import (
	"os"
	"strings"

	"github.com/codesjoy/bifrost/config/source"
)

type env struct {
	prefix     string
	delimiter  string
	parseArray bool
	arraySep   string
}

// NewSource returns a source mapping environment variables with the given
// prefix into configuration keys: PREFIX_A_B=v becomes {a: {b: v}}.
func NewSource(prefix string, opts ...Option) source.Source {
	e := &env{prefix: prefix, delimiter: "_"}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *env) Name() string {
	return "env"
}

func (e *env) Read() (source.Data, error) {
	data := map[string]any{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, e.prefix) {
			continue
		}
		k = strings.TrimPrefix(k, e.prefix)
		k = strings.TrimPrefix(k, e.delimiter)
		if k == "" {
			continue
		}
		var val any = v
		if e.parseArray && strings.Contains(v, e.arraySep) {
			val = strings.Split(v, e.arraySep)
		}
		e.set(data, strings.Split(strings.ToLower(k), e.delimiter), val)
	}
	return source.NewMapSourceData(source.PriorityEnv, data), nil
}

func (e *env) set(data map[string]any, paths []string, val any) {
	for _, p := range paths[:len(paths)-1] {
		next, ok := data[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			data[p] = next
		}
		data = next
	}
	data[paths[len(paths)-1]] = val
}

func (e *env) Changeable() bool {
	return false
}

func (e *env) Watch() (<-chan source.Data, error) {
	return nil, nil
}

func (e *env) Close() error {
	return nil
}
