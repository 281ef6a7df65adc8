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

package config

import (
	"sort"
	"sync"
	"time"

	"github.com/codesjoy/bifrost/internal/xgo"
	"github.com/codesjoy/bifrost/internal/xmap"
	"github.com/codesjoy/bifrost/config/source"
)

// global is the process-wide configuration: sources merged by ascending
// priority, re-merged whenever a watchable source reports a change.
var global = newConfig()

type sourceData struct {
	src  source.Source
	data map[string]any
	prio source.Priority
}

type config struct {
	mu      sync.RWMutex
	sources []*sourceData
	merged  *values
}

func newConfig() *config {
	return &config{merged: newValues(keyDelimiter, map[string]any{})}
}

// LoadSource reads the given sources into the global configuration. Sources
// with higher priority override lower ones key by key. Watchable sources
// are watched; changes re-merge the tree.
func LoadSource(srcs ...source.Source) error {
	return global.loadSource(srcs...)
}

func (c *config) loadSource(srcs ...source.Source) error {
	for _, src := range srcs {
		data, err := src.Read()
		if err != nil {
			return err
		}
		m := map[string]any{}
		if err := data.Unmarshal(&m); err != nil {
			return err
		}
		xmap.NormalizeStringMap(m)
		sd := &sourceData{src: src, data: m, prio: data.Priority()}
		c.mu.Lock()
		c.sources = append(c.sources, sd)
		c.remergeLocked()
		c.mu.Unlock()
		if src.Changeable() {
			ch, err := src.Watch()
			if err != nil {
				return err
			}
			xgo.Go(func() { c.watch(sd, ch) })
		}
	}
	return nil
}

func (c *config) watch(sd *sourceData, ch <-chan source.Data) {
	for data := range ch {
		m := map[string]any{}
		if err := data.Unmarshal(&m); err != nil {
			continue
		}
		xmap.NormalizeStringMap(m)
		c.mu.Lock()
		sd.data = m
		c.remergeLocked()
		c.mu.Unlock()
	}
}

func (c *config) remergeLocked() {
	ordered := make([]*sourceData, len(c.sources))
	copy(ordered, c.sources)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].prio < ordered[j].prio })
	merged := map[string]any{}
	for _, sd := range ordered {
		xmap.MergeStringMap(merged, sd.data)
	}
	c.merged = newValues(keyDelimiter, merged)
}

func (c *config) values() *values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.merged
}

// Get returns the value at key from the global configuration.
func Get(key string) Value {
	return global.values().Get(key)
}

// GetMulti merges the subtrees at the given keys, later keys overriding
// earlier ones.
func GetMulti(keys ...string) Value {
	return global.values().GetMulti(keys...)
}

// Set writes a value into the global configuration tree.
func Set(key string, val interface{}) error {
	c := global
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged.Set(key, val)
}

// GetString is a convenience accessor.
func GetString(key string, def ...string) string {
	return Get(key).String(def...)
}

// GetBool is a convenience accessor.
func GetBool(key string, def ...bool) bool {
	return Get(key).Bool(def...)
}

// GetInt is a convenience accessor.
func GetInt(key string, def ...int) int {
	return Get(key).Int(def...)
}

// GetDuration is a convenience accessor.
func GetDuration(key string, def ...time.Duration) time.Duration {
	return Get(key).Duration(def...)
}

// ValueToValues reinterprets a map-valued Value as a Values subtree.
func ValueToValues(v Value) Values {
	return newValues(keyDelimiter, v.Map(map[string]any{}))
}
