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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAndGenPath(t *testing.T) {
	assert.Equal(t, "bifrost.client.timeout", Join("bifrost", "client", "timeout"))

	paths := genPath("bifrost.client.{dns:///a.b.c}.timeout", keyDelimiter)
	assert.Equal(t, []string{"bifrost", "client", "dns:///a.b.c", "timeout"}, paths)

	paths = genPath("a.b.c", keyDelimiter)
	assert.Equal(t, []string{"a", "b", "c"}, paths)
}

func TestValuesGetSetDel(t *testing.T) {
	vs := newValues(keyDelimiter, map[string]any{
		"server": map[string]any{
			"address": ":9090",
			"nested":  map[string]any{"flag": true},
		},
	})

	assert.Equal(t, ":9090", vs.Get("server.address").String())
	assert.True(t, vs.Get("server.nested.flag").Bool())
	assert.Equal(t, "", vs.Get("missing.key").String())
	assert.Equal(t, "def", vs.Get("missing.key").String("def"))

	require.NoError(t, vs.Set("server.address", ":8080"))
	assert.Equal(t, ":8080", vs.Get("server.address").String())

	// Set creates intermediate maps.
	require.NoError(t, vs.Set("brand.new.key", "v"))
	assert.Equal(t, "v", vs.Get("brand.new.key").String())

	require.NoError(t, vs.Del("server.address"))
	assert.Equal(t, "", vs.Get("server.address").String())
}

func TestValueScanWithDefaults(t *testing.T) {
	type cfg struct {
		Address string        `mapstructure:"address" default:":9090"`
		Timeout time.Duration `mapstructure:"timeout" default:"5s"`
		Count   int           `mapstructure:"count"`
	}

	t.Run("values override defaults", func(t *testing.T) {
		v := newValue(map[string]any{"address": ":1234", "timeout": "1s", "count": 3})
		var c cfg
		require.NoError(t, v.Scan(&c))
		assert.Equal(t, ":1234", c.Address)
		assert.Equal(t, time.Second, c.Timeout)
		assert.Equal(t, 3, c.Count)
	})

	t.Run("nil value yields defaults", func(t *testing.T) {
		v := newValue(nil)
		var c cfg
		require.NoError(t, v.Scan(&c))
		assert.Equal(t, ":9090", c.Address)
		assert.Equal(t, 5*time.Second, c.Timeout)
	})
}

func TestValueConversions(t *testing.T) {
	assert.True(t, newValue("true").Bool())
	assert.Equal(t, 42, newValue("42").Int())
	assert.Equal(t, int64(7), newValue(7).Int64())
	assert.Equal(t, 1.5, newValue(1.5).Float64())
	assert.Equal(t, 2*time.Minute, newValue("2m").Duration())
	assert.Equal(t, []string{"a", "b"}, newValue([]any{"a", "b"}).StringSlice())
	assert.Equal(t, map[string]string{"k": "v"}, newValue(map[string]string{"k": "v"}).StringMap())
}

func TestGetMultiMergesInOrder(t *testing.T) {
	vs := newValues(keyDelimiter, map[string]any{
		"base":     map[string]any{"a": "1", "b": "2"},
		"override": map[string]any{"b": "3"},
	})
	merged := vs.GetMulti("base", "override")
	m := merged.Map()
	assert.Equal(t, "1", m["a"])
	assert.Equal(t, "3", m["b"], "later keys override earlier ones")
}
