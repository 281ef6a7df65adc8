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

package grpcutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDuration(t *testing.T) {
	t.Run("chooses the smallest unit that fits eight digits", func(t *testing.T) {
		assert.Equal(t, "1n", EncodeDuration(time.Nanosecond))
		assert.Equal(t, "99999999n", EncodeDuration(99999999*time.Nanosecond))
		assert.Equal(t, "100000u", EncodeDuration(100000000*time.Nanosecond))
		assert.Equal(t, "2000000u", EncodeDuration(2000000000*time.Nanosecond))
		assert.Equal(t, "1000000u", EncodeDuration(time.Second))
	})

	t.Run("truncates so the receiver never gets extra budget", func(t *testing.T) {
		// 2,000,000,001ns doesn't fit in nanoseconds; in microseconds the
		// trailing nanosecond is dropped.
		assert.Equal(t, "2000000u", EncodeDuration(2000000001*time.Nanosecond))
	})

	t.Run("very large durations fall back to hours", func(t *testing.T) {
		got := EncodeDuration(2562047 * time.Hour)
		assert.Equal(t, byte('H'), got[len(got)-1])
	})
}

func TestDecodeTimeout(t *testing.T) {
	t.Run("all units", func(t *testing.T) {
		for in, want := range map[string]time.Duration{
			"1n":        time.Nanosecond,
			"10u":       10 * time.Microsecond,
			"5m":        5 * time.Millisecond,
			"2S":        2 * time.Second,
			"3M":        3 * time.Minute,
			"1H":        time.Hour,
			"99999999S": 99999999 * time.Second,
		} {
			got, err := DecodeTimeout(in)
			require.NoError(t, err, in)
			assert.Equal(t, want, got, in)
		}
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		for _, in := range []string{"", "1", "S", "123456789S", "12x", "-1S"} {
			_, err := DecodeTimeout(in)
			assert.Error(t, err, in)
		}
	})

	t.Run("clamps hour overflow", func(t *testing.T) {
		got, err := DecodeTimeout("99999999H")
		require.NoError(t, err)
		assert.Equal(t, MaxDuration, got)
	})
}

// Re-encoding a decoded timeout must never exceed the original budget, and
// must be exact when the value is divisible by the chosen unit.
func TestTimeoutRoundTrip(t *testing.T) {
	cases := []time.Duration{
		time.Nanosecond,
		999 * time.Nanosecond,
		time.Microsecond,
		2000000000 * time.Nanosecond,
		2000000001 * time.Nanosecond,
		90 * time.Second,
		48 * time.Hour,
	}
	for _, d := range cases {
		enc := EncodeDuration(d)
		dec, err := DecodeTimeout(enc)
		require.NoError(t, err, enc)
		// The encoder truncates, so re-decoding never exceeds the
		// original...
		assert.LessOrEqual(t, dec, d, enc)
		// ...and is exact when the value divides evenly by the chosen
		// unit.
		if d%(time.Microsecond) == 0 && d < 100000000*time.Microsecond {
			assert.Equal(t, d, dec, enc)
		}
		// decode(encode(decode)) is stable.
		enc2 := EncodeDuration(dec)
		dec2, err := DecodeTimeout(enc2)
		require.NoError(t, err, enc2)
		assert.Equal(t, dec, dec2, enc2)
	}
}
