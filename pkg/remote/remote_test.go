/*
Copyright © 2025 The pipemeter Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package remote

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipemeter/pkg/config"
)

func strptr(s string) *string  { return &s }
func i64ptr(n int64) *int64    { return &n }
func f64ptr(f float64) *float64 { return &f }
func uptr(n uint) *uint        { return &n }

func TestApply(t *testing.T) {
	t.Run("set fields are copied over", func(t *testing.T) {
		s := config.New("pipemeter")
		msg := &Message{
			Name:       strptr("backup"),
			Rate:       i64ptr(2048),
			BufferSize: i64ptr(8192),
			Size:       i64ptr(1 << 30),
			Interval:   f64ptr(2),
			Width:      uptr(100),
		}

		changed := Apply(msg, s)

		assert.True(t, changed, "name change must trigger a format reparse")
		assert.Equal(t, "backup", s.Name)
		assert.Equal(t, int64(2048), s.RateLimit)
		assert.Equal(t, int64(8192), s.TargetBufferSize)
		assert.Equal(t, int64(1<<30), s.Size)
		assert.Equal(t, float64(2), s.Interval)
		assert.Equal(t, uint(100), s.Width)
		assert.True(t, s.WidthSetManually)
	})

	t.Run("nil fields leave settings alone", func(t *testing.T) {
		s := config.New("pipemeter")
		s.Name = "original"
		s.RateLimit = 77
		s.Width = 80

		changed := Apply(&Message{}, s)

		assert.False(t, changed)
		assert.Equal(t, "original", s.Name)
		assert.Equal(t, int64(77), s.RateLimit)
	})

	t.Run("applied values are normalized", func(t *testing.T) {
		s := config.New("pipemeter")
		s.Width = 80
		msg := &Message{Interval: f64ptr(100000)}

		Apply(msg, s)

		assert.Equal(t, float64(600), s.Interval)
	})

	t.Run("format change requests a reparse", func(t *testing.T) {
		s := config.New("pipemeter")
		changed := Apply(&Message{Format: strptr("%t %b")}, s)
		assert.True(t, changed)
		assert.Equal(t, "%t %b", s.FormatString)
	})
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{Rate: i64ptr(1000), Name: strptr("x")}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.Rate)
	assert.Equal(t, int64(1000), *got.Rate)
	assert.Nil(t, got.Size, "unset fields must stay nil")
}
