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

package transfer

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"pipemeter/pkg/config"
)

// memSource is an in-memory Source without a file descriptor, so the pump
// treats it as always ready.
type memSource struct {
	*bytes.Reader
	name string
}

func newMemSource(name string, data []byte) *memSource {
	return &memSource{Reader: bytes.NewReader(data), name: name}
}

func (m *memSource) Name() string { return m.name }

// trickleSource returns its data in fixed portions, signalling EAGAIN
// between them, so one Transfer call cannot drain it completely.
type trickleSource struct {
	chunks [][]byte
	i      int
	name   string
}

func (s *trickleSource) Name() string { return s.name }

func (s *trickleSource) Read(p []byte) (int, error) {
	if s.i >= len(s.chunks) {
		return 0, io.EOF
	}
	chunk := s.chunks[s.i]
	s.i++
	if chunk == nil {
		return 0, unix.EAGAIN
	}
	return copy(p, chunk), nil
}

// badSource fails every read but supports seeking within its nominal size,
// like a disk with unreadable sectors.
type badSource struct {
	pos  int64
	size int64
	name string
}

func (b *badSource) Name() string { return b.name }

func (b *badSource) Read(p []byte) (int, error) { return 0, unix.EIO }

func (b *badSource) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		next = b.size + offset
	}
	if next < 0 || next > b.size {
		return b.pos, unix.EINVAL
	}
	b.pos = next
	return next, nil
}

// brokenPipe rejects every write the way a closed pipe reader does.
type brokenPipe struct{}

func (brokenPipe) Write(p []byte) (int, error) { return 0, unix.EPIPE }

type testReporter struct {
	msgs []string
}

func (r *testReporter) Errorf(format string, args ...interface{}) {
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func alwaysReady(inFD, outFD int, timeout time.Duration) (bool, bool, error) {
	return true, true, nil
}

func newTestPump(t *testing.T, settings *config.Settings, out io.Writer) (*Pump, *Status, *testReporter) {
	t.Helper()
	if settings.TargetBufferSize <= 0 {
		settings.TargetBufferSize = 64
	}
	status := &Status{}
	reporter := &testReporter{}
	pump := NewPump(settings, status, reporter, out, nil)
	pump.ready = alwaysReady
	return pump, status, reporter
}

// drain runs Transfer until both sides reach EOF, checking the buffer
// cursor invariant after every call.
func drain(t *testing.T, p *Pump, src Source, allowed int64) {
	t.Helper()
	var eofIn, eofOut bool
	for i := 0; !(eofIn && eofOut); i++ {
		require.Less(t, i, 10000, "transfer did not terminate")
		_, _, err := p.Transfer(src, &eofIn, &eofOut, allowed)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p.writePos, int64(0))
		assert.LessOrEqual(t, p.writePos, p.readPos)
		assert.LessOrEqual(t, p.readPos, int64(len(p.buffer)))
	}
}

func TestPump_Transfer(t *testing.T) {
	t.Run("copies all data through a small buffer", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789"), 100)
		var out bytes.Buffer
		pump, status, _ := newTestPump(t, config.New("pipemeter"), &out)

		drain(t, pump, newMemSource("mem", data), 0)

		assert.Equal(t, data, out.Bytes())
		assert.Equal(t, 0, status.Code())
		totalBytes, _ := pump.Totals()
		assert.Equal(t, int64(len(data)), totalBytes)
	})

	t.Run("empty input finishes immediately", func(t *testing.T) {
		var out bytes.Buffer
		pump, status, _ := newTestPump(t, config.New("pipemeter"), &out)

		drain(t, pump, newMemSource("mem", nil), 0)

		assert.Zero(t, out.Len())
		assert.Equal(t, 0, status.Code())
	})

	t.Run("allowance caps how much is written per call", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.RateLimit = 5
		var out bytes.Buffer
		pump, _, _ := newTestPump(t, settings, &out)
		src := newMemSource("mem", []byte("abcdef"))

		var eofIn, eofOut bool
		_, _, err := pump.Transfer(src, &eofIn, &eofOut, 0)
		require.NoError(t, err)

		n, _, err := pump.Transfer(src, &eofIn, &eofOut, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, "abc", out.String())

		// A zero allowance under a limit means nothing moves out.
		n, _, err = pump.Transfer(src, &eofIn, &eofOut, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		drain(t, pump, src, 100)
		assert.Equal(t, "abcdef", out.String())
	})

	t.Run("discard mode reads everything but writes nothing", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.DiscardInput = true
		var out bytes.Buffer
		pump, _, _ := newTestPump(t, settings, &out)

		drain(t, pump, newMemSource("mem", bytes.Repeat([]byte("x"), 500)), 0)

		assert.Zero(t, out.Len())
		totalBytes, _ := pump.Totals()
		assert.Equal(t, int64(500), totalBytes)
	})
}

func TestPump_LineMode(t *testing.T) {
	t.Run("counts lines and flushes a trailing partial line at EOF", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.LineMode = true
		var out bytes.Buffer
		pump, _, _ := newTestPump(t, settings, &out)

		drain(t, pump, newMemSource("mem", []byte("alpha\nbeta\ngamma")), 0)

		assert.Equal(t, "alpha\nbeta\ngamma", out.String())
		_, lines := pump.Totals()
		assert.Equal(t, int64(2), lines)
	})

	t.Run("holds back a partial line while input continues", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.LineMode = true
		var out bytes.Buffer
		pump, _, _ := newTestPump(t, settings, &out)
		src := &trickleSource{
			name:   "trickle",
			chunks: [][]byte{[]byte("alpha\nbet"), nil, []byte("a\n")},
		}

		var eofIn, eofOut bool
		_, _, err := pump.Transfer(src, &eofIn, &eofOut, 0)
		require.NoError(t, err)
		_, _, err = pump.Transfer(src, &eofIn, &eofOut, 0)
		require.NoError(t, err)

		// Everything up to the last newline went out; "bet" is still
		// buffered.
		assert.Equal(t, "alpha\n", out.String())

		drain(t, pump, src, 0)
		assert.Equal(t, "alpha\nbeta\n", out.String())
		_, lines := pump.Totals()
		assert.Equal(t, int64(2), lines)
	})

	t.Run("null terminated lines are counted on NUL", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.LineMode = true
		settings.NullTerminatedLines = true
		var out bytes.Buffer
		pump, _, _ := newTestPump(t, settings, &out)

		drain(t, pump, newMemSource("mem", []byte("one\x00two\x00")), 0)

		_, lines := pump.Totals()
		assert.Equal(t, int64(2), lines)
	})
}

func TestPump_ErrorSkipping(t *testing.T) {
	t.Run("without skipping a read error ends the transfer", func(t *testing.T) {
		var out bytes.Buffer
		pump, status, reporter := newTestPump(t, config.New("pipemeter"), &out)

		drain(t, pump, &badSource{size: 1000, name: "bad"}, 0)

		assert.Zero(t, out.Len())
		assert.NotZero(t, status.Code()&ExitTransferError)
		require.NotEmpty(t, reporter.msgs)
		assert.Contains(t, reporter.msgs[0], "read failed")
	})

	t.Run("skipping replaces unreadable data with zeroes and terminates", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.SkipErrors = 2
		var out bytes.Buffer
		pump, status, _ := newTestPump(t, settings, &out)

		drain(t, pump, &badSource{size: 1000, name: "bad"}, 0)

		// The whole file was skipped over, so the output is the same
		// length, all zero.
		assert.Equal(t, 1000, out.Len())
		assert.Equal(t, bytes.Repeat([]byte{0}, 1000), out.Bytes())
		assert.NotZero(t, status.Code()&ExitTransferError)
	})

	t.Run("quiet skipping reports only the first warning", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.SkipErrors = 2
		var out bytes.Buffer
		pump, _, reporter := newTestPump(t, settings, &out)

		drain(t, pump, &badSource{size: 200, name: "bad"}, 0)

		require.Len(t, reporter.msgs, 1)
		assert.Contains(t, reporter.msgs[0], "warning")
	})

	t.Run("unseekable input cannot be skipped", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.SkipErrors = 1
		var out bytes.Buffer
		pump, status, reporter := newTestPump(t, settings, &out)

		drain(t, pump, &unseekableSource{name: "pipe"}, 0)

		assert.NotZero(t, status.Code()&ExitTransferError)
		found := false
		for _, m := range reporter.msgs {
			if strings.Contains(m, "not seekable") {
				found = true
			}
		}
		assert.True(t, found)
	})
}

// unseekableSource always fails and has no Seek method.
type unseekableSource struct{ name string }

func (u *unseekableSource) Name() string             { return u.name }
func (u *unseekableSource) Read(p []byte) (int, error) { return 0, unix.EIO }

func TestPump_BrokenPipe(t *testing.T) {
	pump, status, reporter := newTestPump(t, config.New("pipemeter"), brokenPipe{})

	src := newMemSource("mem", []byte("hello"))
	var eofIn, eofOut bool
	for i := 0; !(eofIn && eofOut); i++ {
		require.Less(t, i, 100)
		_, _, err := pump.Transfer(src, &eofIn, &eofOut, 0)
		require.NoError(t, err)
	}

	// A closed downstream reader is a normal way for a transfer to end.
	assert.Equal(t, 0, status.Code())
	assert.Empty(t, reporter.msgs)
}

func TestPump_RecordsOutput(t *testing.T) {
	settings := config.New("pipemeter")
	status := &Status{}
	reporter := &testReporter{}
	recorder := &captureRecorder{}
	var out bytes.Buffer
	settings.TargetBufferSize = 64
	pump := NewPump(settings, status, reporter, &out, recorder)
	pump.ready = alwaysReady

	drain(t, pump, newMemSource("mem", []byte("recorded")), 0)

	assert.Equal(t, "recorded", string(recorder.data))
}

type captureRecorder struct{ data []byte }

func (c *captureRecorder) RecordOutput(p []byte) { c.data = append(c.data, p...) }

func TestStatus(t *testing.T) {
	s := &Status{}
	assert.Equal(t, 0, s.Code())
	s.Fail(ExitTransferError)
	s.Fail(ExitEarlyExit)
	s.Fail(ExitTransferError)
	assert.Equal(t, ExitTransferError|ExitEarlyExit, s.Code())
}
