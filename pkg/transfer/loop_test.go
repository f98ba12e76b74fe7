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
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"pipemeter/pkg/config"
	"pipemeter/pkg/display"
	"pipemeter/pkg/signals"
)

// failingWriter refuses every write with an I/O error.
type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, unix.EIO
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Opening, "opening"},
		{Transferring, "transferring"},
		{SwitchingFile, "switching file"},
		{FinalUpdate, "final update"},
		{Done, "done"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func runLoop(t *testing.T, settings *config.Settings, out *bytes.Buffer) (int, *Status) {
	t.Helper()
	settings.Normalize()
	if settings.TargetBufferSize <= 0 {
		settings.TargetBufferSize = 64
	}

	status := &Status{}
	disp := display.New(settings, &bytes.Buffer{})
	pump := NewPump(settings, status, disp, out, nil)
	pump.ready = alwaysReady
	files := NewInputFileSet(settings, status, disp, -1)

	loop := NewLoop(settings, status, pump, files, disp, nil, false)
	return loop.Run(), status
}

func TestLoop_Run(t *testing.T) {
	t.Run("concatenates multiple input files", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{
			writeTempFile(t, "a", "first,"),
			writeTempFile(t, "b", "second"),
		}

		var out bytes.Buffer
		code, _ := runLoop(t, settings, &out)

		assert.Equal(t, 0, code)
		assert.Equal(t, "first,second", out.String())
	})

	t.Run("stop at size ends the transfer early", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{writeTempFile(t, "a", "0123456789")}
		settings.Size = 4
		settings.StopAtSize = true

		var out bytes.Buffer
		code, _ := runLoop(t, settings, &out)

		assert.Equal(t, 0, code)
		assert.Equal(t, "0123", out.String())
	})

	t.Run("missing input contributes its exit bit", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{"/nonexistent/path", writeTempFile(t, "b", "ok")}

		var out bytes.Buffer
		code, status := runLoop(t, settings, &out)

		assert.Equal(t, "ok", out.String())
		assert.NotZero(t, code&ExitAccessError)
		assert.Equal(t, status.Code(), code)
	})

	t.Run("output error ends the whole transfer", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{
			writeTempFile(t, "a", "first"),
			writeTempFile(t, "b", "second"),
		}
		settings.Normalize()
		settings.TargetBufferSize = 64

		out := &failingWriter{}
		status := &Status{}
		rep := &testReporter{}
		disp := display.New(settings, &bytes.Buffer{})
		pump := NewPump(settings, status, rep, out, nil)
		pump.ready = alwaysReady
		files := NewInputFileSet(settings, status, rep, -1)

		loop := NewLoop(settings, status, pump, files, disp, nil, false)
		code := loop.Run()

		assert.Equal(t, ExitTransferError, code)
		assert.Equal(t, 1, out.writes, "no further input may be pumped after a fatal output error")
		require.Len(t, rep.msgs, 1)
		assert.Contains(t, rep.msgs[0], "write failed")
	})

	t.Run("line mode charges the rate limit in lines", func(t *testing.T) {
		var data strings.Builder
		for i := 0; i < 20; i++ {
			data.WriteString(strings.Repeat("x", 99) + "\n")
		}
		settings := config.New("pipemeter")
		settings.Files = []string{writeTempFile(t, "lines", data.String())}
		settings.LineMode = true
		settings.RateLimit = 1000
		settings.TargetBufferSize = 4096

		start := time.Now()
		var out bytes.Buffer
		code, _ := runLoop(t, settings, &out)

		assert.Equal(t, 0, code)
		assert.Equal(t, 2000, out.Len())
		// Charged in bytes this would take two full seconds.
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("exit request suppresses the final display", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{writeTempFile(t, "a", "payload")}
		settings.Normalize()
		settings.TargetBufferSize = 64

		sig := signals.Install()
		defer sig.Stop()
		require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGINT))
		deadline := time.Now().Add(2 * time.Second)
		for !sig.ExitRequested() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		require.True(t, sig.ExitRequested())

		var scratch, out bytes.Buffer
		status := &Status{}
		disp := display.New(settings, &scratch)
		pump := NewPump(settings, status, disp, &out, nil)
		pump.ready = alwaysReady
		files := NewInputFileSet(settings, status, disp, -1)

		loop := NewLoop(settings, status, pump, files, disp, sig, true)
		code := loop.Run()

		assert.NotZero(t, code&ExitEarlyExit)
		assert.Zero(t, out.Len(), "the transfer must stop before moving data")
		assert.Zero(t, scratch.Len(), "no closing update may be drawn")
	})

	t.Run("empty file list reads nothing and succeeds", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{writeTempFile(t, "empty", "")}

		var out bytes.Buffer
		code, _ := runLoop(t, settings, &out)

		require.Equal(t, 0, code)
		assert.Zero(t, out.Len())
	})
}

func TestLoop_FinalUpdateAverage(t *testing.T) {
	settings := config.New("pipemeter")
	settings.Numeric = true
	settings.NumericRate = true
	settings.Normalize()
	settings.TargetBufferSize = 64

	var scratch bytes.Buffer
	status := &Status{}
	disp := display.New(settings, &scratch)
	pump := NewPump(settings, status, disp, &bytes.Buffer{}, nil)
	files := NewInputFileSet(settings, status, disp, -1)
	loop := NewLoop(settings, status, pump, files, disp, nil, true)

	now := time.Now()
	loop.startTime = now.Add(-10 * time.Second)
	loop.lastUpdate = now.Add(-time.Second)
	loop.totalBytes = 1 << 20
	// Seed a window average far away from the whole-run one.
	loop.history.Record(1, 1000000, 500)

	loop.update(true)

	val, err := strconv.ParseInt(strings.TrimSpace(scratch.String()), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, float64(1<<20)/10, float64(val), 6000)
}
