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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipemeter/pkg/config"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInputFileSet_Next(t *testing.T) {
	t.Run("walks the files in order", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{
			writeTempFile(t, "a", "aaa"),
			writeTempFile(t, "b", "bbb"),
		}
		fs := NewInputFileSet(settings, &Status{}, &testReporter{}, -1)
		assert.Equal(t, 2, fs.Count())

		first := fs.Next()
		require.NotNil(t, first)
		assert.Equal(t, settings.Files[0], first.Name())
		first.Close()

		second := fs.Next()
		require.NotNil(t, second)
		assert.Equal(t, settings.Files[1], second.Name())
		second.Close()

		assert.Nil(t, fs.Next())
	})

	t.Run("no files means standard input", func(t *testing.T) {
		settings := config.New("pipemeter")
		fs := NewInputFileSet(settings, &Status{}, &testReporter{}, -1)
		assert.Equal(t, 1, fs.Count())

		src := fs.Next()
		require.NotNil(t, src)
		assert.Equal(t, "(stdin)", src.Name())
		// Closing the stdin source must not close the real stdin.
		require.NoError(t, src.Close())
		assert.Nil(t, fs.Next())
	})

	t.Run("unopenable file is skipped with an access error", func(t *testing.T) {
		settings := config.New("pipemeter")
		good := writeTempFile(t, "good", "data")
		settings.Files = []string{filepath.Join(t.TempDir(), "missing"), good}
		status := &Status{}
		reporter := &testReporter{}
		fs := NewInputFileSet(settings, status, reporter, -1)

		src := fs.Next()
		require.NotNil(t, src)
		assert.Equal(t, good, src.Name())
		src.Close()

		assert.NotZero(t, status.Code()&ExitAccessError)
		require.Len(t, reporter.msgs, 1)
		assert.Contains(t, reporter.msgs[0], "failed to open")
	})

	t.Run("input that is the output is refused", func(t *testing.T) {
		path := writeTempFile(t, "both", "data")
		out, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		defer out.Close()

		settings := config.New("pipemeter")
		settings.Files = []string{path}
		status := &Status{}
		fs := NewInputFileSet(settings, status, &testReporter{}, int(out.Fd()))

		assert.Nil(t, fs.Next())
		assert.NotZero(t, status.Code()&ExitInputIsOutput)
	})
}

func TestCalcTotalSize(t *testing.T) {
	t.Run("sums regular file sizes", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{
			writeTempFile(t, "a", "12345"),
			writeTempFile(t, "b", "1234567890"),
		}
		fs := NewInputFileSet(settings, &Status{}, &testReporter{}, -1)
		assert.Equal(t, int64(15), fs.CalcTotalSize(-1))
	})

	t.Run("counts lines in line mode", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.LineMode = true
		settings.Files = []string{writeTempFile(t, "a", "one\ntwo\nthree\n")}
		fs := NewInputFileSet(settings, &Status{}, &testReporter{}, -1)
		assert.Equal(t, int64(3), fs.CalcTotalSize(-1))
	})

	t.Run("standard input contributes nothing", func(t *testing.T) {
		settings := config.New("pipemeter")
		settings.Files = []string{"-"}
		fs := NewInputFileSet(settings, &Status{}, &testReporter{}, -1)
		assert.Equal(t, int64(0), fs.CalcTotalSize(-1))
	})
}

func TestGuessBufferSize(t *testing.T) {
	t.Run("regular file uses its block size", func(t *testing.T) {
		path := writeTempFile(t, "a", "data")
		size := GuessBufferSize(path)
		assert.Greater(t, size, int64(0))
		assert.LessOrEqual(t, size, int64(MaxAutoBufferSize))
	})

	t.Run("standard input falls back to the default", func(t *testing.T) {
		assert.Equal(t, int64(DefaultBufferSize), GuessBufferSize("-"))
	})
}
