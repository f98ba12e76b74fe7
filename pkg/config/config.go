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

// Package config holds the resolved, bounds-checked settings that drive a
// transfer and its display.
package config

import (
	"strconv"
	"strings"
)

// Display toggles selecting which components appear in the default format.
type Toggles struct {
	Progress    bool
	Timer       bool
	ETA         bool
	FinETA      bool
	Rate        bool
	AverageRate bool
	Bytes       bool
	BufPercent  bool
	LastWritten int // last-written byte count, 0 = off
}

// Settings is the full resolved configuration for a transfer.  Values have
// been bounds-checked by Normalize; the transfer and display layers treat
// them as authoritative.
type Settings struct {
	ProgramName string

	Files []string // input file names, "-" for stdin

	Force     bool // display even if stderr is not a terminal
	Numeric   bool // numeric output only
	NoDisplay bool // quiet: transfer without any display
	Wait      bool // wait for the first byte before displaying

	NumericTimer bool // numeric mode: prefix each line with elapsed seconds
	NumericRate  bool // numeric mode: print the rate instead of progress
	NumericBytes bool // numeric mode: print the byte count instead of percent

	LineMode            bool // count lines instead of bytes
	Bits                bool // display bit counts instead of bytes
	NullTerminatedLines bool // lines end with '\0' rather than '\n'

	SkipErrors     uint  // read error skip level (0 = off, 2 = quiet)
	ErrorSkipBlock int64 // fixed skip block size, 0 = adaptive

	StopAtSize     bool // stop once Size bytes have been transferred
	SyncAfterWrite bool // fdatasync the output after each write
	DirectIO       bool // set O_DIRECT on input and output
	NoSplice       bool // never use the zero-copy fast path
	DiscardInput   bool // read but write nothing

	RateLimit        int64   // bytes (or lines) per second, 0 = unlimited
	TargetBufferSize int64   // transfer buffer size, 0 = auto
	Size             int64   // total size of data, <=0 = unknown
	Interval         float64 // seconds between display updates
	DelayStart       float64 // seconds to wait before first display

	AverageRateWindow uint // window in seconds for average rate

	Width             uint // terminal width
	Height            uint // terminal height
	WidthSetManually  bool
	HeightSetManually bool

	Name          string // display name prefix
	FormatString  string // explicit format string, "" = use DefaultFormat
	DefaultFormat string

	WatchPID int // process whose descriptors are watched, 0 = off
	WatchFD  int // descriptor to watch, -1 = all
}

// New returns Settings with the defaults that apply before flags are read.
func New(programName string) *Settings {
	return &Settings{
		ProgramName:       programName,
		Interval:          1,
		AverageRateWindow: 30,
		WatchFD:           -1,
	}
}

// Normalize clamps the tunable values into their documented ranges: the
// update interval to [0.1, 600] seconds, the width to [1, 999999], and the
// average rate window to at least one second.
func (s *Settings) Normalize() {
	if s.Interval < 0.1 {
		s.Interval = 0.1
	}
	if s.Interval > 600 {
		s.Interval = 600
	}
	if s.Width < 1 {
		s.Width = 80
	}
	if s.Width > 999999 {
		s.Width = 999999
	}
	if s.AverageRateWindow < 1 {
		s.AverageRateWindow = 30
	}
	if s.ErrorSkipBlock > 0 && s.SkipErrors == 0 {
		s.SkipErrors = 1
	}
}

// ApplyToggles builds the default format string from a set of display
// toggles.  If none of the display toggles are set, the standard selection
// of progress, timer, ETA, rate and byte count is used.
func (s *Settings) ApplyToggles(t Toggles) {
	if !t.Progress && !t.Timer && !t.ETA && !t.FinETA && !t.Rate &&
		!t.AverageRate && !t.Bytes && !t.BufPercent && t.LastWritten == 0 {
		t.Progress = true
		t.Timer = true
		t.ETA = true
		t.Rate = true
		t.Bytes = true
	}
	s.DefaultFormat = BuildFormat(t, s.Name != "")
}

// BuildFormat assembles a format string from display toggles, in the fixed
// component order used throughout: name, bytes, buffer percentage, timer,
// rate, average rate, progress, ETA, absolute ETA, last-written preview.
func BuildFormat(t Toggles, named bool) string {
	var parts []string
	add := func(on bool, directive string) {
		if on {
			parts = append(parts, directive)
		}
	}
	add(named, "%N")
	add(t.Bytes, "%b")
	add(t.BufPercent, "%T")
	add(t.Timer, "%t")
	add(t.Rate, "%r")
	add(t.AverageRate, "%a")
	add(t.Progress, "%p")
	add(t.ETA, "%e")
	add(t.FinETA, "%I")
	if t.LastWritten > 0 {
		parts = append(parts, "%"+strconv.Itoa(t.LastWritten)+"A")
	}
	return strings.Join(parts, " ")
}
