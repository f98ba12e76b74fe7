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

// Package display renders the live progress line.  A format string of
// %-directives is parsed into segments once, then every update renders the
// segments against a snapshot of the transfer and rewrites the line in
// place on the terminal.
package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"pipemeter/pkg/config"
)

const (
	// outputRingSize is how much recently written data is kept for the
	// last-written preview component.
	outputRingSize = 256

	// Renders closer together than this are dropped, except the final
	// one, so a fast remote-driven caller cannot flood the terminal.
	minRenderGap = 10 * time.Millisecond

	// When a new line is shorter than the previous one, at most this
	// many trailing spaces are appended to wipe the leftover.
	maxWipe = 15
)

// Snapshot is one observation of the transfer, taken by the main loop each
// time the display is updated.
type Snapshot struct {
	Elapsed     time.Duration
	Transferred int64 // bytes, or lines in line mode
	Total       int64 // expected total, 0 if unknown
	Rate        float64
	AvgRate     float64
	Final       bool // last update of the transfer
}

// Display renders progress updates to a terminal stream.
type Display struct {
	settings *config.Settings
	out      io.Writer

	segments []segment
	sawtooth int

	lastRender  time.Time
	lastLineLen int
	shown       bool

	ring    [outputRingSize]byte
	ringLen int

	bufUsed      int64
	bufSize      int64
	spliceActive bool
}

// New builds a display writing to out, which is normally standard error.
func New(settings *config.Settings, out io.Writer) *Display {
	d := &Display{settings: settings, out: out}
	d.Reparse()
	return d
}

// Reparse re-reads the format string from the settings.  The remote
// control path calls this after changing the format or name.
func (d *Display) Reparse() {
	format := d.settings.FormatString
	if format == "" {
		format = d.settings.DefaultFormat
	}
	d.segments = parseFormat(format)
	log.Debugf("display format %q parsed into %d segments", format, len(d.segments))
}

// SetBufferState records the transfer buffer's fill level for the buffer
// percentage component.  spliceActive means data is currently bypassing
// the buffer, in which case the fill level is meaningless.
func (d *Display) SetBufferState(used, size int64, spliceActive bool) {
	d.bufUsed = used
	d.bufSize = size
	d.spliceActive = spliceActive
}

// RecordOutput feeds written data into the last-written preview ring.
func (d *Display) RecordOutput(p []byte) {
	if len(p) >= outputRingSize {
		copy(d.ring[:], p[len(p)-outputRingSize:])
		d.ringLen = outputRingSize
		return
	}
	if d.ringLen+len(p) > outputRingSize {
		keep := outputRingSize - len(p)
		copy(d.ring[:], d.ring[d.ringLen-keep:d.ringLen])
		d.ringLen = keep
	}
	copy(d.ring[d.ringLen:], p)
	d.ringLen += len(p)
}

// lastWritten returns the most recent n output bytes with unprintable
// characters shown as dots, left-padded when fewer have been written.
func (d *Display) lastWritten(n int) string {
	var b strings.Builder
	for i := 0; i < n-d.ringLen; i++ {
		b.WriteByte(' ')
	}
	start := d.ringLen - n
	if start < 0 {
		start = 0
	}
	for _, c := range d.ring[start:d.ringLen] {
		if c >= 32 && c <= 126 {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// Render draws one update.  Non-final updates arriving within the
// coalescing gap of the previous one are dropped.
func (d *Display) Render(snap Snapshot) {
	now := time.Now()
	if !snap.Final && d.shown && now.Sub(d.lastRender) < minRenderGap {
		return
	}
	d.lastRender = now
	d.advanceSawtooth(snap)

	if d.settings.Numeric {
		d.renderNumeric(snap)
		return
	}

	line := d.assemble(snap)

	// Shorter lines leave debris from the previous render; wipe it with
	// trailing spaces unless the terminal itself shrank.
	if pad := d.lastLineLen - len(line); pad > 0 && d.lastLineLen <= int(d.settings.Width) {
		if pad > maxWipe {
			pad = maxWipe
		}
		line += strings.Repeat(" ", pad)
	}
	d.lastLineLen = len(line)

	fmt.Fprint(d.out, "\r"+line)
	d.shown = true
}

// Line renders one update as a plain string without touching the terminal.
// The watch mode uses it to compose multi-line frames itself.
func (d *Display) Line(snap Snapshot) string {
	d.advanceSawtooth(snap)
	return d.assemble(snap)
}

// advanceSawtooth steps the unknown-total activity indicator: once per
// rendered frame, only while data is actually moving, bouncing between
// the ends of its 0..199 cycle.
func (d *Display) advanceSawtooth(snap Snapshot) {
	if snap.Total > 0 || snap.Rate <= 0 {
		return
	}
	d.sawtooth += 2
	if d.sawtooth > 199 {
		d.sawtooth = 0
	}
}

// assemble renders every segment and lays the line out within the terminal
// width.  Progress bars are rendered last and share whatever width the
// other components left over; a bar that cannot fit is dropped.
func (d *Display) assemble(snap Snapshot) string {
	width := int(d.settings.Width)

	rendered := make([]string, len(d.segments))
	used := 0
	bars := 0
	for i, seg := range d.segments {
		if seg.kind == segProgress {
			bars++
			continue
		}
		rendered[i] = d.component(seg, snap)
		used += len(rendered[i])
	}

	// Separator spaces join adjacent non-literal components; they must
	// be counted before the bar is sized or the line overruns the width.
	joiners := 0
	prev := segLiteral
	havePrev := false
	for i, seg := range d.segments {
		if seg.kind != segProgress && rendered[i] == "" {
			continue
		}
		if havePrev && prev != segLiteral && seg.kind != segLiteral {
			joiners++
		}
		prev = seg.kind
		havePrev = true
	}

	if bars > 0 {
		remaining := width - used - joiners
		if remaining >= 5 {
			share := remaining / bars
			for i, seg := range d.segments {
				if seg.kind == segProgress {
					rendered[i] = d.progress(snap, share)
				}
			}
		}
	}

	var b strings.Builder
	b.Grow(2*width + 80)
	prev = segLiteral
	havePrev = false
	for i, seg := range d.segments {
		if rendered[i] == "" {
			continue
		}
		if havePrev && prev != segLiteral && seg.kind != segLiteral {
			b.WriteByte(' ')
		}
		b.WriteString(rendered[i])
		prev = seg.kind
		havePrev = true
	}

	line := b.String()
	if len(line) > width {
		line = line[:width]
	}
	return line
}

// renderNumeric prints one machine-readable line per update: an optional
// elapsed-seconds prefix, then a rate, a count, or a percentage.
func (d *Display) renderNumeric(snap Snapshot) {
	var b strings.Builder

	if d.settings.NumericTimer {
		fmt.Fprintf(&b, "%.4f ", snap.Elapsed.Seconds())
	}

	switch {
	case d.settings.NumericRate:
		fmt.Fprintf(&b, "%d", int64(snap.Rate))
	case d.settings.NumericBytes:
		fmt.Fprintf(&b, "%d", snap.Transferred)
	case snap.Total <= 0:
		// No real percentage exists; the sawtooth cycles 0-100-0
		// so the output still shows movement.
		pct := d.sawtooth
		if pct > 100 {
			pct = 200 - pct
		}
		fmt.Fprintf(&b, "%d", pct)
	default:
		pct := int64(100 * snap.Transferred / snap.Total)
		if pct > 100 {
			pct = 100
		}
		fmt.Fprintf(&b, "%d", pct)
	}

	fmt.Fprintln(d.out, b.String())
}

// Errorf reports a user-facing error without corrupting a progress line
// that is already on screen.
func (d *Display) Errorf(format string, args ...interface{}) {
	if d.shown {
		fmt.Fprintln(d.out)
		d.shown = false
		d.lastLineLen = 0
	}
	fmt.Fprintf(d.out, "%s: %s\n", d.settings.ProgramName, fmt.Sprintf(format, args...))
}

// Finish terminates the progress line after the final update.
func (d *Display) Finish() {
	if d.shown {
		fmt.Fprintln(d.out)
		d.shown = false
	}
}
