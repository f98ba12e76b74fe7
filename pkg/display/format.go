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

package display

import (
	"fmt"
	"strings"
	"time"
)

type segKind int

const (
	segLiteral segKind = iota
	segProgress
	segTimer
	segETA
	segFinETA
	segRate
	segAvgRate
	segBytes
	segBufPercent
	segName
	segLastWritten
)

// segment is one piece of a parsed display format: either literal text or
// a component directive, optionally with a numeric parameter.
type segment struct {
	kind  segKind
	text  string
	param int
}

const (
	maxSegments  = 100
	maxComponent = 1024
)

// parseFormat splits a format string into segments.  Unknown directives
// pass through as literal text, and "%%" is a literal percent sign.
func parseFormat(format string) []segment {
	var segs []segment

	add := func(s segment) {
		if len(segs) < maxSegments {
			segs = append(segs, s)
		}
	}

	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			add(segment{kind: segLiteral, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			literal.WriteByte(c)
			continue
		}

		j := i + 1
		param := 0
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			param = param*10 + int(format[j]-'0')
			j++
		}
		if j >= len(format) {
			literal.WriteString(format[i:])
			break
		}

		kind := segLiteral
		switch format[j] {
		case 'p':
			kind = segProgress
		case 't':
			kind = segTimer
		case 'e':
			kind = segETA
		case 'I':
			kind = segFinETA
		case 'r':
			kind = segRate
		case 'a':
			kind = segAvgRate
		case 'b':
			kind = segBytes
		case 'T':
			kind = segBufPercent
		case 'N':
			kind = segName
		case 'A':
			kind = segLastWritten
		case '%':
			literal.WriteByte('%')
			i = j
			continue
		default:
			// Not a directive; keep the text as written.
			literal.WriteString(format[i : j+1])
			i = j
			continue
		}

		flush()
		add(segment{kind: kind, param: param})
		i = j
	}
	flush()

	return segs
}

// component renders one non-progress segment for the given snapshot.
func (d *Display) component(seg segment, snap Snapshot) string {
	var s string

	switch seg.kind {
	case segLiteral:
		s = seg.text

	case segTimer:
		s = formatTimer(snap.Elapsed)

	case segETA:
		if snap.Total <= 0 {
			return ""
		}
		s = formatETA(d.secondsLeft(snap))
		if snap.Final {
			// The estimate is meaningless once the transfer is
			// over; wipe it without shifting the line.
			s = blank(s)
		}

	case segFinETA:
		if snap.Total <= 0 {
			return ""
		}
		s = formatFinETA(time.Now(), d.secondsLeft(snap))

	case segRate:
		s = "[" + formatAmount(snap.Rate, d.unitSuffix()) + "/s]"

	case segAvgRate:
		s = "[" + formatAmount(snap.AvgRate, d.unitSuffix()) + "/s]"

	case segBytes:
		s = formatAmount(d.scaled(snap.Transferred), d.unitSuffix())

	case segBufPercent:
		if d.spliceActive {
			s = "{----}"
		} else if d.bufSize > 0 {
			s = fmt.Sprintf("{%3d%%}", int(100*d.bufUsed/d.bufSize))
		} else {
			s = "{  0%}"
		}

	case segName:
		if d.settings.Name == "" {
			return ""
		}
		s = fmt.Sprintf("%9.500s:", d.settings.Name)

	case segLastWritten:
		n := seg.param
		if n <= 0 {
			n = 1
		}
		if n > outputRingSize {
			n = outputRingSize
		}
		s = d.lastWritten(n)
	}

	if len(s) > maxComponent {
		s = s[:maxComponent]
	}
	return s
}

// secondsLeft estimates the remaining transfer time from the smoothed
// rate, so the prediction settles with the average instead of jumping
// with every burst.
func (d *Display) secondsLeft(snap Snapshot) int64 {
	if snap.Total <= 0 || snap.AvgRate <= 0 {
		return 0
	}
	left := int64(float64(snap.Total-snap.Transferred) / snap.AvgRate)
	if left < 0 {
		left = 0
	}
	return left
}

// unitSuffix is "B" for bytes, "b" for bits, and nothing when counting
// lines.
func (d *Display) unitSuffix() string {
	if d.settings.LineMode {
		return ""
	}
	if d.settings.Bits {
		return "b"
	}
	return "B"
}

// scaled converts a transferred count to display units (bits are counted
// eight to the byte).
func (d *Display) scaled(n int64) float64 {
	if d.settings.Bits && !d.settings.LineMode {
		return float64(n) * 8
	}
	return float64(n)
}

// progress renders the progress bar into exactly width characters.  With a
// known total it is a fill bar with a trailing percentage; otherwise an
// indicator bounces from end to end to show liveness.
func (d *Display) progress(snap Snapshot, width int) string {
	if width < 1 {
		return ""
	}

	if snap.Total > 0 {
		pct := 0
		if snap.Transferred >= snap.Total {
			pct = 100
		} else {
			pct = int(100 * snap.Transferred / snap.Total)
		}

		pctStr := fmt.Sprintf(" %3d%%", pct)
		barWidth := width - len(pctStr) - 2
		if barWidth < 1 {
			// No room for a bar; the percentage alone has to do.
			if len(pctStr) <= width {
				return pctStr + strings.Repeat(" ", width-len(pctStr))
			}
			return strings.Repeat(" ", width)
		}

		filled := barWidth * pct / 100
		var bar strings.Builder
		bar.WriteByte('[')
		if filled > 0 {
			bar.WriteString(strings.Repeat("=", filled-1))
			if pct >= 100 {
				bar.WriteByte('=')
			} else {
				bar.WriteByte('>')
			}
		}
		bar.WriteString(strings.Repeat(" ", barWidth-filled))
		bar.WriteByte(']')
		bar.WriteString(pctStr)
		return bar.String()
	}

	// Unknown total: a bouncing indicator shows liveness instead.  The
	// position is stepped once per rendered frame, not per bar.
	pos := d.sawtooth
	if pos > 100 {
		pos = 200 - pos
	}

	barWidth := width - 2
	if barWidth < len(indicator) {
		return strings.Repeat(" ", width)
	}
	offset := (barWidth - len(indicator)) * pos / 100

	var bar strings.Builder
	bar.WriteByte('[')
	bar.WriteString(strings.Repeat(" ", offset))
	bar.WriteString(indicator)
	bar.WriteString(strings.Repeat(" ", barWidth-offset-len(indicator)))
	bar.WriteByte(']')
	return bar.String()
}

const indicator = "<=>"
