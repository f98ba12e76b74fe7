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

// siPrefixes runs from 10^-24 to 10^24; index 8 is "no prefix".
const siPrefixes = "yzafpnum kMGTPEZY"

const (
	siStep = 1024.0
	// A value is scaled up once it exceeds this fraction of the next
	// step, so 1000 MiB displays as 0.977GiB rather than four digits.
	siCutoff = siStep * 0.97

	// Timers and ETAs are clamped to this many seconds.
	maxTimerSeconds = 360000000
)

// formatAmount renders a quantity with a scaling prefix and the given unit
// suffix ("B" for bytes, "b" for bits, "" for lines).  Binary prefixes are
// spelled the IEC way, "KiB" and so on, when a unit is present.
func formatAmount(value float64, suffix string) string {
	idx := 8
	for value > siCutoff && idx < len(siPrefixes)-1 {
		value /= siStep
		idx++
	}

	var num string
	if value < 100 {
		num = fmt.Sprintf("%#4.3g", value)
	} else {
		num = fmt.Sprintf("%4d", int64(value))
	}

	if idx == 8 {
		return num + suffix
	}
	prefix := string(siPrefixes[idx])
	if suffix != "" {
		// Binary units are spelled the IEC way, with a capital K.
		if prefix == "k" {
			prefix = "K"
		}
		return num + prefix + "i" + suffix
	}
	return num + prefix
}

// formatTimer renders a duration as H:MM:SS, growing to D:HH:MM:SS past a
// day.
func formatTimer(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs > maxTimerSeconds {
		secs = maxTimerSeconds
	}
	if secs >= 86400 {
		return fmt.Sprintf("%d:%02d:%02d:%02d",
			secs/86400, (secs/3600)%24, (secs/60)%60, secs%60)
	}
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// formatETA renders the number of seconds left as a timer with an "ETA"
// label.
func formatETA(secondsLeft int64) string {
	return "ETA " + formatTimer(time.Duration(secondsLeft)*time.Second)
}

// formatFinETA renders the wall-clock time at which the transfer is
// expected to finish, including the date when it is more than six hours
// away.
func formatFinETA(now time.Time, secondsLeft int64) string {
	if secondsLeft < 0 {
		secondsLeft = 0
	}
	if secondsLeft > maxTimerSeconds {
		secondsLeft = maxTimerSeconds
	}
	when := now.Add(time.Duration(secondsLeft) * time.Second)
	if secondsLeft > 6*3600 {
		return "FIN " + when.Format("2006-01-02 15:04:05")
	}
	return "FIN " + when.Format("15:04:05")
}

// blank returns a run of spaces the same width as s, used to wipe a
// component on the final update.
func blank(s string) string {
	return strings.Repeat(" ", len(s))
}
