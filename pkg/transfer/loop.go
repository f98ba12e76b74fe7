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
	"time"

	log "github.com/sirupsen/logrus"

	"pipemeter/pkg/config"
	"pipemeter/pkg/display"
	"pipemeter/pkg/remote"
	"pipemeter/pkg/signals"
)

// State is the phase the transfer loop is in.
type State int

const (
	// Opening means the first input file has yet to be opened.
	Opening State = iota
	// Transferring means data is moving from the current input.
	Transferring
	// SwitchingFile means the current input is exhausted and the next
	// one is due.
	SwitchingFile
	// FinalUpdate means all data has moved and the closing display
	// update is due.
	FinalUpdate
	// Done means the loop has finished.
	Done
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Transferring:
		return "transferring"
	case SwitchingFile:
		return "switching file"
	case FinalUpdate:
		return "final update"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Loop drives a whole transfer: it pumps data, keeps the rate within the
// limit, updates the display on schedule, and reacts to signals and remote
// control messages.  Everything runs on the calling goroutine.
type Loop struct {
	settings *config.Settings
	status   *Status
	pump     *Pump
	files    *InputFileSet
	disp     *display.Display
	sig      *signals.Handler
	rate     *RateController
	history  *RateHistory

	showDisplay bool

	state     State
	current   *FileSource
	eofIn     bool
	eofOut    bool
	startTime time.Time

	totalBytes int64
	totalLines int64

	lastTotal  int64
	lastUpdate time.Time
}

// NewLoop wires up a transfer loop.  sig may be nil, in which case signal
// driven behaviour (suspend accounting, resize, remote control, early
// exit) is disabled.  showDisplay false runs the transfer silently.
func NewLoop(settings *config.Settings, status *Status, pump *Pump, files *InputFileSet,
	disp *display.Display, sig *signals.Handler, showDisplay bool) *Loop {
	return &Loop{
		settings:    settings,
		status:      status,
		pump:        pump,
		files:       files,
		disp:        disp,
		sig:         sig,
		rate:        NewRateController(settings.RateLimit),
		history:     NewRateHistory(settings.AverageRateWindow),
		showDisplay: showDisplay,
		state:       Opening,
	}
}

// transferred returns the running total in display units.
func (l *Loop) transferred() int64 {
	if l.settings.LineMode {
		return l.totalLines
	}
	return l.totalBytes
}

// Run performs the whole transfer and returns the process exit code.
func (l *Loop) Run() int {
	l.startTime = time.Now()
	l.lastUpdate = l.startTime

	interval := time.Duration(l.settings.Interval * float64(time.Second))
	nextUpdate := l.startTime.Add(interval)
	if l.settings.DelayStart > 0 {
		nextUpdate = l.startTime.Add(time.Duration(l.settings.DelayStart * float64(time.Second)))
	}

	// With --wait the display stays hidden until the first byte moves,
	// and the clock starts with that byte, not with process startup.
	waitingForFirst := l.settings.Wait

	for l.state != Done {
		if l.sig != nil {
			l.pollSignals(&nextUpdate, &interval)
		}

		switch l.state {
		case Opening, SwitchingFile:
			l.current = l.files.Next()
			if l.current == nil {
				l.state = FinalUpdate
				continue
			}
			l.eofIn = false
			l.eofOut = false
			l.state = Transferring
			log.Debugf("now %s from %s", l.state, l.current.Name())

		case Transferring:
			allowed := l.rate.Allowance()
			if l.settings.StopAtSize && l.settings.Size > 0 {
				remaining := l.settings.Size - l.transferred()
				if remaining <= 0 {
					// The requested amount has been written;
					// whatever is still buffered is discarded.
					l.eofIn = true
					l.eofOut = true
				} else if !l.settings.LineMode && (!l.rate.Limited() || allowed > remaining) {
					// Cap the write so the transfer stops
					// exactly at the requested size.  In line
					// mode the size counts lines, which cannot
					// cap a byte-sized write, so line transfers
					// stop at the first whole line past the
					// limit instead.
					allowed = remaining
				}
			}

			n, lines, err := l.pump.Transfer(l.current, &l.eofIn, &l.eofOut, allowed)
			if err != nil && n < 0 {
				// A failed output ends the whole transfer, not
				// just the current input.
				l.current.Close()
				l.current = nil
				return l.status.Code()
			}
			if err != nil {
				l.eofIn = true
				l.eofOut = true
			}
			if n > 0 {
				if l.settings.LineMode {
					l.rate.Spend(lines)
				} else {
					l.rate.Spend(n)
				}
				l.totalBytes += n
				l.totalLines += lines
				if waitingForFirst {
					waitingForFirst = false
					l.startTime = time.Now()
					l.lastUpdate = l.startTime
					nextUpdate = l.startTime.Add(interval)
				}
			}

			if l.eofIn && l.eofOut {
				l.current.Close()
				l.current = nil
				l.state = SwitchingFile
			}

		case FinalUpdate:
			if l.showDisplay && !waitingForFirst {
				l.update(true)
				l.disp.Finish()
			}
			l.state = Done
		}

		if l.state == Done {
			break
		}

		now := time.Now()
		if l.showDisplay && !waitingForFirst && !now.Before(nextUpdate) {
			l.update(false)
			nextUpdate = nextUpdate.Add(interval)
			// Never schedule into the past, or a stall would be
			// followed by a burst of catch-up updates.
			if nextUpdate.Before(now) {
				nextUpdate = now.Add(interval)
			}
		}
	}

	return l.status.Code()
}

// pollSignals folds any pending signal flags into the loop state.
func (l *Loop) pollSignals(nextUpdate *time.Time, interval *time.Duration) {
	if stopped := l.sig.ConsumeStoppedTime(); stopped > 0 {
		// Time spent suspended does not count as transfer time.
		l.startTime = l.startTime.Add(stopped)
		l.lastUpdate = l.lastUpdate.Add(stopped)
		*nextUpdate = nextUpdate.Add(stopped)
	}

	if l.sig.TakeResized() {
		l.disp.RefreshSize(int(os.Stderr.Fd()))
	}

	if l.sig.TakeRemote() {
		msg, err := remote.Receive()
		if err != nil {
			log.Debugf("remote message ignored: %v", err)
		} else if msg != nil {
			l.applyRemote(msg, nextUpdate, interval)
		}
	}

	if l.sig.ExitRequested() && l.state != Done {
		l.status.Fail(ExitEarlyExit)
		if l.current != nil {
			l.current.Close()
			l.current = nil
		}
		// Cancellation suppresses the closing update; only an
		// already visible line gets its terminating newline.
		if l.showDisplay {
			l.disp.Finish()
		}
		l.state = Done
	}
}

// applyRemote reconfigures the running transfer from a remote message.
func (l *Loop) applyRemote(msg *remote.Message, nextUpdate *time.Time, interval *time.Duration) {
	oldRate := l.settings.RateLimit
	oldWindow := l.settings.AverageRateWindow

	if remote.Apply(msg, l.settings) {
		l.disp.Reparse()
	}
	if l.settings.RateLimit != oldRate {
		l.rate = NewRateController(l.settings.RateLimit)
	}
	if l.settings.AverageRateWindow != oldWindow {
		l.history = NewRateHistory(l.settings.AverageRateWindow)
	}
	if newInterval := time.Duration(l.settings.Interval * float64(time.Second)); newInterval != *interval {
		*interval = newInterval
		*nextUpdate = time.Now().Add(newInterval)
	}
}

// update records a rate sample and redraws the display.
func (l *Loop) update(final bool) {
	now := time.Now()
	elapsed := now.Sub(l.startTime)
	total := l.transferred()

	var instRate float64
	if dt := now.Sub(l.lastUpdate).Seconds(); dt > 0 {
		instRate = float64(total-l.lastTotal) / dt
	}
	l.lastUpdate = now
	l.lastTotal = total

	l.history.Record(elapsed.Seconds(), total, instRate)

	avgRate := l.history.Average()
	if final {
		// The closing update reports the whole-run average rather
		// than the windowed one.
		if secs := elapsed.Seconds(); secs > 0 {
			avgRate = float64(total) / secs
			instRate = avgRate
		}
	}

	l.disp.SetBufferState(l.pump.BufferFill())
	l.disp.Render(display.Snapshot{
		Elapsed:     elapsed,
		Transferred: total,
		Total:       l.settings.Size,
		Rate:        instRate,
		AvgRate:     avgRate,
		Final:       final,
	})
}
