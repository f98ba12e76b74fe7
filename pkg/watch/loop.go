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

package watch

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pipemeter/pkg/config"
	"pipemeter/pkg/display"
	"pipemeter/pkg/signals"
	"pipemeter/pkg/transfer"
)

// pollGap is how long the watcher sleeps between /proc reads.
const pollGap = 50 * time.Millisecond

// Runner drives the watch modes.
type Runner struct {
	Settings *config.Settings
	Status   *transfer.Status
	Signals  *signals.Handler
	Out      io.Writer
}

// fdContext is the progress state kept for one watched descriptor.
type fdContext struct {
	target   *Target
	settings *config.Settings
	disp     *display.Display
	history  *transfer.RateHistory
	start    time.Time
	lastPos  int64
	lastTime time.Time
}

// newContext builds a display context for a freshly resolved target.  Each
// descriptor gets its own settings clone so names and totals differ.
func (r *Runner) newContext(t *Target) *fdContext {
	settings := *r.Settings
	if settings.Name == "" {
		settings.Name = filepath.Base(t.Name())
	}
	if settings.Size <= 0 && t.Displayable() {
		settings.Size = t.Size()
	}
	toggles := config.Toggles{}
	settings.ApplyToggles(toggles)

	now := time.Now()
	return &fdContext{
		target:   t,
		settings: &settings,
		disp:     display.New(&settings, r.Out),
		history:  transfer.NewRateHistory(settings.AverageRateWindow),
		start:    now,
		lastTime: now,
	}
}

// snapshot reads the descriptor position and folds it into a display
// snapshot.  ok is false when the descriptor is gone.
func (c *fdContext) snapshot(final bool) (display.Snapshot, bool) {
	pos, err := c.target.Position()
	if err != nil {
		return display.Snapshot{}, false
	}

	now := time.Now()
	elapsed := now.Sub(c.start)

	var instRate float64
	if dt := now.Sub(c.lastTime).Seconds(); dt > 0 {
		instRate = float64(pos-c.lastPos) / dt
	}
	c.lastPos = pos
	c.lastTime = now

	c.history.Record(elapsed.Seconds(), pos, instRate)

	return display.Snapshot{
		Elapsed:     elapsed,
		Transferred: pos,
		Total:       c.settings.Size,
		Rate:        instRate,
		AvgRate:     c.history.Average(),
		Final:       final,
	}, true
}

// WatchFD follows a single descriptor of another process until the
// descriptor closes, is reused for another file, or the process exits.
func (r *Runner) WatchFD(pid, fd int) int {
	target, err := NewTarget(pid, fd)
	if err != nil {
		fmt.Fprintf(r.Out, "%s: %v\n", r.Settings.ProgramName, err)
		r.Status.Fail(transfer.ExitAccessError)
		return r.Status.Code()
	}

	ctx := r.newContext(target)
	interval := time.Duration(ctx.settings.Interval * float64(time.Second))
	nextUpdate := time.Now().Add(interval)

	for {
		if r.Signals != nil {
			if r.Signals.ExitRequested() {
				r.Status.Fail(transfer.ExitEarlyExit)
				break
			}
			if r.Signals.TakeResized() {
				ctx.disp.RefreshSize(outFD(r.Out))
			}
			if stopped := r.Signals.ConsumeStoppedTime(); stopped > 0 {
				ctx.start = ctx.start.Add(stopped)
				ctx.lastTime = ctx.lastTime.Add(stopped)
				nextUpdate = nextUpdate.Add(stopped)
			}
		}

		if unix.Kill(pid, 0) != nil {
			log.Debugf("pid %d has gone", pid)
			break
		}
		if ctx.target.Changed() {
			log.Debugf("pid %d fd %d now refers elsewhere", pid, fd)
			break
		}

		now := time.Now()
		if !now.Before(nextUpdate) {
			snap, ok := ctx.snapshot(false)
			if !ok {
				break
			}
			ctx.disp.Render(snap)
			nextUpdate = nextUpdate.Add(interval)
			if nextUpdate.Before(now) {
				nextUpdate = now.Add(interval)
			}
		}

		time.Sleep(pollGap)
	}

	if snap, ok := ctx.snapshot(true); ok {
		ctx.disp.Render(snap)
	}
	ctx.disp.Finish()
	return r.Status.Code()
}

// WatchPID follows every displayable descriptor of a process, one line per
// descriptor, redrawing the block of lines in place.
func (r *Runner) WatchPID(pid int) int {
	if err := unix.Kill(pid, 0); err != nil {
		fmt.Fprintf(r.Out, "%s: pid %d: %v\n", r.Settings.ProgramName, pid, err)
		r.Status.Fail(transfer.ExitAccessError)
		return r.Status.Code()
	}

	contexts := make(map[int]*fdContext)
	var order []int
	prevLines := 0

	interval := time.Duration(r.Settings.Interval * float64(time.Second))
	nextUpdate := time.Now().Add(interval)

	for {
		if r.Signals != nil && r.Signals.ExitRequested() {
			r.Status.Fail(transfer.ExitEarlyExit)
			break
		}

		fds, err := ListFDs(pid)
		if err != nil {
			// Process has gone.
			break
		}

		present := make(map[int]bool, len(fds))
		for _, fd := range fds {
			present[fd] = true
			if ctx, known := contexts[fd]; known {
				if ctx.target.Changed() {
					// Same descriptor, different file: start a
					// fresh progress context for it.
					if t, err := NewTarget(pid, fd); err == nil {
						contexts[fd] = r.newContext(t)
					}
				}
				continue
			}
			t, err := NewTarget(pid, fd)
			if err != nil || !t.Displayable() {
				continue
			}
			contexts[fd] = r.newContext(t)
			order = append(order, fd)
		}
		for fd := range contexts {
			if !present[fd] {
				delete(contexts, fd)
			}
		}

		now := time.Now()
		if !now.Before(nextUpdate) {
			prevLines = r.drawFrame(contexts, order, prevLines, false)
			nextUpdate = nextUpdate.Add(interval)
			if nextUpdate.Before(now) {
				nextUpdate = now.Add(interval)
			}
		}

		time.Sleep(pollGap)
	}

	r.drawFrame(contexts, order, prevLines, true)
	return r.Status.Code()
}

// drawFrame redraws one line per live descriptor, moving the cursor back
// up over the previous frame first.  It returns the number of lines drawn.
func (r *Runner) drawFrame(contexts map[int]*fdContext, order []int, prevLines int, final bool) int {
	if prevLines > 0 {
		fmt.Fprintf(r.Out, "\x1b[%dA", prevLines)
	}

	drawn := 0
	for _, fd := range order {
		ctx, ok := contexts[fd]
		if !ok {
			continue
		}
		snap, ok := ctx.snapshot(final)
		if !ok {
			continue
		}
		fmt.Fprintf(r.Out, "\r%4d:%s\n", fd, ctx.disp.Line(snap))
		drawn++
	}
	return drawn
}

func outFD(w io.Writer) int {
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		return int(f.Fd())
	}
	return -1
}
