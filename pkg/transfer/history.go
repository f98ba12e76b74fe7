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

// historySample is one point of transfer progress: how much had been moved
// by a given moment of elapsed time.
type historySample struct {
	elapsedSec float64
	totalBytes int64
}

// RateHistory smooths the transfer rate over a configurable window by
// keeping a ring of (elapsed, total) samples spaced at least its recording
// interval apart.  The smoothed rate feeds the ETA estimate so that a brief
// stall does not swing the prediction wildly.
type RateHistory struct {
	samples  []historySample
	interval float64 // minimum seconds between recorded samples
	first    int     // index of the oldest valid sample
	last     int     // index of the newest valid sample
	average  float64 // current smoothed rate
}

// NewRateHistory returns a RateHistory sized for the given averaging window
// in seconds.  Windows of twenty seconds or more use one sample slot per
// five seconds; shorter windows sample every second.
func NewRateHistory(windowSec uint) *RateHistory {
	if windowSec < 1 {
		windowSec = 1
	}
	h := &RateHistory{}
	if windowSec >= 20 {
		h.samples = make([]historySample, windowSec/5+1)
		h.interval = 5
	} else {
		h.samples = make([]historySample, windowSec+1)
		h.interval = 1
	}
	return h
}

// Record feeds a progress sample into the ring, together with the current
// instantaneous rate.  Samples arriving sooner than the recording interval
// after the previous one are ignored.  When only one sample exists the
// average is the instantaneous rate; otherwise it is the span between the
// oldest and newest samples.
func (h *RateHistory) Record(elapsedSec float64, totalBytes int64, instantRate float64) {
	lastElapsed := h.samples[h.last].elapsedSec

	if lastElapsed > 0 && elapsedSec < lastElapsed+h.interval {
		return
	}

	if lastElapsed > 0 {
		h.last = (h.last + 1) % len(h.samples)
		if h.last == h.first {
			h.first = (h.first + 1) % len(h.samples)
		}
	}

	h.samples[h.last] = historySample{elapsedSec: elapsedSec, totalBytes: totalBytes}

	if h.first == h.last {
		h.average = instantRate
	} else {
		bytes := h.samples[h.last].totalBytes - h.samples[h.first].totalBytes
		sec := h.samples[h.last].elapsedSec - h.samples[h.first].elapsedSec
		h.average = float64(bytes) / sec
	}
}

// Average returns the current smoothed rate in bytes per second.
func (h *RateHistory) Average() float64 {
	return h.average
}
