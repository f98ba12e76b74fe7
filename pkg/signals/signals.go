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

// Package signals turns asynchronous process signals into flags the main
// loop polls once per tick, so all real work stays on one goroutine.
package signals

import (
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handler collects signal deliveries as atomic flags.
type Handler struct {
	resized       atomic.Bool
	exitRequested atomic.Bool
	remotePending atomic.Bool

	stoppedAt    atomic.Int64 // wall clock nanos when suspended, 0 if running
	stoppedNanos atomic.Int64 // accumulated suspended time not yet consumed

	ch chan os.Signal
}

// Install registers the signal handlers and starts the goroutine that
// folds deliveries into flags.
func Install() *Handler {
	h := &Handler{ch: make(chan os.Signal, 16)}
	signal.Notify(h.ch,
		unix.SIGINT, unix.SIGHUP, unix.SIGTERM,
		unix.SIGWINCH, unix.SIGTSTP, unix.SIGCONT, unix.SIGUSR2)
	go h.run()
	return h
}

func (h *Handler) run() {
	for sig := range h.ch {
		switch sig {
		case unix.SIGINT, unix.SIGHUP, unix.SIGTERM:
			h.exitRequested.Store(true)
		case unix.SIGWINCH:
			h.resized.Store(true)
		case unix.SIGUSR2:
			h.remotePending.Store(true)
		case unix.SIGTSTP:
			h.stoppedAt.Store(time.Now().UnixNano())
			// Actually suspend; SIGCONT resumes us right here.
			if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
				log.Debugf("failed to stop process: %v", err)
			}
		case unix.SIGCONT:
			if at := h.stoppedAt.Swap(0); at > 0 {
				h.stoppedNanos.Add(time.Now().UnixNano() - at)
			}
			// The terminal may have changed while we were stopped.
			h.resized.Store(true)
		}
	}
}

// Stop unregisters the handlers.
func (h *Handler) Stop() {
	signal.Stop(h.ch)
}

// TakeResized reports and clears the window-size-changed flag.
func (h *Handler) TakeResized() bool {
	return h.resized.Swap(false)
}

// ExitRequested reports whether an interrupt or termination signal has
// arrived.
func (h *Handler) ExitRequested() bool {
	return h.exitRequested.Load()
}

// TakeRemote reports and clears the remote-control-message flag.
func (h *Handler) TakeRemote() bool {
	return h.remotePending.Swap(false)
}

// ConsumeStoppedTime returns how long the process has spent suspended
// since the last call, so elapsed-time accounting can exclude it.
func (h *Handler) ConsumeStoppedTime() time.Duration {
	return time.Duration(h.stoppedNanos.Swap(0))
}
