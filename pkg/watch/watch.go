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

// Package watch observes the file position of descriptors belonging to
// another process through /proc, so progress can be shown for a transfer
// pipemeter is not itself performing.
package watch

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Target is one descriptor of one process being observed.
type Target struct {
	PID int
	FD  int

	name string
	dev  uint64
	ino  uint64
	size int64
	mode uint32
}

// NewTarget resolves the descriptor and records the identity of the file
// behind it, so later replacement of the descriptor can be noticed.
func NewTarget(pid, fd int) (*Target, error) {
	if err := unix.Kill(pid, 0); err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	t := &Target{PID: pid, FD: fd}
	if err := t.resolve(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) linkPath() string {
	return fmt.Sprintf("/proc/%d/fd/%d", t.PID, t.FD)
}

func (t *Target) resolve() error {
	name, err := os.Readlink(t.linkPath())
	if err != nil {
		return fmt.Errorf("pid %d fd %d: %w", t.PID, t.FD, err)
	}

	var st unix.Stat_t
	if err := unix.Stat(t.linkPath(), &st); err != nil {
		return fmt.Errorf("pid %d fd %d: %w", t.PID, t.FD, err)
	}

	t.name = name
	t.dev = uint64(st.Dev)
	t.ino = st.Ino
	t.size = st.Size
	t.mode = uint32(st.Mode)
	return nil
}

// Name returns the path the descriptor currently points at.
func (t *Target) Name() string { return t.name }

// Size returns the size of the file behind the descriptor, which is the
// natural total for the progress display.
func (t *Target) Size() int64 { return t.size }

// Displayable reports whether position-based progress makes sense for this
// descriptor: only regular files have a meaningful position and size.
func (t *Target) Displayable() bool {
	return t.mode&unix.S_IFMT == unix.S_IFREG
}

// Position reads the descriptor's current file offset from
// /proc/PID/fdinfo.  An error usually means the process closed the
// descriptor or exited.
func (t *Target) Position() (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/fdinfo/%d", t.PID, t.FD))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "pos:") {
			continue
		}
		pos, err := strconv.ParseInt(strings.TrimSpace(line[len("pos:"):]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("pid %d fd %d: bad position: %w", t.PID, t.FD, err)
		}
		return pos, nil
	}
	return 0, fmt.Errorf("pid %d fd %d: no position found", t.PID, t.FD)
}

// Changed reports whether the descriptor now refers to a different file
// than when the target was resolved.  The watcher reacts by starting a
// fresh progress context.
func (t *Target) Changed() bool {
	name, err := os.Readlink(t.linkPath())
	if err != nil {
		return true
	}
	if name != t.name {
		return true
	}
	var st unix.Stat_t
	if err := unix.Stat(t.linkPath(), &st); err != nil {
		return true
	}
	return uint64(st.Dev) != t.dev || st.Ino != t.ino
}

// ListFDs returns the open descriptors of a process in ascending order.
func ListFDs(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return nil, err
	}
	fds := make([]int, 0, len(entries))
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			log.Debugf("ignoring odd fd entry %q for pid %d", e.Name(), pid)
			continue
		}
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds, nil
}
