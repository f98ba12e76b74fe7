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
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// IsTerminal reports whether the descriptor is attached to a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// TerminalSize queries the terminal attached to fd, falling back to 80x25
// when there is no terminal to ask.
func TerminalSize(fd int) (width, height uint) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return 80, 25
	}
	return uint(ws.Col), uint(ws.Row)
}

// InForeground reports whether the process is in the terminal's foreground
// process group.  A background process must not scribble on the terminal.
func InForeground(fd int) bool {
	pgrp, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP)
	if err != nil {
		return true
	}
	return pgrp == unix.Getpgrp()
}

// RefreshSize re-reads the terminal size into the settings after a window
// size change, respecting explicitly set dimensions.
func (d *Display) RefreshSize(fd int) {
	w, h := TerminalSize(fd)
	if !d.settings.WidthSetManually {
		d.settings.Width = w
	}
	if !d.settings.HeightSetManually {
		d.settings.Height = h
	}
}
