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

// Package remote lets one running instance retune another.  The sender
// drops a message file in a well-known location and raises SIGUSR2; the
// receiver picks the file up on its next tick, applies it, and removes it.
// Removal doubles as the acknowledgement.
package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pipemeter/pkg/config"
)

// Message carries the adjustable parameters.  Nil fields are left alone on
// the receiving side.
type Message struct {
	Format     *string  `json:"format,omitempty"`
	Name       *string  `json:"name,omitempty"`
	Rate       *int64   `json:"rate,omitempty"`
	BufferSize *int64   `json:"buffer_size,omitempty"`
	Size       *int64   `json:"size,omitempty"`
	Interval   *float64 `json:"interval,omitempty"`
	Width      *uint    `json:"width,omitempty"`
	Height     *uint    `json:"height,omitempty"`
}

// ackTimeout is how long the sender waits for the receiver to consume the
// message before giving up.
const ackTimeout = 5 * time.Second

// controlPath returns the message file location for the given process:
// inside the user's runtime directory when one exists, otherwise in a
// dot-directory under the home directory.
func controlPath(pid int) (string, error) {
	runDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if st, err := os.Stat(runDir); err == nil && st.IsDir() {
		return filepath.Join(runDir, fmt.Sprintf("pipemeter.remote.%d", pid)), nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("cannot locate home directory: %w", err)
	}
	dir := filepath.Join(home, ".pipemeter")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("remote.%d", pid)), nil
}

// Send delivers msg to the instance running as pid and waits for it to be
// consumed.
func Send(pid int, msg Message) error {
	path, err := controlPath(pid)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := unix.Kill(pid, unix.SIGUSR2); err != nil {
		os.Remove(path)
		return fmt.Errorf("cannot signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(ackTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	os.Remove(path)
	return fmt.Errorf("process %d did not accept the message", pid)
}

// Receive picks up and removes a pending message for this process, if one
// exists.
func Receive() (*Message, error) {
	path, err := controlPath(os.Getpid())
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	os.Remove(path)

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed remote message: %w", err)
	}
	return &msg, nil
}

// Apply copies the message's set fields into the settings and reports
// whether the display format needs reparsing.
func Apply(msg *Message, s *config.Settings) (formatChanged bool) {
	if msg.Format != nil {
		s.FormatString = *msg.Format
		formatChanged = true
	}
	if msg.Name != nil {
		s.Name = *msg.Name
		formatChanged = true
	}
	if msg.Rate != nil {
		s.RateLimit = *msg.Rate
	}
	if msg.BufferSize != nil {
		s.TargetBufferSize = *msg.BufferSize
	}
	if msg.Size != nil {
		s.Size = *msg.Size
	}
	if msg.Interval != nil {
		s.Interval = *msg.Interval
	}
	if msg.Width != nil {
		s.Width = *msg.Width
		s.WidthSetManually = true
	}
	if msg.Height != nil {
		s.Height = *msg.Height
		s.HeightSetManually = true
	}
	s.Normalize()
	log.Debugf("applied remote message, format changed: %v", formatChanged)
	return formatChanged
}
