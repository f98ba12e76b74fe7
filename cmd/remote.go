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
package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipemeter/pkg/numbers"
	"pipemeter/pkg/remote"
)

// sendRemote delivers the explicitly given flags of this invocation to the
// instance running as pid, so a long-running transfer can be retuned
// without restarting it.
func sendRemote(cmd *cobra.Command, pid int) error {
	var msg remote.Message
	set := false

	if cmd.Flags().Changed("format") {
		msg.Format = &flagFormat
		set = true
	}
	if cmd.Flags().Changed("name") {
		msg.Name = &flagName
		set = true
	}
	if cmd.Flags().Changed("rate-limit") {
		rate := numbers.ParseSize(flagRateLimit)
		msg.Rate = &rate
		set = true
	}
	if cmd.Flags().Changed("buffer-size") {
		size := numbers.ParseSize(flagBufferSize)
		msg.BufferSize = &size
		set = true
	}
	if cmd.Flags().Changed("size") {
		size := numbers.ParseSize(flagSize)
		msg.Size = &size
		set = true
	}
	if cmd.Flags().Changed("interval") {
		interval := numbers.ParseInterval(flagInterval)
		msg.Interval = &interval
		set = true
	}
	if cmd.Flags().Changed("width") {
		msg.Width = &flagWidth
		set = true
	}
	if cmd.Flags().Changed("height") {
		msg.Height = &flagHeight
		set = true
	}

	if !set {
		return fmt.Errorf("no parameters given to send to process %d", pid)
	}

	log.Debugf("sending parameters to process %d", pid)
	return remote.Send(pid, msg)
}
