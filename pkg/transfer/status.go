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

// Package transfer moves bytes from a set of input files to standard output
// while accounting for rate limits, read errors, and display updates.  The
// main loop is single-threaded: readiness waits, rate ticks, remote-control
// polls and display updates are interleaved within one loop iteration.
package transfer

// Exit status bits.  The process exit code is the OR of every bit set
// during the run.
const (
	ExitAccessError   = 2  // file could not be accessed or stat()ed
	ExitInputIsOutput = 4  // an input file is the same as the output
	ExitFileError     = 8  // close failed or the file index was bad
	ExitTransferError = 16 // read, write or readiness-wait error
	ExitEarlyExit     = 32 // exit was requested from outside
	ExitAllocError    = 64 // buffer allocation failed
)

// Status accumulates the exit status bitmask for a run.
type Status struct {
	bits int
}

// Fail sets the given exit status bit.
func (s *Status) Fail(bit int) {
	s.bits |= bit
}

// Code returns the accumulated exit status.
func (s *Status) Code() int {
	return s.bits
}
