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

//go:build !linux

package transfer

import "golang.org/x/sys/unix"

// spliceRead is the zero-copy fast path, which only exists on Linux.
func (p *Pump) spliceRead(in Source, inFD int, allowed, canRead int64) int64 {
	p.spliceFailed = true
	return 0
}

// setDirectIO is not supported on this platform.
func setDirectIO(fd int) error {
	return unix.ENOTSUP
}
