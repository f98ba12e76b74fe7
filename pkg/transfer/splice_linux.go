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

//go:build linux

package transfer

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// setDirectIO turns on O_DIRECT for the descriptor.
func setDirectIO(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_DIRECT)
	return err
}

// spliceRead moves data from the input straight to the output with
// splice(2), bypassing the transfer buffer.  On success it sets spliceUsed
// and accounts the moved bytes; on any failure it leaves spliceUsed unset
// so the caller falls back to a buffered read, permanently for this input
// if the kernel rejected the descriptor pair.  A return of -1 means the
// post-write sync failed with a real I/O error.
func (p *Pump) spliceRead(in Source, inFD int, allowed, canRead int64) int64 {
	toSplice := canRead
	if (p.settings.RateLimit > 0 || allowed > 0) && allowed < toSplice {
		toSplice = allowed
	}
	if toSplice <= 0 {
		return 0
	}

	n, err := unix.Splice(inFD, nil, p.outFD, nil, int(toSplice), 0)
	if err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
			log.Debugf("%s: splice not supported, falling back to read/write", in.Name())
			p.spliceFailed = true
		}
		return 0
	}
	if n <= 0 {
		// Could be end of file; the buffered read will confirm.
		return 0
	}

	p.spliceUsed = true
	p.written += n

	if p.settings.SyncAfterWrite {
		if serr := unix.Fdatasync(p.outFD); serr != nil && errors.Is(serr, unix.EIO) {
			return -1
		}
	}
	return n
}
