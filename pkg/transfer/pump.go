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

import (
	"bytes"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pipemeter/pkg/config"
)

const (
	// DefaultBufferSize is the transfer buffer size used when no target
	// size is configured and the input's block size cannot be read.
	DefaultBufferSize = 409600
	// MaxAutoBufferSize caps the buffer size derived from the input's
	// block size.
	MaxAutoBufferSize = 524288

	maxReadAtOnce  = 524288
	maxWriteAtOnce = 524288

	readTimeout   = 90 * time.Millisecond
	writeTimeout  = 900 * time.Millisecond
	readinessWait = 90 * time.Millisecond
)

// Source is an input the pump can read from.  Real sources are files or
// standard input; they additionally implement io.Seeker (for error
// skipping) and Fd() (for readiness checks and the zero-copy fast path).
type Source interface {
	io.Reader
	Name() string
}

// Reporter receives user-visible error messages.  The display package
// implements it so errors never overwrite a visible progress line.
type Reporter interface {
	Errorf(format string, args ...interface{})
}

// OutputRecorder is fed every chunk written, so the display can show a
// preview of recent output.
type OutputRecorder interface {
	RecordOutput(p []byte)
}

// ReadyFunc waits up to timeout for readability of inFD and writability of
// outFD.  Either descriptor may be -1 to ignore that side.
type ReadyFunc func(inFD, outFD int, timeout time.Duration) (readable, writable bool, err error)

type fder interface {
	Fd() uintptr
}

// selectReady is the default ReadyFunc, multiplexing on select().
func selectReady(inFD, outFD int, timeout time.Duration) (bool, bool, error) {
	var readSet, writeSet unix.FdSet
	maxFD := -1

	if inFD >= 0 {
		readSet.Set(inFD)
		maxFD = inFD
	}
	if outFD >= 0 {
		writeSet.Set(outFD)
		if outFD > maxFD {
			maxFD = outFD
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &readSet, &writeSet, nil, &tv)
	if err != nil {
		return false, false, err
	}
	if n <= 0 {
		return false, false, nil
	}
	return inFD >= 0 && readSet.IsSet(inFD), outFD >= 0 && writeSet.IsSet(outFD), nil
}

// Pump moves data between the current input and the output through a shared
// buffer, one bounded step per scheduler tick.  Data is read into the
// buffer at readPos and written out from writePos; writePos never exceeds
// readPos, and both reset to zero once the buffer drains.
type Pump struct {
	settings *config.Settings
	status   *Status
	reporter Reporter
	recorder OutputRecorder
	ready    ReadyFunc

	out   io.Writer
	outFD int

	buffer   []byte
	readPos  int64
	writePos int64

	toWrite int64 // write cap for the current call
	written int64 // bytes moved to the output in the current call

	lastSkipName    string
	readErrorsInRow int64
	readErrorWarned bool

	spliceFailed bool // fast path permanently disabled for current input
	spliceUsed   bool // fast path used in the current call

	totalBytes int64
	totalLines int64
}

// NewPump returns a pump writing to out.  The recorder may be nil when no
// recent-output preview is wanted.
func NewPump(settings *config.Settings, status *Status, reporter Reporter, out io.Writer, recorder OutputRecorder) *Pump {
	p := &Pump{
		settings: settings,
		status:   status,
		reporter: reporter,
		recorder: recorder,
		ready:    selectReady,
		out:      out,
		outFD:    -1,
	}
	if f, ok := out.(fder); ok {
		p.outFD = int(f.Fd())
	}
	return p
}

// BufferFill returns the number of unwritten bytes in the buffer, the
// buffer's capacity, and whether the zero-copy fast path was used on the
// most recent call (in which case the buffer is bypassed).
func (p *Pump) BufferFill() (used, size int64, spliceActive bool) {
	return p.readPos - p.writePos, int64(len(p.buffer)), p.spliceUsed
}

// Totals returns the cumulative bytes and lines written since the pump was
// created.
func (p *Pump) Totals() (bytes, lines int64) {
	return p.totalBytes, p.totalLines
}

// Drained reports whether every buffered byte has been written out.
func (p *Pump) Drained() bool {
	return p.writePos >= p.readPos
}

// ensureBuffer allocates or grows the transfer buffer to the configured
// target size.  Growing is done by allocating anew and copying, never in
// place, so the buffer can later be aligned for direct I/O.
func (p *Pump) ensureBuffer() {
	target := p.settings.TargetBufferSize
	if target <= 0 {
		target = DefaultBufferSize
		p.settings.TargetBufferSize = target
	}
	if p.buffer == nil {
		p.buffer = make([]byte, target)
		return
	}
	if int64(len(p.buffer)) < target {
		grown := make([]byte, target)
		copy(grown, p.buffer[:p.readPos])
		p.buffer = grown
		log.Debugf("buffer resized to %d", target)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// Transfer moves up to allowed bytes (0 meaning unlimited when no rate
// limit is set) from in towards the output, waiting no longer than the
// readiness timeout.  It returns the number of bytes and complete lines
// written by this call.  Transient errors return (0, 0, nil) so the caller
// simply tries again next tick; fatal output errors return a non-nil error
// after updating the exit status.
func (p *Pump) Transfer(in Source, eofIn, eofOut *bool, allowed int64) (int64, int64, error) {
	// New input: reset the per-file error skipping and fast path state.
	if in.Name() != p.lastSkipName {
		p.lastSkipName = in.Name()
		p.readErrorsInRow = 0
		p.readErrorWarned = false
		p.spliceFailed = false
	}

	p.ensureBuffer()

	if *eofIn && *eofOut {
		return 0, 0, nil
	}

	inFD := -1
	if f, ok := in.(fder); ok {
		inFD = int(f.Fd())
	}

	checkReadFD := -1
	if !*eofIn && p.readPos < int64(len(p.buffer)) {
		checkReadFD = inFD
	}

	// How much we may write: the unwritten data in the buffer, capped by
	// the rate allowance when one is in force.
	p.toWrite = p.readPos - p.writePos
	if (p.settings.RateLimit > 0 || allowed > 0) && p.toWrite > allowed {
		p.toWrite = allowed
	}

	checkWriteFD := -1
	if !*eofOut && p.toWrite > 0 {
		checkWriteFD = p.outFD
	}

	readable, writable, err := p.ready(checkReadFD, checkWriteFD, readinessWait)
	if err != nil {
		if isTransient(err) {
			return 0, 0, nil
		}
		p.reporter.Errorf("%s: readiness wait failed: %v", in.Name(), err)
		p.status.Fail(ExitTransferError)
		return 0, 0, err
	}

	// Sources without a file descriptor (as used in tests) cannot be
	// multiplexed; treat them as always ready.
	if inFD < 0 {
		readable = checkReadFD != -1 || (!*eofIn && p.readPos < int64(len(p.buffer)))
	}
	if p.outFD < 0 {
		writable = !*eofOut && p.toWrite > 0
	}

	p.written = 0
	p.spliceUsed = false

	if readable {
		if !p.read(in, inFD, eofIn, eofOut, allowed) {
			return 0, 0, nil
		}
	}

	// In line mode, hold back any trailing partial line so output is
	// flushed line by line.  Once the input has ended the remainder goes
	// out as-is.
	if p.toWrite > 0 && !*eofIn && p.settings.LineMode && !p.settings.NullTerminatedLines {
		eligible := p.buffer[p.writePos : p.writePos+p.toWrite]
		if idx := bytes.LastIndexByte(eligible, '\n'); idx >= 0 {
			p.toWrite = int64(idx) + 1
		}
	}

	var lines int64
	if writable && !p.spliceUsed && p.readPos > p.writePos && p.toWrite > 0 {
		ok, n := p.write(eofIn, eofOut)
		lines = n
		if !ok {
			return 0, 0, nil
		}
	}

	if p.written < 0 {
		return p.written, 0, errors.New("write failed")
	}

	// Rotate written bytes out of the buffer so the next read can fill
	// it completely.
	if p.writePos > 0 {
		if p.writePos < p.readPos {
			copy(p.buffer, p.buffer[p.writePos:p.readPos])
			p.readPos -= p.writePos
		} else {
			p.readPos = 0
		}
		p.writePos = 0
	}

	p.totalBytes += p.written
	p.totalLines += lines

	return p.written, lines, nil
}

// readRepeated keeps reading until the target slice is full, the source
// runs dry, or the read timeout expires, so each tick fills as much of the
// buffer as it can.
func (p *Pump) readRepeated(in Source, inFD int, buf []byte) (int64, error) {
	start := time.Now()
	var total int64

	for len(buf) > 0 {
		chunk := len(buf)
		if chunk > maxReadAtOnce {
			chunk = maxReadAtOnce
		}

		n, err := in.Read(buf[:chunk])
		total += int64(n)
		buf = buf[n:]

		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			if total > 0 {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}

		if time.Since(start) > readTimeout {
			log.Debugf("stopping read after timeout with %d read", total)
			return total, nil
		}

		if len(buf) > 0 && inFD >= 0 {
			readable, _, _ := p.ready(inFD, -1, 0)
			if !readable {
				break
			}
		}
	}

	return total, nil
}

// read pulls data from the input into the buffer (or straight to the
// output over the fast path).  It returns false if the caller should
// return 0 from Transfer because of a transient error.
func (p *Pump) read(in Source, inFD int, eofIn, eofOut *bool, allowed int64) bool {
	canRead := int64(len(p.buffer)) - p.readPos

	var nread int64
	var err error

	if !p.settings.LineMode && !p.settings.NoSplice && !p.spliceFailed &&
		inFD >= 0 && p.outFD >= 0 && p.toWrite == 0 {
		nread = p.spliceRead(in, inFD, allowed, canRead)
		if p.spliceUsed {
			if nread < 0 {
				// Fast path signalled a fatal sync failure.
				p.reportReadError(in, eofIn, eofOut, errors.New("fdatasync failed"), true)
				return true
			}
			return true
		}
	}

	nread, err = p.readRepeated(in, inFD, p.buffer[p.readPos:p.readPos+canRead])

	if err == nil && nread == 0 {
		// End of this input file; if the buffer has drained too, the
		// output side is finished with it as well.
		*eofIn = true
		if p.writePos >= p.readPos {
			*eofOut = true
		}
		return true
	}

	if err == nil {
		p.readErrorsInRow = 0
		p.readPos += nread
		return true
	}

	if isTransient(err) {
		log.Debugf("%s: transient read error: %v", in.Name(), err)
		p.ready(-1, -1, 10*time.Millisecond)
		return false
	}

	p.reportReadError(in, eofIn, eofOut, err, false)
	return true
}

// reportReadError handles a hard read error: either give up on the file,
// or - when error skipping is enabled - seek past the bad region, zero
// filling the skipped span in the buffer.
func (p *Pump) reportReadError(in Source, eofIn, eofOut *bool, err error, neverSkip bool) {
	p.status.Fail(ExitTransferError)
	p.readErrorsInRow++

	if p.settings.SkipErrors == 0 || neverSkip {
		p.reporter.Errorf("%s: read failed: %v", in.Name(), err)
		*eofIn = true
		if p.writePos >= p.readPos {
			*eofOut = true
		}
		return
	}

	if !p.readErrorWarned {
		p.reporter.Errorf("%s: warning: read errors detected: %v", in.Name(), err)
		p.readErrorWarned = true
	}

	seeker, ok := in.(io.Seeker)
	if !ok {
		p.reporter.Errorf("%s: file is not seekable", in.Name())
		*eofIn = true
		if p.writePos >= p.readPos {
			*eofOut = true
		}
		return
	}

	origOffset, serr := seeker.Seek(0, io.SeekCurrent)
	if serr != nil {
		p.reporter.Errorf("%s: file is not seekable: %v", in.Name(), serr)
		*eofIn = true
		if p.writePos >= p.readPos {
			*eofOut = true
		}
		return
	}

	amount := p.skipAmount()

	// Round up to the next block boundary of the skip size, so a skip of
	// 512 from offset 257 lands on 512 rather than 769.
	if amount > 1 {
		boundary := origOffset + amount
		boundary -= boundary % amount
		if boundary > origOffset {
			amount = boundary - origOffset
		}
	}

	canRead := int64(len(p.buffer)) - p.readPos
	if amount > canRead {
		amount = canRead
	}

	skipTo, serr := seeker.Seek(origOffset+amount, io.SeekStart)
	if serr != nil {
		// Possibly past the end of the file - try a single byte.
		amount = 1
		skipTo, serr = seeker.Seek(origOffset+amount, io.SeekStart)
	}

	if serr != nil {
		*eofIn = true
		if !errors.Is(serr, unix.EINVAL) {
			p.reporter.Errorf("%s: failed to seek past error: %v", in.Name(), serr)
		}
		if p.writePos >= p.readPos {
			*eofOut = true
		}
		return
	}

	skipped := skipTo - origOffset
	if skipped <= 0 {
		*eofIn = true
		if p.writePos >= p.readPos {
			*eofOut = true
		}
		return
	}

	// Zero-fill the skipped span so the output stays aligned with the
	// input positions.
	for i := p.readPos; i < p.readPos+skipped; i++ {
		p.buffer[i] = 0
	}
	p.readPos += skipped

	if p.settings.SkipErrors < 2 {
		p.reporter.Errorf("%s: skipped past read error: %d - %d (%d B)",
			in.Name(), origOffset, skipTo, skipped)
	}
}

// skipAmount returns how far to seek past a read error: the configured
// block size if one was given, otherwise a distance that starts at a single
// byte and grows geometrically with consecutive errors, topping out at 512.
func (p *Pump) skipAmount() int64 {
	if p.settings.ErrorSkipBlock > 0 {
		return p.settings.ErrorSkipBlock
	}
	switch {
	case p.readErrorsInRow < 5:
		return 1
	case p.readErrorsInRow < 10:
		return 2
	case p.readErrorsInRow < 20:
		return 1 << uint(p.readErrorsInRow-10)
	default:
		return 512
	}
}

// write flushes up to toWrite bytes from the buffer to the output.  The
// second return value is the number of line separators written.  It
// returns false if the caller should return 0 from Transfer because of a
// transient error.
func (p *Pump) write(eofIn, eofOut *bool) (bool, int64) {
	var nwritten int64
	var err error

	if p.settings.DiscardInput {
		nwritten = p.toWrite
	} else {
		nwritten, err = p.writeRepeated(p.buffer[p.writePos : p.writePos+p.toWrite])
	}

	if err != nil {
		if isTransient(err) {
			log.Debugf("transient write error: %v", err)
			p.ready(-1, -1, 10*time.Millisecond)
			return false, 0
		}
		if errors.Is(err, unix.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
			// Broken pipe means the reader has finished; not our
			// error to report.
			*eofIn = true
			*eofOut = true
			return false, 0
		}
		p.reporter.Errorf("write failed: %v", err)
		p.status.Fail(ExitTransferError)
		*eofOut = true
		p.written = -1
		return true, 0
	}

	if nwritten == 0 {
		*eofOut = true
		return true, 0
	}

	var lines int64
	if p.settings.LineMode {
		separator := byte('\n')
		if p.settings.NullTerminatedLines {
			separator = 0
		}
		lines = int64(bytes.Count(p.buffer[p.writePos:p.writePos+nwritten], []byte{separator}))
	}

	if p.recorder != nil && !p.settings.DiscardInput {
		p.recorder.RecordOutput(p.buffer[p.writePos : p.writePos+nwritten])
	}

	p.writePos += nwritten
	p.written += nwritten

	// Buffer fully drained: reset the cursors, and if the input has
	// ended this file's output has ended too.
	if p.writePos >= p.readPos {
		p.writePos = 0
		p.readPos = 0
		if *eofIn {
			*eofOut = true
		}
	}

	return true, lines
}

// writeRepeated keeps writing until the data is gone or the write timeout
// expires, chunking large writes.
func (p *Pump) writeRepeated(buf []byte) (int64, error) {
	start := time.Now()
	var total int64

	for len(buf) > 0 {
		chunk := len(buf)
		if chunk > maxWriteAtOnce {
			chunk = maxWriteAtOnce
		}

		n, err := p.out.Write(buf[:chunk])
		total += int64(n)
		buf = buf[n:]

		if p.settings.SyncAfterWrite && p.outFD >= 0 && err == nil {
			// Only real I/O failures matter; EINVAL from a pipe or
			// similar non-syncable output is ignored.
			if serr := unix.Fdatasync(p.outFD); serr != nil && errors.Is(serr, unix.EIO) {
				return total, serr
			}
		}

		if err != nil {
			if isTransient(err) && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}

		if time.Since(start) > writeTimeout {
			log.Debugf("stopping write after timeout with %d written", total)
			return total, nil
		}
	}

	return total, nil
}
