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
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pipemeter/pkg/config"
)

// FileSource is a Source backed by an open file or standard input.
type FileSource struct {
	file    *os.File
	name    string
	isStdin bool
}

func (s *FileSource) Read(p []byte) (int, error) { return s.file.Read(p) }

func (s *FileSource) Seek(offset int64, whence int) (int64, error) {
	return s.file.Seek(offset, whence)
}

func (s *FileSource) Fd() uintptr { return s.file.Fd() }

// Name returns the name given on the command line, with standard input
// shown as "(stdin)".
func (s *FileSource) Name() string {
	if s.isStdin {
		return "(stdin)"
	}
	return s.name
}

// Close closes the underlying file, except for standard input which is
// left open.
func (s *FileSource) Close() error {
	if s.isStdin {
		return nil
	}
	return s.file.Close()
}

// InputFileSet walks the input files named on the command line in order,
// opening each in turn.  An empty list means a single read from standard
// input.
type InputFileSet struct {
	settings *config.Settings
	status   *Status
	reporter Reporter

	names []string
	index int

	outStat     unix.Stat_t
	haveOutStat bool
}

// NewInputFileSet builds the set from the configured file names and
// records the output's identity so an input that is the same file as the
// output can be refused.
func NewInputFileSet(settings *config.Settings, status *Status, reporter Reporter, outFD int) *InputFileSet {
	fs := &InputFileSet{
		settings: settings,
		status:   status,
		reporter: reporter,
		names:    settings.Files,
		index:    -1,
	}
	if len(fs.names) == 0 {
		fs.names = []string{"-"}
	}
	if outFD >= 0 {
		if err := unix.Fstat(outFD, &fs.outStat); err == nil {
			fs.haveOutStat = true
		}
	}
	return fs
}

// Count returns the number of input files.
func (fs *InputFileSet) Count() int { return len(fs.names) }

// Next opens the next input file, skipping any that cannot be opened or
// that turn out to be the output itself.  It returns nil when the set is
// exhausted.
func (fs *InputFileSet) Next() *FileSource {
	for fs.index+1 < len(fs.names) {
		fs.index++
		name := fs.names[fs.index]

		src, err := fs.open(name)
		if err != nil {
			fs.reporter.Errorf("%s: failed to open: %v", name, err)
			fs.status.Fail(ExitAccessError)
			continue
		}

		if fs.sameAsOutput(src) {
			fs.reporter.Errorf("%s: input file is output file", src.Name())
			fs.status.Fail(ExitInputIsOutput)
			src.Close()
			continue
		}

		if fs.settings.DirectIO {
			if err := setDirectIO(int(src.Fd())); err != nil {
				log.Debugf("%s: direct I/O not available: %v", src.Name(), err)
			}
		}

		return src
	}
	return nil
}

func (fs *InputFileSet) open(name string) (*FileSource, error) {
	if name == "-" {
		return &FileSource{file: os.Stdin, name: name, isStdin: true}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return &FileSource{file: f, name: name}, nil
}

// sameAsOutput reports whether the source refers to the same regular file
// as the output descriptor.
func (fs *InputFileSet) sameAsOutput(src *FileSource) bool {
	if !fs.haveOutStat {
		return false
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(src.Fd()), &st); err != nil {
		return false
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return false
	}
	return st.Dev == fs.outStat.Dev && st.Ino == fs.outStat.Ino
}

// CalcTotalSize works out the expected total of the transfer: the summed
// sizes of the regular input files, or the separator count when counting
// lines.  Block devices contribute their device size.  If no input size
// can be determined and the output is a block device, the output's size is
// used and the transfer is set to stop there.
func (fs *InputFileSet) CalcTotalSize(outFD int) int64 {
	var total int64

	if fs.settings.LineMode {
		total = fs.countLines()
	} else {
		total = fs.countBytes()
	}

	if total > 0 || outFD < 0 {
		return total
	}

	// Writing to a block device with unknown input size: the device's
	// capacity is the natural limit.
	var st unix.Stat_t
	if err := unix.Fstat(outFD, &st); err != nil {
		return total
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return total
	}
	size, err := unix.Seek(outFD, 0, unix.SEEK_END)
	if err == nil && size > 0 {
		unix.Seek(outFD, 0, unix.SEEK_SET)
		total = size
		fs.settings.StopAtSize = true
		log.Debugf("using output block device size %d as total", total)
	}
	return total
}

func (fs *InputFileSet) countBytes() int64 {
	var total int64
	for _, name := range fs.names {
		if name == "-" {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(name, &st); err != nil {
			continue
		}
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFREG:
			total += st.Size
		case unix.S_IFBLK:
			fd, err := unix.Open(name, unix.O_RDONLY, 0)
			if err != nil {
				continue
			}
			if size, err := unix.Seek(fd, 0, unix.SEEK_END); err == nil {
				total += size
			}
			unix.Close(fd)
		}
	}
	return total
}

func (fs *InputFileSet) countLines() int64 {
	separator := byte('\n')
	if fs.settings.NullTerminatedLines {
		separator = 0
	}

	var total int64
	buf := make([]byte, 65536)
	for _, name := range fs.names {
		if name == "-" {
			continue
		}
		f, err := os.Open(name)
		if err != nil {
			continue
		}
		for {
			n, err := f.Read(buf)
			if n > 0 {
				total += int64(bytes.Count(buf[:n], []byte{separator}))
			}
			if err != nil {
				break
			}
		}
		f.Close()
	}
	return total
}

// GuessBufferSize picks a transfer buffer size from the input's block
// size, within sensible bounds.
func GuessBufferSize(name string) int64 {
	var size int64 = DefaultBufferSize
	var st unix.Stat_t
	if name != "" && name != "-" {
		if err := unix.Stat(name, &st); err == nil && st.Blksize > 0 {
			size = 32 * int64(st.Blksize)
			if size > MaxAutoBufferSize {
				size = MaxAutoBufferSize
			}
		}
	}
	return size
}
