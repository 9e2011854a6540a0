package vma

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// SourceHandler handles read access to the archive resource. No matter if
// it is a local file, a memory buffer, or some other seekable stream.
type SourceHandler interface {
	io.ReaderAt
}

// byteSource is the single sequential reader over the archive. The Extractor
// is its only user; it is not safe for concurrent use.
type byteSource struct {
	r    SourceHandler
	off  int64
	size int64

	// onRead, when set, observes every byte consumed from the archive.
	onRead func(n int)
}

func newByteSource(r SourceHandler, size int64) *byteSource {
	return &byteSource{r: r, size: size}
}

func openByteSource(path string) (*byteSource, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return newByteSource(f, info.Size()), f, nil
}

// next consumes exactly n bytes at the cursor. A read crossing EOF fails
// with ErrFormat wrapping io.ErrUnexpectedEOF.
func (s *byteSource) next(n int) ([]byte, error) {
	buf, err := s.readAt(s.off, n)
	if err != nil {
		return nil, err
	}
	s.off += int64(n)
	if s.onRead != nil {
		s.onRead(n)
	}
	return buf, nil
}

// readAt reads exactly length bytes at the given offset without moving the
// cursor. next uses it for every sequential read.
func (s *byteSource) readAt(offset int64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if offset+int64(length) > s.size {
		return nil, errors.Mark(
			errors.Wrapf(io.ErrUnexpectedEOF, "vma: need %d bytes at offset %d, archive is %d bytes",
				length, offset, s.size),
			ErrFormat)
	}
	result := make([]byte, length)
	rc, err := s.r.ReadAt(result, offset)
	if err != nil {
		if rc == length && err == io.EOF {
			// read completed exactly at EOF, valid situation
		} else {
			return nil, errors.Wrapf(err, "vma: read %d bytes at offset %d", length, offset)
		}
	}
	return result, nil
}

func (s *byteSource) offset() int64 { return s.off }

func (s *byteSource) remaining() int64 { return s.size - s.off }
