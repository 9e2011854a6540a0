package vma

import "github.com/cockroachdb/errors"

// Error classes. Errors are tagged with errors.Mark from
// github.com/cockroachdb/errors, so callers classify with that package's
// errors.Is; the standard library's errors.Is does not see the marks. Every
// error produced by this package carries one of these marks, except plain
// read/write failures on the archive or the output files, which are
// returned unmarked.
var (
	// ErrFormat reports a violated structural invariant: bad magic,
	// unknown version, bad sizes, truncation.
	ErrFormat = errors.New("vma: format error")

	// ErrChecksum reports an MD5 mismatch on the header or an extent.
	ErrChecksum = errors.New("vma: checksum mismatch")

	// ErrConflict reports the same logical cluster written twice with
	// differing bytes.
	ErrConflict = errors.New("vma: conflicting cluster write")

	// ErrResource reports failure to create, pre-size or finalize an output
	// file.
	ErrResource = errors.New("vma: output resource error")
)

func formatErrf(offset int64, format string, args ...interface{}) error {
	err := errors.Newf(format, args...)
	return errors.Mark(errors.Wrapf(err, "at offset %d", offset), ErrFormat)
}
