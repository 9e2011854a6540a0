package vma

import (
	"crypto/md5"

	"github.com/cockroachdb/errors"
)

// zeroedRangeMD5 computes the MD5 of buf with the bytes in [lo, hi) taken as
// zero, without copying the buffer.
func zeroedRangeMD5(buf []byte, lo, hi int) [md5.Size]byte {
	var zeros [md5.Size]byte
	h := md5.New()
	h.Write(buf[:lo])
	h.Write(zeros[:hi-lo])
	h.Write(buf[hi:])
	var sum [md5.Size]byte
	h.Sum(sum[:0])
	return sum
}

// verifier checks embedded digests. With Skip set every check passes
// unconditionally; the digest bytes have already been consumed by the caller
// either way, so stream positions are unaffected.
type verifier struct {
	Skip bool
}

func (v verifier) verify(region string, offset int64, stored, computed [md5.Size]byte) error {
	if v.Skip || stored == computed {
		return nil
	}
	return errors.Mark(
		errors.Newf("vma: %s md5 mismatch at offset %d: stored %x, computed %x",
			region, offset, stored, computed),
		ErrChecksum)
}
