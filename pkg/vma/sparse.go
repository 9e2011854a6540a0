package vma

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// deviceWriter owns the output file of one device. It is shared between the
// pool workers placing clusters and the extractor which creates and
// finalizes it; the mutex serializes access to the file handle and the
// written-cluster set.
type deviceWriter struct {
	dev  Device
	path string
	f    *os.File

	mu      sync.Mutex
	written map[uint32]struct{}

	progress *progress
}

// createDeviceWriter opens `<dir>/<name>.raw` and pre-sizes it to the
// device's logical size. On filesystems with sparse support the truncate
// allocates nothing, so untouched clusters stay holes.
func createDeviceWriter(dir string, dev Device, pr *progress) (*deviceWriter, error) {
	path := filepath.Join(dir, dev.FileName())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "vma: create device image %q", path), ErrResource)
	}
	if err := f.Truncate(int64(dev.Size)); err != nil {
		f.Close()
		return nil, errors.Mark(errors.Wrapf(err, "vma: pre-size %q to %d bytes", path, dev.Size), ErrResource)
	}
	return &deviceWriter{
		dev:      dev,
		path:     path,
		f:        f,
		written:  make(map[uint32]struct{}),
		progress: pr,
	}, nil
}

// place writes one cluster at its logical offset. data nil means all-zero:
// the range is already zero from the pre-sized file and no write happens.
// Repeating a cluster with identical bytes is a no-op; differing bytes are
// an ErrConflict.
func (w *deviceWriter) place(cluster uint32, data []byte) error {
	offset := int64(cluster) * ClusterSize
	length := int64(ClusterSize)
	if offset+length > int64(w.dev.Size) {
		// tail cluster of a device whose size is not cluster-aligned
		length = int64(w.dev.Size) - offset
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.written[cluster]; dup {
		return w.checkRewrite(cluster, offset, length, data)
	}
	w.written[cluster] = struct{}{}

	if data == nil {
		return nil
	}
	if _, err := w.f.WriteAt(data[:length], offset); err != nil {
		return errors.Wrapf(err, "vma: write cluster %d of device %d (%q) at offset %d",
			cluster, w.dev.ID, w.dev.Name, offset)
	}
	if w.progress != nil {
		w.progress.addWritten(length)
	}
	return nil
}

// checkRewrite handles a duplicate placement: reads back what is on disk and
// compares. Idempotent rewrites pass, conflicting ones are fatal.
func (w *deviceWriter) checkRewrite(cluster uint32, offset, length int64, data []byte) error {
	existing := make([]byte, length)
	if _, err := w.f.ReadAt(existing, offset); err != nil {
		return errors.Wrapf(err, "vma: read back cluster %d of device %d (%q)",
			cluster, w.dev.ID, w.dev.Name)
	}
	if data == nil {
		data = zeroCluster[:]
	}
	if !bytes.Equal(existing, data[:length]) {
		return errors.Mark(
			errors.Newf("vma: device %d (%q) cluster %d written twice with differing data",
				w.dev.ID, w.dev.Name, cluster),
			ErrConflict)
	}
	return nil
}

// finalize flushes and closes the image, confirming the exact declared
// length.
func (w *deviceWriter) finalize() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Mark(errors.Wrapf(err, "vma: sync %q", w.path), ErrResource)
	}
	info, err := w.f.Stat()
	if err != nil {
		w.f.Close()
		return errors.Mark(errors.Wrapf(err, "vma: stat %q", w.path), ErrResource)
	}
	if info.Size() != int64(w.dev.Size) {
		if err := w.f.Truncate(int64(w.dev.Size)); err != nil {
			w.f.Close()
			return errors.Mark(errors.Wrapf(err, "vma: restore %q to %d bytes", w.path, w.dev.Size), ErrResource)
		}
	}
	if err := w.f.Close(); err != nil {
		return errors.Mark(errors.Wrapf(err, "vma: close %q", w.path), ErrResource)
	}
	return nil
}

var zeroCluster [ClusterSize]byte
