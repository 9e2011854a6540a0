//go:build linux

package vma

import "golang.org/x/sys/unix"

// allocatedBytes reports how many bytes the filesystem actually backs the
// file with. On a sparse image this is well below the logical size.
func allocatedBytes(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	// st.Blocks counts 512-byte units regardless of the fs block size
	return st.Blocks * 512, nil
}
