package vma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Options configure one extraction.
type Options struct {
	// SkipHash disables MD5 verification of the header and of every
	// extent. Digest bytes are still consumed for position bookkeeping.
	SkipHash bool

	// Workers is the write pool size; 0 means one per hardware thread.
	// Values below 2 are raised to 2.
	Workers int

	// Progress receives human-readable progress lines, at most one per
	// second plus a final summary. nil disables progress output.
	Progress ProgressFunc
}

// ReadHeader parses and verifies only the archive header. Used to inspect an
// archive without extracting it.
func ReadHeader(sourcePath string, skipHash bool) (*Header, error) {
	src, f, err := openByteSource(sourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseHeader(src, verifier{Skip: skipHash})
}

// Extract decodes the archive at sourcePath into outputDir: one plain file
// per config blob and one pre-sized sparse `<name>.raw` image per device.
// The first failed check aborts the pipeline; partial outputs are left in
// place for inspection.
func Extract(ctx context.Context, sourcePath, outputDir string, opts Options) error {
	src, f, err := openByteSource(sourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	pr := newProgress(src.size, opts.Progress)
	src.onRead = func(n int) { pr.addRead(int64(n)) }

	v := verifier{Skip: opts.SkipHash}
	hdr, err := parseHeader(src, v)
	if err != nil {
		return err
	}

	if err := writeConfigs(outputDir, hdr.Configs); err != nil {
		return err
	}

	var writers [maxDevices]*deviceWriter
	for id, dev := range hdr.Devices {
		if dev == nil {
			continue
		}
		if !safeFileName(dev.FileName()) {
			return errors.Mark(errors.Newf("vma: unsafe device file name %q", dev.FileName()), ErrFormat)
		}
		w, err := createDeviceWriter(outputDir, *dev, pr)
		if err != nil {
			return err
		}
		writers[id] = w
	}

	pool := newWritePool(ctx, poolWorkers(opts.Workers), func(p placement) error {
		return writers[p.deviceID].place(p.cluster, p.data)
	})

	dec := &extentDecoder{src: src, header: hdr, v: v}
	var loopErr error
	for src.remaining() > 0 {
		if loopErr = dec.decodeNext(pool.submit); loopErr != nil {
			break
		}
		pr.maybeEmit()
	}

	// join the workers; a pool failure is the root cause when the decode
	// loop was cut short by the cancellation it triggered
	poolErr := pool.wait()
	switch {
	case loopErr != nil && !errors.Is(loopErr, context.Canceled):
		err = loopErr
	case poolErr != nil:
		err = poolErr
	default:
		err = loopErr
	}
	if err != nil {
		for _, w := range writers {
			if w != nil {
				w.f.Close()
			}
		}
		return err
	}

	for _, w := range writers {
		if w == nil {
			continue
		}
		if err := w.finalize(); err != nil {
			return err
		}
	}

	pr.emitFinal()
	if opts.Progress != nil {
		for _, w := range writers {
			if w == nil {
				continue
			}
			alloc, err := allocatedBytes(w.path)
			if err != nil {
				continue
			}
			opts.Progress(fmt.Sprintf("%s: %s (allocated %s)",
				w.dev.FileName(), humanize.IBytes(w.dev.Size), humanize.IBytes(uint64(alloc))))
		}
	}
	return nil
}

// writeConfigs drops every config blob as a plain file in the output
// directory, verbatim.
func writeConfigs(outputDir string, configs []Config) error {
	for _, cfg := range configs {
		if !safeFileName(cfg.Name) {
			return errors.Mark(errors.Newf("vma: unsafe config file name %q", cfg.Name), ErrFormat)
		}
		path := filepath.Join(outputDir, cfg.Name)
		if err := os.WriteFile(path, cfg.Data, 0o644); err != nil {
			return errors.Mark(errors.Wrapf(err, "vma: write config %q", cfg.Name), ErrResource)
		}
	}
	return nil
}

// safeFileName rejects names that would escape the output directory.
func safeFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
