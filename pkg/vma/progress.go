package vma

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressFunc receives one formatted progress line at a time. Lines arrive
// from a single goroutine.
type ProgressFunc func(line string)

// progress aggregates the byte counters of one extraction. The source and
// the device writers bump the atomic counters from their own goroutines;
// only the extractor goroutine formats and emits lines, at most once per
// second.
type progress struct {
	read    atomic.Int64
	written atomic.Int64

	total int64 // archive size, for the percentage

	start    time.Time
	lastEmit time.Time
	lastRead int64

	sink ProgressFunc
	now  func() time.Time
}

func newProgress(total int64, sink ProgressFunc) *progress {
	p := &progress{total: total, sink: sink, now: time.Now}
	p.start = p.now()
	p.lastEmit = p.start
	return p
}

func (p *progress) addRead(n int64)    { p.read.Add(n) }
func (p *progress) addWritten(n int64) { p.written.Add(n) }

// maybeEmit prints a line if at least a second passed since the last one.
func (p *progress) maybeEmit() {
	if p.sink == nil {
		return
	}
	now := p.now()
	elapsed := now.Sub(p.lastEmit)
	if elapsed < time.Second {
		return
	}
	read := p.read.Load()
	rate := float64(read-p.lastRead) / elapsed.Seconds()
	p.sink(p.line(now, read, rate))
	p.lastEmit = now
	p.lastRead = read
}

// emitFinal always prints a closing line with the average rate.
func (p *progress) emitFinal() {
	if p.sink == nil {
		return
	}
	now := p.now()
	read := p.read.Load()
	elapsed := now.Sub(p.start)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(read) / elapsed.Seconds()
	}
	p.sink(p.line(now, read, rate))
}

func (p *progress) line(now time.Time, read int64, rate float64) string {
	pct := 100.0
	if p.total > 0 {
		pct = float64(read) / float64(p.total) * 100
	}
	return fmt.Sprintf("%s  %5.1f%%  read %s  written %s  %s/s",
		now.Sub(p.start).Round(time.Second),
		pct,
		humanize.IBytes(uint64(read)),
		humanize.IBytes(uint64(p.written.Load())),
		humanize.IBytes(uint64(rate)))
}
