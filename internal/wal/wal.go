package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ccmux/ccmux/internal/ccmuxerr"
)

// DefaultSegmentBytes is the size at which the active segment rotates.
const DefaultSegmentBytes = 128 << 20

// DefaultBatchRecords is how many unflushed records accumulate before a
// forced fsync.
const DefaultBatchRecords = 64

// DefaultBatchInterval is the maximum time an unflushed record may sit
// before a forced fsync.
const DefaultBatchInterval = 20 * time.Millisecond

const segmentPrefix = "segment-"
const segmentSuffix = ".wal"

// WAL is an append-only, segmented, batched-fsync log.
type WAL struct {
	dir           string
	segmentBytes  int64
	batchRecords  int
	batchInterval time.Duration

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	segIndex int
	unflushed int

	closeCh chan struct{}
	doneCh  chan struct{}
}

// Open opens (creating if necessary) the WAL rooted at dir, resuming
// onto the highest-numbered existing segment.
func Open(dir string, segmentBytes int64, batchRecords int, batchInterval time.Duration) (*WAL, error) {
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}
	if batchRecords <= 0 {
		batchRecords = DefaultBatchRecords
	}
	if batchInterval <= 0 {
		batchInterval = DefaultBatchInterval
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, ccmuxerr.Persistence("create wal dir", err)
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:           dir,
		segmentBytes:  segmentBytes,
		batchRecords:  batchRecords,
		batchInterval: batchInterval,
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	idx := 0
	if len(segments) > 0 {
		idx = segments[len(segments)-1]
	}
	if err := w.openSegment(idx); err != nil {
		return nil, err
	}

	go w.flusher()
	return w, nil
}

// ListSegments returns the segment indices present in dir, ascending.
func ListSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ccmuxerr.Persistence("read wal dir", err)
	}
	var segments []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		segments = append(segments, n)
	}
	sort.Ints(segments)
	return segments, nil
}

// SegmentPath returns the file path for segment idx under dir.
func SegmentPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%06d%s", segmentPrefix, idx, segmentSuffix))
}

func (w *WAL) openSegment(idx int) error {
	path := SegmentPath(w.dir, idx)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return ccmuxerr.Persistence("open wal segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return ccmuxerr.Persistence("stat wal segment", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.size = info.Size()
	w.segIndex = idx
	return nil
}

// Append writes one record. It may be buffered; durability is only
// guaranteed once Flush (or the batch policy) has fsynced it.
func (w *WAL) Append(seq uint64, kind Kind, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+recordSize(len(payload)) > w.segmentBytes && w.size > 0 {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := encodeRecord(w.writer, seq, kind, payload)
	if err != nil {
		return ccmuxerr.Persistence("append wal record", err)
	}
	w.size += int64(n)
	w.unflushed++

	if w.unflushed >= w.batchRecords {
		return w.flushLocked()
	}
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return ccmuxerr.Persistence("close wal segment", err)
	}
	return w.openSegment(w.segIndex + 1)
}

// Flush forces any buffered records out to disk durably.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if w.unflushed == 0 {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return ccmuxerr.Persistence("flush wal buffer", err)
	}
	if err := w.file.Sync(); err != nil {
		return ccmuxerr.Persistence("fsync wal segment", err)
	}
	w.unflushed = 0
	return nil
}

// flusher periodically forces a flush so a record never sits unflushed
// longer than batchInterval, even if the record-count batch threshold
// is never reached.
func (w *WAL) flusher() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.closeCh:
			return
		}
	}
}

// TruncateBefore removes WAL segments that are entirely superseded by a
// checkpoint at or after upToSeg (the segment index the checkpoint's
// last-seen seq was written in). The active segment is never removed.
func (w *WAL) TruncateBefore(upToSeg int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	segments, err := ListSegments(w.dir)
	if err != nil {
		return err
	}
	for _, idx := range segments {
		if idx >= upToSeg || idx == w.segIndex {
			continue
		}
		if err := os.Remove(SegmentPath(w.dir, idx)); err != nil && !os.IsNotExist(err) {
			return ccmuxerr.Persistence("truncate wal segment", err)
		}
	}
	return nil
}

// ActiveSegment returns the index of the currently open segment.
func (w *WAL) ActiveSegment() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segIndex
}

// Close flushes and closes the WAL.
func (w *WAL) Close() error {
	close(w.closeCh)
	<-w.doneCh
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Close()
}
