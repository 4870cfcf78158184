package wal

import (
	"os"
	"testing"
	"time"
)

func TestAppendAndReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		if err := w.Append(i, KindEvent, []byte("payload")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var seqs []uint64
	err = ReadAll(dir, func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(seqs) != 5 {
		t.Fatalf("got %d records, want 5", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Errorf("record %d: seq = %d, want %d", i, s, i+1)
		}
	}
}

func TestBatchIntervalFlushesWithoutExplicitFlush(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 1000, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if err := w.Append(1, KindEvent, []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	var count int
	err = ReadAll(dir, func(r Record) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (batch interval should have flushed)", count)
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny segment size forces rotation after a couple of records.
	w, err := Open(dir, 64, 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := uint64(1); i <= 10; i++ {
		if err := w.Append(i, KindEvent, []byte("0123456789")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	w.Close()

	segments, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected rotation to create multiple segments, got %d", len(segments))
	}

	var seqs []uint64
	err = ReadAll(dir, func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(seqs) != 10 {
		t.Fatalf("got %d records across segments, want 10", len(seqs))
	}
}

func TestReadAllStopsAtTornWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		w.Append(i, KindEvent, []byte("ok"))
	}
	w.Close()

	segments, _ := ListSegments(dir)
	path := SegmentPath(dir, segments[len(segments)-1])

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	// Append a truncated/garbage tail to simulate a crash mid-write.
	f.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x01})
	f.Close()

	var seqs []uint64
	err = ReadAll(dir, func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(seqs) != 3 {
		t.Fatalf("got %d valid records, want 3 (torn tail should be dropped)", len(seqs))
	}
}

func TestTruncateBeforeRemovesOldSegmentsButKeepsActive(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 64, 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(1); i <= 10; i++ {
		w.Append(i, KindEvent, []byte("0123456789"))
	}

	active := w.ActiveSegment()
	if err := w.TruncateBefore(active); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	w.Close()

	segments, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) != 1 || segments[0] != active {
		t.Errorf("segments = %v, want only active segment %d", segments, active)
	}
}
