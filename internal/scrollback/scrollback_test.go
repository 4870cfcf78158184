package scrollback

import "testing"

func TestBufferAccumulatesLines(t *testing.T) {
	b := New(0, 0)
	b.Write([]byte("one\ntwo\nthree\n"))

	got := b.Lines(0)
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestBufferHoldsPartialLineAcrossWrites(t *testing.T) {
	b := New(0, 0)
	b.Write([]byte("hel"))
	b.Write([]byte("lo\n"))

	got := b.Lines(0)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v, want [hello]", got)
	}
}

func TestBufferTrimsToMaxLines(t *testing.T) {
	b := New(3, 0)
	for i := 0; i < 10; i++ {
		b.Write([]byte("x\n"))
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
}

func TestBufferTrimsToMaxBytes(t *testing.T) {
	b := New(1000, 10)
	b.Write([]byte("aaaaa\n"))
	b.Write([]byte("bbbbb\n"))
	b.Write([]byte("cccc\n"))

	lines := b.Lines(0)
	total := 0
	for _, l := range lines {
		total += len(l)
	}
	if total > 10 {
		t.Fatalf("retained %d bytes, want <= 10", total)
	}
}

func TestBufferLinesRespectsN(t *testing.T) {
	b := New(0, 0)
	b.Write([]byte("a\nb\nc\nd\n"))

	got := b.Lines(2)
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("got %v, want [c d]", got)
	}
}

func TestBufferSnapshotJoinsWithNewlines(t *testing.T) {
	b := New(0, 0)
	b.Write([]byte("a\nb\n"))
	if got, want := b.Snapshot(), "a\nb"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBufferSizeBytesIncludesPendingTail(t *testing.T) {
	b := New(0, 0)
	b.Write([]byte("aaa\n"))
	if got := b.SizeBytes(); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
	b.Write([]byte("bb"))
	if got := b.SizeBytes(); got != 5 {
		t.Fatalf("got %d, want 5 (complete + pending)", got)
	}
}
