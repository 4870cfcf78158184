package sequencer

import "testing"

func TestEmitAssignsDenseIncreasingSeq(t *testing.T) {
	s := New(0, 0)
	var last uint64
	for i := 0; i < 5; i++ {
		ev := s.Emit([]byte("x"))
		if i > 0 && ev.Seq != last+1 {
			t.Fatalf("seq %d not dense after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
	if s.Current() != last {
		t.Errorf("Current() = %d, want %d", s.Current(), last)
	}
}

func TestReplayReturnsEventsAfterFrom(t *testing.T) {
	s := New(0, 0)
	var evs []Event
	for i := 0; i < 5; i++ {
		evs = append(evs, s.Emit([]byte("x")))
	}

	got, err := s.Replay(evs[2].Seq)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Seq != evs[3].Seq || got[1].Seq != evs[4].Seq {
		t.Errorf("unexpected replay sequence: %+v", got)
	}
}

func TestReplayFromZeroReturnsEverythingRetained(t *testing.T) {
	s := New(0, 0)
	for i := 0; i < 3; i++ {
		s.Emit([]byte("x"))
	}
	got, err := s.Replay(0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
}

func TestReplayBeyondRetentionReturnsGap(t *testing.T) {
	s := New(4, 0)
	for i := 0; i < 20; i++ {
		s.Emit([]byte("x"))
	}
	_, err := s.Replay(1)
	if err == nil {
		t.Fatal("expected ErrGap for a from-seq older than the retained window")
	}
	if _, ok := err.(*ErrGap); !ok {
		t.Errorf("expected *ErrGap, got %T", err)
	}
}

func TestRingTrimsToMaxCount(t *testing.T) {
	s := New(5, 0)
	for i := 0; i < 100; i++ {
		s.Emit([]byte("x"))
	}
	got, err := s.Replay(0)
	if err == nil && len(got) > 5 {
		t.Errorf("retained %d events, want <= 5", len(got))
	}
}
