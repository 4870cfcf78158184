// Package sequencer assigns a process-global, strictly increasing
// sequence number to every event the daemon emits and retains a bounded
// window of recent events so a reconnecting client can replay what it
// missed instead of needing a full Sync snapshot (§4.E, property 1/2).
package sequencer

import "sync"

// DefaultMaxEvents bounds the replay ring by event count.
const DefaultMaxEvents = 1024

// DefaultMaxBytes bounds the replay ring by total retained payload size,
// independent of event count.
const DefaultMaxBytes = 64 << 10

// Event is one sequenced, replayable unit. Payload is opaque to the
// sequencer — callers typically store an encoded wire.ServerMessage.
type Event struct {
	Seq     uint64
	Payload []byte
}

// Sequencer hands out sequence numbers and retains a bounded tail of
// recent events for replay.
type Sequencer struct {
	mu       sync.Mutex
	next     uint64
	ring     []Event
	size     int
	maxCount int
	maxBytes int
}

// New creates a Sequencer with the given bounds. A maxCount or maxBytes
// of 0 falls back to the package defaults. Sequence numbers start at 1;
// 0 is reserved to mean "no events observed yet".
func New(maxCount, maxBytes int) *Sequencer {
	if maxCount <= 0 {
		maxCount = DefaultMaxEvents
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Sequencer{next: 1, maxCount: maxCount, maxBytes: maxBytes}
}

// NewResumed creates a Sequencer that continues from lastSeq (typically
// the seq internal/recovery reports after replaying prior state), so
// newly emitted events don't collide with or precede replayed ones.
func NewResumed(lastSeq uint64, maxCount, maxBytes int) *Sequencer {
	s := New(maxCount, maxBytes)
	s.next = lastSeq + 1
	return s
}

// Emit assigns the next sequence number to payload, retains it in the
// replay ring, and returns the assigned Event.
func (s *Sequencer) Emit(payload []byte) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{Seq: s.next, Payload: payload}
	s.next++

	s.ring = append(s.ring, ev)
	s.size += len(payload)
	for (len(s.ring) > s.maxCount || s.size > s.maxBytes) && len(s.ring) > 0 {
		s.size -= len(s.ring[0].Payload)
		s.ring = s.ring[1:]
	}
	return ev
}

// Current returns the most recently assigned sequence number, or 0 if
// none has been assigned yet.
func (s *Sequencer) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 1 {
		return 0
	}
	return s.next - 1
}

// ErrGap is returned by Replay when the requested starting point falls
// outside the retained window and the caller must fall back to a full
// Sync snapshot instead.
type ErrGap struct {
	Requested uint64
	OldestKept uint64
}

func (e *ErrGap) Error() string {
	return "sequencer: requested replay from a sequence no longer retained"
}

// Replay returns all retained events with Seq > from, in increasing
// order. If events after from have already been evicted (and from != 0,
// meaning the caller has actually missed something), it returns *ErrGap
// so the caller can fall back to a full snapshot.
func (s *Sequencer) Replay(from uint64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ring) == 0 {
		if from == 0 || from == s.next-1 {
			return nil, nil
		}
		return nil, &ErrGap{Requested: from, OldestKept: s.next}
	}

	oldest := s.ring[0].Seq
	if from != 0 && from < oldest-1 {
		return nil, &ErrGap{Requested: from, OldestKept: oldest}
	}

	out := make([]Event, 0, len(s.ring))
	for _, ev := range s.ring {
		if ev.Seq > from {
			out = append(out, ev)
		}
	}
	return out, nil
}
