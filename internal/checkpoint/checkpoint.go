// Package checkpoint implements periodic full-state snapshots of the
// object model (§4.K): a snapshot lets recovery skip replaying the
// entire write-ahead log from the beginning of time, replaying only the
// WAL tail written after the checkpoint was taken.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/ccmux/ccmux/internal/model"
	"github.com/ccmux/ccmux/internal/wire"
)

const fileName = "checkpoint.ckpt"
const tempFileName = "checkpoint.ckpt.tmp"

// PaneSnapshot is the persisted form of a model.Pane (no PTY — panes are
// not respawned on recovery by default, see internal/recovery).
type PaneSnapshot struct {
	ID              uuid.UUID
	Index           int
	Rows, Cols      uint16
	Title, Cwd      string
	Direction       wire.SplitDirection
	CreatedAt       int64
	StateTag        wire.PaneStateTag
	Activity        activity.State
	ExitCode        *int
	ScrollbackLines []string
}

// WindowSnapshot is the persisted form of a model.Window.
type WindowSnapshot struct {
	ID           uuid.UUID
	Name         string
	Index        int
	ActivePaneID uuid.UUID
	Panes        []PaneSnapshot
}

// SessionSnapshot is the persisted form of a model.Session.
type SessionSnapshot struct {
	ID             uuid.UUID
	Name           string
	Environment    map[string]string
	CreatedAt      int64
	ActiveWindowID uuid.UUID
	Windows        []WindowSnapshot
}

// Snapshot is a full point-in-time capture of the object model plus the
// replay coordinates recovery needs: the sequencer position and which
// WAL segment was active when the checkpoint was taken.
type Snapshot struct {
	Seq        uint64
	WALSegment int
	Sessions   []SessionSnapshot
}

// Build captures the current state of m.
func Build(m *model.Manager, seq uint64, walSegment int) Snapshot {
	snap := Snapshot{Seq: seq, WALSegment: walSegment}
	for _, s := range m.ListSessions() {
		ss := SessionSnapshot{
			ID:             s.ID,
			Name:           s.Name,
			Environment:    s.Environment,
			CreatedAt:      s.CreatedAt,
			ActiveWindowID: s.ActiveWindowID,
		}
		for _, w := range s.Windows() {
			ws := WindowSnapshot{
				ID:           w.ID,
				Name:         w.Name,
				Index:        w.Index,
				ActivePaneID: w.ActivePaneID,
			}
			for _, p := range w.Panes() {
				ws.Panes = append(ws.Panes, PaneSnapshot{
					ID:              p.ID,
					Index:           p.Index,
					Rows:            p.Rows,
					Cols:            p.Cols,
					Title:           p.Title,
					Cwd:             p.Cwd,
					Direction:       p.Direction,
					CreatedAt:       p.CreatedAt,
					StateTag:        p.StateTag,
					Activity:        p.Activity,
					ExitCode:        p.ExitCode,
					ScrollbackLines: p.Scrollback.Lines(0),
				})
			}
			ss.Windows = append(ss.Windows, ws)
		}
		snap.Sessions = append(snap.Sessions, ss)
	}
	return snap
}

// Write atomically persists snap to dir: encode to a temp file, fsync,
// then rename over the canonical checkpoint file. The rename is what
// makes this atomic — a reader never observes a partially written file.
func Write(dir string, snap Snapshot) error {
	payload, err := cbor.Marshal(snap)
	if err != nil {
		return ccmuxerr.Persistence("encode checkpoint", err)
	}
	digest := blake2b.Sum256(payload)

	tmpPath := filepath.Join(dir, tempFileName)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return ccmuxerr.Persistence("create checkpoint temp file", err)
	}

	if _, err := f.Write(digest[:]); err != nil {
		f.Close()
		return ccmuxerr.Persistence("write checkpoint digest", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return ccmuxerr.Persistence("write checkpoint payload", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ccmuxerr.Persistence("fsync checkpoint temp file", err)
	}
	if err := f.Close(); err != nil {
		return ccmuxerr.Persistence("close checkpoint temp file", err)
	}

	finalPath := filepath.Join(dir, fileName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return ccmuxerr.Persistence("rename checkpoint into place", err)
	}
	return nil
}

// Load reads and validates the checkpoint at dir. It returns
// (Snapshot{}, false, nil) if no checkpoint file exists yet (first run).
func Load(dir string) (Snapshot, bool, error) {
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, ccmuxerr.Persistence("read checkpoint", err)
	}
	if len(data) < blake2b.Size256 {
		return Snapshot{}, false, ccmuxerr.Persistence(fmt.Sprintf("checkpoint file too short (%d bytes)", len(data)), nil)
	}

	wantDigest := data[:blake2b.Size256]
	payload := data[blake2b.Size256:]
	gotDigest := blake2b.Sum256(payload)
	if string(wantDigest) != string(gotDigest[:]) {
		return Snapshot{}, false, ccmuxerr.Persistence("checkpoint digest mismatch", nil)
	}

	var snap Snapshot
	if err := cbor.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, ccmuxerr.Persistence("decode checkpoint", err)
	}
	return snap, true, nil
}
