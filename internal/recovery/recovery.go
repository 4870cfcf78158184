// Package recovery rebuilds the object model on daemon startup: load the
// latest checkpoint (if any), then replay whatever write-ahead log tail
// was appended after it, so a crash loses at most the unflushed tail of
// the log (§4.K).
package recovery

import (
	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/ccmux/ccmux/internal/checkpoint"
	"github.com/ccmux/ccmux/internal/model"
	"github.com/ccmux/ccmux/internal/scrollback"
	"github.com/ccmux/ccmux/internal/wal"
	"github.com/ccmux/ccmux/internal/wire"
)

// Options configures a recovery pass.
type Options struct {
	CheckpointDir string
	WALDir        string

	// ScrollbackLinesMax/ScrollbackBytesMax size the scrollback buffer
	// recreated for each restored pane (the checkpoint only stores the
	// retained lines, not the bound itself).
	ScrollbackLinesMax int
	ScrollbackBytesMax int
}

// Result reports what recovery found, so the daemon can decide whether a
// fresh checkpoint is warranted immediately and where the sequencer/WAL
// should resume from.
type Result struct {
	Manager        *model.Manager
	Seq            uint64
	HadCheckpoint  bool
	ReplayedEvents int
}

// Recover loads the latest checkpoint under opts.CheckpointDir (if any)
// and replays the opts.WALDir tail written after it, returning a fully
// rehydrated Manager. A daemon with no prior runtime state at all (first
// launch) gets back an empty Manager and Seq == 0, which is not an error.
func Recover(opts Options) (*Result, error) {
	m := model.NewManager()

	snap, hadCheckpoint, err := checkpoint.Load(opts.CheckpointDir)
	if err != nil {
		return nil, err
	}

	baseSeq := uint64(0)
	if hadCheckpoint {
		baseSeq = snap.Seq
		if err := rehydrate(m, snap, opts); err != nil {
			return nil, err
		}
	}

	maxSeq := baseSeq
	replayed := 0
	err = wal.ReadAll(opts.WALDir, func(r wal.Record) error {
		if r.Kind == wal.KindCheckpointMarker {
			return nil
		}
		if r.Seq <= baseSeq {
			// Already folded into the checkpoint.
			return nil
		}
		msg, err := wire.DecodeServerMessage(r.Payload)
		if err != nil {
			return err
		}
		if err := apply(m, msg); err != nil {
			return err
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		replayed++
		return nil
	})
	if err != nil {
		return nil, ccmuxerr.Persistence("replay write-ahead log", err)
	}

	return &Result{Manager: m, Seq: maxSeq, HadCheckpoint: hadCheckpoint, ReplayedEvents: replayed}, nil
}

// rehydrate recreates every session/window/pane recorded in snap using the
// model's Restore* API, which bypasses the live-request invariants that
// don't apply to reconstructing an already-consistent prior state.
func rehydrate(m *model.Manager, snap checkpoint.Snapshot, opts Options) error {
	for _, ss := range snap.Sessions {
		m.RestoreSession(ss.ID, ss.Name, ss.Environment, ss.CreatedAt)

		for _, ws := range ss.Windows {
			if _, err := m.RestoreWindow(ss.ID, ws.ID, ws.Name, ws.Index); err != nil {
				return err
			}

			for _, ps := range ws.Panes {
				args := model.RestorePaneArgs{
					ID:                 ps.ID,
					Index:              ps.Index,
					Rows:               ps.Rows,
					Cols:               ps.Cols,
					Title:              ps.Title,
					Cwd:                ps.Cwd,
					Direction:          ps.Direction,
					CreatedAt:          ps.CreatedAt,
					StateTag:           ps.StateTag,
					Activity:           ps.Activity,
					ExitCode:           ps.ExitCode,
					ScrollbackLines:    ps.ScrollbackLines,
					ScrollbackLinesMax: scrollbackLinesMax(opts),
					ScrollbackBytesMax: scrollbackBytesMax(opts),
				}
				if _, err := m.RestorePane(ws.ID, args); err != nil {
					return err
				}
			}

			if ws.ActivePaneID != uuid.Nil {
				if err := m.SetActivePane(ws.ID, ws.ActivePaneID); err != nil {
					return err
				}
			}
		}

		if ss.ActiveWindowID != uuid.Nil {
			if err := m.SetActiveWindow(ss.ID, ss.ActiveWindowID); err != nil {
				return err
			}
		}
	}
	return nil
}

func scrollbackLinesMax(opts Options) int {
	if opts.ScrollbackLinesMax > 0 {
		return opts.ScrollbackLinesMax
	}
	return scrollback.DefaultMaxLines
}

func scrollbackBytesMax(opts Options) int {
	if opts.ScrollbackBytesMax > 0 {
		return opts.ScrollbackBytesMax
	}
	return scrollback.DefaultMaxBytes
}

// apply folds one replayed server broadcast into the model. Only messages
// that represent a state-changing broadcast are handled; request/response
// messages (Connected, SessionList, Error, Pong, ...) never appear in the
// log because the dispatcher only logs broadcasts, not per-client replies.
func apply(m *model.Manager, msg *wire.ServerMessage) error {
	switch msg.Kind {
	case wire.ServerSessionCreated:
		m.RestoreSession(msg.Session.ID, msg.Session.Name, msg.Session.Environment, msg.Session.CreatedAt)
		return nil

	case wire.ServerWindowCreated:
		_, err := m.RestoreWindow(msg.Window.SessionID, msg.Window.ID, msg.Window.Name, msg.Window.Index)
		return err

	case wire.ServerPaneCreated:
		_, err := m.RestorePane(msg.Pane.WindowID, model.RestorePaneArgs{
			ID:                 msg.Pane.ID,
			Index:              msg.Pane.Index,
			Rows:               msg.Pane.Rows,
			Cols:               msg.Pane.Cols,
			Title:              msg.Pane.Title,
			Cwd:                msg.Pane.Cwd,
			CreatedAt:          msg.Pane.CreatedAt,
			StateTag:           msg.Pane.State.Tag,
			ScrollbackLinesMax: scrollback.DefaultMaxLines,
			ScrollbackBytesMax: scrollback.DefaultMaxBytes,
		})
		return err

	case wire.ServerOutput:
		return m.AppendOutput(msg.PaneID, msg.Data)

	case wire.ServerPaneStateChanged, wire.ServerClaudeStateChanged:
		act := activity.State{Label: activity.Label(msg.State.Activity)}
		return m.SetPaneState(msg.PaneID, msg.State.Tag, act, msg.State.ExitCode)

	case wire.ServerPaneClosed:
		m.ClosePane(msg.PaneID)
		return nil

	case wire.ServerPaneResized:
		return m.Resize(msg.PaneID, msg.Rows, msg.Cols)

	case wire.ServerEnvironmentSet:
		return m.SetEnvironment(msg.SessionID, msg.EnvKey, msg.EnvValue)

	case wire.ServerWindowClosed, wire.ServerSessionEnded:
		// Already folded into the owning ClosePane cascade.
		return nil

	default:
		return nil
	}
}
