package model

import (
	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/ccmux/ccmux/internal/ptyio"
	"github.com/ccmux/ccmux/internal/scrollback"
	"github.com/ccmux/ccmux/internal/wire"
)

// The Restore* methods rebuild the object model from a checkpoint/WAL
// replay (internal/recovery) with caller-supplied identifiers, bypassing
// the normal creation invariants (name uniqueness, auto-selected active
// id) that only make sense for live client requests — recovery is
// reconstructing a single, already-consistent prior state, not
// arbitrating between concurrent new requests.

// RestoreSession re-creates a session with its original identity.
func (m *Manager) RestoreSession(id uuid.UUID, name string, env map[string]string, createdAt int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env == nil {
		env = make(map[string]string)
	}
	s := &Session{
		ID:          id,
		Name:        name,
		Environment: env,
		CreatedAt:   createdAt,
		windows:     make(map[uuid.UUID]*Window),
		windowOrder: make([]uuid.UUID, 0, 4),
	}
	m.sessions[id] = s
	m.sessionOrder = append(m.sessionOrder, id)
	m.namesByID[id] = name
	return s
}

// RestoreWindow re-creates a window with its original identity under an
// already-restored session.
func (m *Manager) RestoreWindow(sessionID, id uuid.UUID, name string, index int) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ccmuxerr.SessionNotFound("session not found during restore")
	}
	w := &Window{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Index:     index,
		panes:     make(map[uuid.UUID]*Pane),
		paneOrder: make([]uuid.UUID, 0, 4),
	}
	s.windows[id] = w
	s.windowOrder = append(s.windowOrder, id)
	m.windowOwner[id] = sessionID
	return w, nil
}

// RestorePaneArgs carries a pane's full persisted state for recovery.
type RestorePaneArgs struct {
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
	ScrollbackLinesMax int
	ScrollbackBytesMax int
}

// RestorePane re-creates a pane with its original identity and
// scrollback contents. Its PTY is not respawned here — that decision
// belongs to internal/daemon, gated by RespawnOnRecover.
func (m *Manager) RestorePane(windowID uuid.UUID, args RestorePaneArgs) (*Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.windowOwner[windowID]
	if !ok {
		return nil, ccmuxerr.WindowNotFound("window not found during restore")
	}
	w := m.sessions[sessionID].windows[windowID]

	sb := scrollback.New(args.ScrollbackLinesMax, args.ScrollbackBytesMax)
	for _, line := range args.ScrollbackLines {
		sb.Write([]byte(line + "\n"))
	}

	p := &Pane{
		ID:         args.ID,
		WindowID:   windowID,
		Index:      args.Index,
		Rows:       args.Rows,
		Cols:       args.Cols,
		Title:      args.Title,
		Cwd:        args.Cwd,
		Direction:  args.Direction,
		CreatedAt:  args.CreatedAt,
		StateTag:   args.StateTag,
		Activity:   args.Activity,
		ExitCode:   args.ExitCode,
		Scrollback: sb,
	}
	w.panes[p.ID] = p
	w.paneOrder = append(w.paneOrder, p.ID)
	m.paneOwner[p.ID] = windowID
	return p, nil
}

// SetActiveWindow sets a session's active window directly, used once all
// of a session's windows have been restored.
func (m *Manager) SetActiveWindow(sessionID, windowID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ccmuxerr.SessionNotFound("session not found")
	}
	s.ActiveWindowID = windowID
	return nil
}

// SetActivePane sets a window's active pane directly, used once all of a
// window's panes have been restored.
func (m *Manager) SetActivePane(windowID, paneID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.windowOwner[windowID]
	if !ok {
		return ccmuxerr.WindowNotFound("window not found")
	}
	m.sessions[sessionID].windows[windowID].ActivePaneID = paneID
	return nil
}

// AttachPTY attaches a live PTY handle to a pane (used for every spawned
// pane, including restored panes respawned under RespawnOnRecover) and
// clears any Exited state.
func (m *Manager) AttachPTY(paneID uuid.UUID, handle *ptyio.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return ccmuxerr.PaneNotFound("pane not found")
	}
	sessionID := m.windowOwner[windowID]
	p := m.sessions[sessionID].windows[windowID].panes[paneID]
	p.PTY = handle
	p.StateTag = wire.PaneNormal
	p.ExitCode = nil
	return nil
}
