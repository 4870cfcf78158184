package model

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/ccmux/ccmux/internal/scrollback"
	"github.com/ccmux/ccmux/internal/wire"
)

// maxResizeDim bounds pane dimensions against pathological resize
// requests; the client protocol carries rows/cols as uint16 already, this
// just keeps a single huge dimension from defeating scrollback budgeting.
const maxResizeDim = 2000

// MinResizeDim is the minimum pane dimension accepted by Resize; requests
// below it are clamped up rather than rejected (§4.B edge cases).
const MinResizeDim = 1

// Manager owns every session and provides the single-writer/many-reader
// entry point into the object model (§5): structural mutations take the
// write lock; read-only snapshot operations and AppendOutput (whose
// scrollback buffer has its own lock) take the read lock.
type Manager struct {
	mu sync.RWMutex

	sessions     map[uuid.UUID]*Session
	sessionOrder []uuid.UUID
	namesByID    map[uuid.UUID]string

	// windowOwner/paneOwner give O(1) lookup from a window id to its
	// owning session and from a pane id to its owning window, so command
	// handlers don't need to know the full path to address a pane.
	windowOwner map[uuid.UUID]uuid.UUID // windowID -> sessionID
	paneOwner   map[uuid.UUID]uuid.UUID // paneID -> windowID
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:    make(map[uuid.UUID]*Session),
		namesByID:   make(map[uuid.UUID]string),
		windowOwner: make(map[uuid.UUID]uuid.UUID),
		paneOwner:   make(map[uuid.UUID]uuid.UUID),
	}
}

// CreateSession creates a new, empty session. Session names must be
// unique (property 5 / scenario S3).
func (m *Manager) CreateSession(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.namesByID {
		if existing == name {
			return nil, ccmuxerr.SessionExists(name)
		}
	}

	s := newSession(name, time.Now().Unix())
	m.sessions[s.ID] = s
	m.sessionOrder = append(m.sessionOrder, s.ID)
	m.namesByID[s.ID] = name
	return s, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ccmuxerr.SessionNotFound("session not found")
	}
	return s, nil
}

// GetSessionByName looks up a session by its unique name.
func (m *Manager) GetSessionByName(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, n := range m.namesByID {
		if n == name {
			return m.sessions[id], nil
		}
	}
	return nil, ccmuxerr.SessionNotFound("session not found")
}

// ListSessions returns all sessions in creation order.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessionOrder))
	for _, id := range m.sessionOrder {
		out = append(out, m.sessions[id])
	}
	return out
}

// RemoveSession deletes a session and everything under it. Idempotent:
// removing an already-absent session is not an error, it simply reports
// existed == false (structural idempotence, property 6).
func (m *Manager) RemoveSession(id uuid.UUID) (existed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeSessionLocked(id)
}

func (m *Manager) removeSessionLocked(id uuid.UUID) bool {
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	for _, w := range s.windows {
		for paneID := range w.panes {
			delete(m.paneOwner, paneID)
		}
		delete(m.windowOwner, w.ID)
	}
	delete(m.sessions, id)
	delete(m.namesByID, id)
	for i, sid := range m.sessionOrder {
		if sid == id {
			m.sessionOrder = append(m.sessionOrder[:i], m.sessionOrder[i+1:]...)
			break
		}
	}
	return true
}

// CreateWindow adds a new window to a session.
func (m *Manager) CreateWindow(sessionID uuid.UUID, name string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ccmuxerr.SessionNotFound("session not found")
	}
	if name == "" {
		name = defaultWindowName(s.WindowCount())
	}
	w := newWindow(sessionID, name, s.WindowCount())
	s.addWindow(w)
	m.windowOwner[w.ID] = sessionID
	return w, nil
}

func defaultWindowName(index int) string {
	return "window-" + strconv.Itoa(index)
}

// PaneConfig configures a newly created pane's initial geometry.
type PaneConfig struct {
	Rows      uint16
	Cols      uint16
	Cwd       string
	Direction wire.SplitDirection
	ScrollbackLines int
	ScrollbackBytes int
}

// CreatePane adds a new pane to a window. The PTY/process itself is
// spawned by the caller (internal/dispatcher, through its SpawnPane hook),
// which then attaches the resulting *ptyio.Handle via AttachPTY.
func (m *Manager) CreatePane(windowID uuid.UUID, cfg PaneConfig) (*Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.windowOwner[windowID]
	if !ok {
		return nil, ccmuxerr.WindowNotFound("window not found")
	}
	s := m.sessions[sessionID]
	w := s.windows[windowID]

	rows, cols := clampDim(cfg.Rows), clampDim(cfg.Cols)
	p := &Pane{
		ID:         uuid.New(),
		WindowID:   windowID,
		Index:      w.PaneCount(),
		Rows:       rows,
		Cols:       cols,
		Cwd:        cfg.Cwd,
		Direction:  cfg.Direction,
		CreatedAt:  time.Now().Unix(),
		StateTag:   wire.PaneNormal,
		Scrollback: scrollback.New(cfg.ScrollbackLines, cfg.ScrollbackBytes),
	}
	w.addPane(p)
	m.paneOwner[p.ID] = windowID
	return p, nil
}

func clampDim(v uint16) uint16 {
	if v < MinResizeDim {
		return MinResizeDim
	}
	if v > maxResizeDim {
		return maxResizeDim
	}
	return v
}

// FindPane resolves a pane id to its pane, window, and session.
func (m *Manager) FindPane(paneID uuid.UUID) (*Pane, *Window, *Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return nil, nil, nil, ccmuxerr.PaneNotFound("pane not found")
	}
	sessionID := m.windowOwner[windowID]
	s := m.sessions[sessionID]
	w := s.windows[windowID]
	p := w.panes[paneID]
	return p, w, s, nil
}

// FindWindow resolves a window id to its window and session.
func (m *Manager) FindWindow(windowID uuid.UUID) (*Window, *Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.windowOwner[windowID]
	if !ok {
		return nil, nil, ccmuxerr.WindowNotFound("window not found")
	}
	s := m.sessions[sessionID]
	return s.windows[windowID], s, nil
}

// Resize updates a pane's geometry, clamping to the supported range.
func (m *Manager) Resize(paneID uuid.UUID, rows, cols uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return ccmuxerr.PaneNotFound("pane not found")
	}
	sessionID := m.windowOwner[windowID]
	p := m.sessions[sessionID].windows[windowID].panes[paneID]
	p.Rows, p.Cols = clampDim(rows), clampDim(cols)
	return nil
}

// ClosePaneResult reports the structural cleanup a ClosePane triggered.
type ClosePaneResult struct {
	WindowClosed  bool
	SessionEnded  bool
	WindowID      uuid.UUID
	SessionID     uuid.UUID
}

// ClosePane removes a pane. If it was the window's last pane, the window
// is removed too; if that was the session's last window, the session is
// removed as well (tmux's usual cascade). Idempotent: closing an
// already-closed pane reports existed == false with no error.
func (m *Manager) ClosePane(paneID uuid.UUID) (existed bool, result ClosePaneResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return false, ClosePaneResult{}
	}
	sessionID := m.windowOwner[windowID]
	s := m.sessions[sessionID]
	w := s.windows[windowID]

	w.removePane(paneID)
	delete(m.paneOwner, paneID)

	result = ClosePaneResult{WindowID: windowID, SessionID: sessionID}

	if w.PaneCount() == 0 {
		s.removeWindow(windowID)
		delete(m.windowOwner, windowID)
		result.WindowClosed = true

		if s.WindowCount() == 0 {
			m.removeSessionLocked(sessionID)
			result.SessionEnded = true
		}
	}

	return true, result
}

// SetEnvironment sets a session environment variable, applied to panes
// spawned in that session from then on (existing panes are unaffected).
func (m *Manager) SetEnvironment(sessionID uuid.UUID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ccmuxerr.SessionNotFound("session not found")
	}
	s.Environment[key] = value
	return nil
}

// AppendOutput feeds freshly-produced PTY bytes into a pane's scrollback.
// It does not write to the pane's PTY itself — that's ptyio.Handle.Write's
// job; this records the output side for replay/Sync.
func (m *Manager) AppendOutput(paneID uuid.UUID, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return ccmuxerr.PaneNotFound("pane not found")
	}
	sessionID := m.windowOwner[windowID]
	p := m.sessions[sessionID].windows[windowID].panes[paneID]
	p.Scrollback.Write(data)
	return nil
}

// SetPaneState updates a pane's high-level state tag, used both for agent
// activity transitions and for recording process exit.
func (m *Manager) SetPaneState(paneID uuid.UUID, tag wire.PaneStateTag, act activity.State, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return ccmuxerr.PaneNotFound("pane not found")
	}
	sessionID := m.windowOwner[windowID]
	p := m.sessions[sessionID].windows[windowID].panes[paneID]
	p.StateTag = tag
	p.Activity = act
	p.ExitCode = exitCode
	return nil
}

// Environment returns a copy of a session's environment map.
func (m *Manager) Environment(sessionID uuid.UUID) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ccmuxerr.SessionNotFound("session not found")
	}
	out := make(map[string]string, len(s.Environment))
	for k, v := range s.Environment {
		out[k] = v
	}
	return out, nil
}

// SelectPane sets a window's active pane.
func (m *Manager) SelectPane(paneID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	windowID, ok := m.paneOwner[paneID]
	if !ok {
		return ccmuxerr.PaneNotFound("pane not found")
	}
	sessionID := m.windowOwner[windowID]
	w := m.sessions[sessionID].windows[windowID]
	w.ActivePaneID = paneID
	s := m.sessions[sessionID]
	s.ActiveWindowID = windowID
	return nil
}
