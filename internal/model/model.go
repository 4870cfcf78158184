// Package model implements the ccmux object model: sessions containing
// windows containing panes (§3), with the invariants the manager
// enforces on creation, selection, and removal (§4.B).
package model

import (
	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/ptyio"
	"github.com/ccmux/ccmux/internal/scrollback"
	"github.com/ccmux/ccmux/internal/wire"
)

// Pane is a single PTY-backed terminal within a window.
type Pane struct {
	ID        uuid.UUID
	WindowID  uuid.UUID
	Index     int
	Rows      uint16
	Cols      uint16
	Title     string
	Cwd       string
	Direction wire.SplitDirection
	CreatedAt int64

	// StateTag is the pane's current high-level state: running normally, an
	// agent activity label, exited, or a status line. Activity is set by
	// an activity.Detector fed the pane's live output; it is orthogonal
	// to whether the process has exited.
	StateTag   wire.PaneStateTag
	Activity   activity.State
	ExitCode   *int

	Scrollback *scrollback.Buffer
	PTY        *ptyio.Handle
}

// Window groups an ordered set of panes, tracking which one is active.
type Window struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	Name         string
	Index        int
	panes        map[uuid.UUID]*Pane
	paneOrder    []uuid.UUID
	ActivePaneID uuid.UUID
}

// Session groups an ordered set of windows and carries per-session
// environment variables applied to new panes.
type Session struct {
	ID             uuid.UUID
	Name           string
	Environment    map[string]string
	CreatedAt      int64
	windows        map[uuid.UUID]*Window
	windowOrder    []uuid.UUID
	ActiveWindowID uuid.UUID
}

func newWindow(sessionID uuid.UUID, name string, index int) *Window {
	return &Window{
		ID:        uuid.New(),
		SessionID: sessionID,
		Name:      name,
		Index:     index,
		panes:     make(map[uuid.UUID]*Pane),
		paneOrder: make([]uuid.UUID, 0, 4),
	}
}

func newSession(name string, createdAt int64) *Session {
	return &Session{
		ID:          uuid.New(),
		Name:        name,
		Environment: make(map[string]string),
		CreatedAt:   createdAt,
		windows:     make(map[uuid.UUID]*Window),
		windowOrder: make([]uuid.UUID, 0, 4),
	}
}

// Panes returns the window's panes in creation order.
func (w *Window) Panes() []*Pane {
	out := make([]*Pane, 0, len(w.paneOrder))
	for _, id := range w.paneOrder {
		if p, ok := w.panes[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// PaneCount reports how many panes the window currently has.
func (w *Window) PaneCount() int { return len(w.paneOrder) }

func (w *Window) addPane(p *Pane) {
	w.panes[p.ID] = p
	w.paneOrder = append(w.paneOrder, p.ID)
	if w.ActivePaneID == uuid.Nil {
		w.ActivePaneID = p.ID
	}
}

// removePane deletes a pane and promotes a new active pane if the
// removed one was active. Returns true if the pane existed.
func (w *Window) removePane(id uuid.UUID) bool {
	_, ok := w.panes[id]
	if !ok {
		return false
	}
	delete(w.panes, id)
	for i, pid := range w.paneOrder {
		if pid == id {
			w.paneOrder = append(w.paneOrder[:i], w.paneOrder[i+1:]...)
			break
		}
	}
	if w.ActivePaneID == id {
		if len(w.paneOrder) == 0 {
			w.ActivePaneID = uuid.Nil
		} else {
			w.ActivePaneID = w.paneOrder[0]
		}
	}
	return true
}

// Windows returns the session's windows in creation order.
func (s *Session) Windows() []*Window {
	out := make([]*Window, 0, len(s.windowOrder))
	for _, id := range s.windowOrder {
		if w, ok := s.windows[id]; ok {
			out = append(out, w)
		}
	}
	return out
}

// WindowCount reports how many windows the session currently has.
func (s *Session) WindowCount() int { return len(s.windowOrder) }

func (s *Session) addWindow(w *Window) {
	s.windows[w.ID] = w
	s.windowOrder = append(s.windowOrder, w.ID)
	if s.ActiveWindowID == uuid.Nil {
		s.ActiveWindowID = w.ID
	}
}

func (s *Session) removeWindow(id uuid.UUID) bool {
	_, ok := s.windows[id]
	if !ok {
		return false
	}
	delete(s.windows, id)
	for i, wid := range s.windowOrder {
		if wid == id {
			s.windowOrder = append(s.windowOrder[:i], s.windowOrder[i+1:]...)
			break
		}
	}
	if s.ActiveWindowID == id {
		if len(s.windowOrder) == 0 {
			s.ActiveWindowID = uuid.Nil
		} else {
			s.ActiveWindowID = s.windowOrder[0]
		}
	}
	return true
}
