package model

import (
	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/wire"
)

// ToWire projects a Session into its wire representation (§4.H list/sync
// responses).
func (s *Session) ToWire() wire.SessionInfo {
	var active *uuid.UUID
	if s.ActiveWindowID != uuid.Nil {
		id := s.ActiveWindowID
		active = &id
	}
	return wire.SessionInfo{
		ID:           s.ID,
		Name:         s.Name,
		Environment:  s.Environment,
		ActiveWindow: active,
		CreatedAt:    s.CreatedAt,
		WindowCount:  s.WindowCount(),
	}
}

// ToWire projects a Window into its wire representation.
func (w *Window) ToWire() wire.WindowInfo {
	var active *uuid.UUID
	if w.ActivePaneID != uuid.Nil {
		id := w.ActivePaneID
		active = &id
	}
	return wire.WindowInfo{
		ID:           w.ID,
		SessionID:    w.SessionID,
		Name:         w.Name,
		Index:        w.Index,
		PaneCount:    w.PaneCount(),
		ActivePaneID: active,
	}
}

// ToWire projects a Pane into its wire representation.
func (p *Pane) ToWire() wire.PaneInfo {
	state := wire.PaneState{Tag: p.StateTag}
	switch p.StateTag {
	case wire.PaneAgent:
		state.Activity = string(p.Activity.Label)
	case wire.PaneExited:
		state.ExitCode = p.ExitCode
	}
	return wire.PaneInfo{
		ID:        p.ID,
		WindowID:  p.WindowID,
		Index:     p.Index,
		Cols:      p.Cols,
		Rows:      p.Rows,
		State:     state,
		Title:     p.Title,
		Cwd:       p.Cwd,
		CreatedAt: p.CreatedAt,
	}
}

// WindowsWire projects all of a session's windows.
func (s *Session) WindowsWire() []wire.WindowInfo {
	ws := s.Windows()
	out := make([]wire.WindowInfo, len(ws))
	for i, w := range ws {
		out[i] = w.ToWire()
	}
	return out
}

// PanesWire projects all of a window's panes.
func (w *Window) PanesWire() []wire.PaneInfo {
	ps := w.Panes()
	out := make([]wire.PaneInfo, len(ps))
	for i, p := range ps {
		out[i] = p.ToWire()
	}
	return out
}
