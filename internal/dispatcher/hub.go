// Package dispatcher implements the per-connection protocol state
// machine: it enforces the Connect handshake, converts each
// wire.ClientMessage into a model/registry/WAL operation, and fans out
// the resulting broadcasts to every other client attached to the same
// session (§4.D, §4.E, §6).
package dispatcher

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/model"
	"github.com/ccmux/ccmux/internal/registry"
	"github.com/ccmux/ccmux/internal/sequencer"
	"github.com/ccmux/ccmux/internal/wal"
	"github.com/ccmux/ccmux/internal/wire"
)

// Hub is the daemon-wide shared state every connection's dispatcher
// reads and mutates. There is exactly one Hub per running daemon.
type Hub struct {
	Manager       *model.Manager
	Seq           *sequencer.Sequencer
	Clients       *registry.Registry
	WAL           *wal.WAL
	Detector      activity.Detector
	Logger        *slog.Logger
	ServerVersion string

	// SpawnPane is called to actually start a PTY-backed process for a
	// newly created pane; the dispatcher owns protocol/model bookkeeping,
	// not process lifecycle, which belongs to internal/daemon (so tests
	// can substitute a fake without spawning real processes).
	SpawnPane func(paneID uuid.UUID, cfg model.PaneConfig) error

	// KillPane tears down a pane's PTY, if any, called as part of
	// ClosePane handling.
	KillPane func(paneID uuid.UUID) error

	// readOnly latches true once a WAL append or checkpoint write fails,
	// degrading the daemon to read-only: every subsequent mutating
	// command is rejected with InternalError rather than silently
	// diverging from what's durably logged (§4.K).
	readOnly atomic.Bool
}

// NewHub creates a Hub from its component parts. logger defaults to
// slog.Default() if nil.
func NewHub(m *model.Manager, seq *sequencer.Sequencer, clients *registry.Registry, w *wal.WAL, detector activity.Detector, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Manager:       m,
		Seq:           seq,
		Clients:       clients,
		WAL:           w,
		Detector:      detector,
		Logger:        logger,
		ServerVersion: "ccmux/1",
	}
}

// emit assigns a sequence number to msg, durably logs it, and fans it out
// to every client attached to sessionID except exceptClient (the
// initiator, which gets its own direct reply instead). sessionID may be
// uuid.Nil for events with no session scope yet (none currently exist,
// but the zero value broadcasts to nobody, which is the safe default).
// Emit is emit's exported counterpart for callers outside a connection's
// own handler chain — namely internal/daemon's PTY output/exit callbacks,
// which need to broadcast ServerOutput/ServerPaneStateChanged events with
// no initiating client to exclude.
func (h *Hub) Emit(sessionID uuid.UUID, msg *wire.ServerMessage) error {
	return h.emit(sessionID, uuid.Nil, msg)
}

func (h *Hub) emit(sessionID, exceptClient uuid.UUID, msg *wire.ServerMessage) error {
	payload, err := wire.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	ev := h.Seq.Emit(payload)
	if h.WAL != nil {
		if err := h.WAL.Append(ev.Seq, wal.KindEvent, payload); err != nil {
			h.readOnly.Store(true)
			return err
		}
	}
	if sessionID != uuid.Nil {
		h.Clients.BroadcastToSessionExcept(sessionID, exceptClient, payload)
	}
	return nil
}

// ReadOnly reports whether persistence has failed and the daemon is
// refusing further mutations.
func (h *Hub) ReadOnly() bool {
	return h.readOnly.Load()
}

// SetReadOnly latches the daemon read-only, for failures (e.g. a
// checkpoint write) detected outside the emit path.
func (h *Hub) SetReadOnly() {
	h.readOnly.Store(true)
}
