package dispatcher

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/ccmux/ccmux/internal/model"
	"github.com/ccmux/ccmux/internal/registry"
	"github.com/ccmux/ccmux/internal/wire"
)

// connState tracks where a connection sits in the handshake lifecycle
// (§4.A): a connection that hasn't sent Connect yet may send nothing
// else; once connected it stays Active until the underlying transport
// closes (Detach only clears the session attachment).
type connState int

const (
	stateAwaitingConnect connState = iota
	stateActive
	stateClosing
)

// Conn holds one client connection's dispatcher state. It is not
// goroutine-safe on its own — a single goroutine should drive
// HandleMessage calls for a given Conn, matching a typical one-reader
// loop per connection.
type Conn struct {
	hub      *Hub
	logger   *slog.Logger
	state    connState
	clientID uuid.UUID
	reg      *registry.Client

	// attachedSession is uuid.Nil when not attached to any session.
	attachedSession uuid.UUID
}

// NewConn creates a dispatcher for one connection.
func NewConn(hub *Hub) *Conn {
	return &Conn{hub: hub, logger: hub.Logger, state: stateAwaitingConnect}
}

// Close unregisters the connection's client from the hub, if it ever
// completed the handshake. Safe to call multiple times.
func (c *Conn) Close() {
	if c.clientID != uuid.Nil {
		c.hub.Clients.Unregister(c.clientID)
		c.clientID = uuid.Nil
	}
	c.state = stateClosing
}

// Outbound exposes the registered client's outbound queue for the
// connection's writer goroutine to drain, or nil before the handshake
// completes.
func (c *Conn) Outbound() <-chan []byte {
	if c.reg == nil {
		return nil
	}
	return c.reg.Outbound()
}

// HandleMessage processes one ClientMessage and returns the direct reply
// to send back over this connection, if any (every handler either
// replies directly, or replies with an Error, or has nothing to say,
// e.g. Input/Resize/Detach which only produce broadcasts or no wire
// traffic back to the sender at all).
func (c *Conn) HandleMessage(msg *wire.ClientMessage) *wire.ServerMessage {
	if c.state == stateAwaitingConnect {
		if msg.Kind != wire.ClientConnect {
			c.state = stateClosing
			return errorMsg(wire.ErrProtocolMismatch, "Connect must be the first message")
		}
		return c.handleConnect(msg)
	}

	if c.hub.ReadOnly() && isMutatingKind(msg.Kind) {
		return errorMsg(wire.ErrInternalError, "daemon is in read-only mode: persistence failed")
	}

	switch msg.Kind {
	case wire.ClientConnect:
		return errorMsg(wire.ErrProtocolMismatch, "already connected")
	case wire.ClientListSessions:
		return c.handleListSessions()
	case wire.ClientCreateSession:
		return c.handleCreateSession(msg)
	case wire.ClientAttachSession:
		return c.handleAttachSession(msg)
	case wire.ClientCreateWindow:
		return c.handleCreateWindow(msg)
	case wire.ClientCreatePane:
		return c.handleCreatePane(msg)
	case wire.ClientInput:
		return c.handleInput(msg)
	case wire.ClientResize:
		return c.handleResize(msg)
	case wire.ClientClosePane:
		return c.handleClosePane(msg)
	case wire.ClientSelectPane:
		return c.handleSelectPane(msg)
	case wire.ClientDetach:
		return c.handleDetach()
	case wire.ClientSync:
		return c.handleSync(msg)
	case wire.ClientPing:
		if c.reg != nil {
			c.reg.RecordPing()
		}
		return &wire.ServerMessage{Kind: wire.ServerPong}
	case wire.ClientSetEnvironment:
		return c.handleSetEnvironment(msg)
	case wire.ClientShowEnvironment:
		return c.handleShowEnvironment(msg)
	case wire.ClientReadPane:
		return c.handleReadPane(msg)
	default:
		return errorMsg(wire.ErrInvalidOperation, "unrecognized message kind")
	}
}

// isMutatingKind reports whether kind changes durable model state, and so
// must be rejected while the daemon is read-only (§4.K).
func isMutatingKind(kind wire.ClientKind) bool {
	switch kind {
	case wire.ClientCreateSession, wire.ClientCreateWindow, wire.ClientCreatePane,
		wire.ClientInput, wire.ClientResize, wire.ClientClosePane,
		wire.ClientSelectPane, wire.ClientSetEnvironment:
		return true
	default:
		return false
	}
}

func (c *Conn) handleConnect(msg *wire.ClientMessage) *wire.ServerMessage {
	if msg.ProtocolVersion != wire.PROTOCOL_VERSION {
		c.state = stateClosing
		return errorMsg(wire.ErrProtocolMismatch, "unsupported protocol version")
	}
	clientID := msg.ClientID
	if clientID == uuid.Nil {
		clientID = uuid.New()
	}
	c.clientID = clientID
	c.reg = c.hub.Clients.Register(clientID)
	c.reg.RecordPing()
	c.state = stateActive

	if msg.LastSeqAcked > 0 {
		c.reg.SetLastSeqAcked(msg.LastSeqAcked)
		c.replayMissed(msg.LastSeqAcked)
	}

	return &wire.ServerMessage{
		Kind:            wire.ServerConnected,
		ServerVersion:   c.hub.ServerVersion,
		ProtocolVersion: wire.PROTOCOL_VERSION,
	}
}

// replayMissed delivers every retained event after lastSeq directly to
// the just-(re)registered client's outbound queue, ahead of the
// ServerConnected reply. A gap (the requested point fell outside the
// retained window) is not an error here: the client still gets
// ServerConnected and recovers full state itself via ListSessions/Sync.
func (c *Conn) replayMissed(lastSeq uint64) {
	events, err := c.hub.Seq.Replay(lastSeq)
	if err != nil {
		c.logger.Info("replay window missed, client must resync", "client_id", c.clientID, "requested_seq", lastSeq)
		return
	}
	for _, ev := range events {
		c.reg.Send(ev.Payload)
	}
}

func (c *Conn) handleListSessions() *wire.ServerMessage {
	sessions := c.hub.Manager.ListSessions()
	infos := make([]wire.SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.ToWire()
	}
	return &wire.ServerMessage{Kind: wire.ServerSessionList, Sessions: infos}
}

func (c *Conn) handleCreateSession(msg *wire.ClientMessage) *wire.ServerMessage {
	s, err := c.hub.Manager.CreateSession(msg.Name)
	if err != nil {
		return errFromErr(err)
	}
	reply := &wire.ServerMessage{Kind: wire.ServerSessionCreated, Session: s.ToWire()}
	c.emit(s.ID, reply)
	return reply
}

func (c *Conn) handleAttachSession(msg *wire.ClientMessage) *wire.ServerMessage {
	s, err := c.hub.Manager.GetSession(msg.SessionID)
	if err != nil {
		return errFromErr(err)
	}
	c.attachedSession = s.ID
	if c.reg != nil {
		c.reg.SetSession(s.ID)
	}
	var panes []wire.PaneInfo
	for _, w := range s.Windows() {
		panes = append(panes, w.PanesWire()...)
	}
	return &wire.ServerMessage{
		Kind:    wire.ServerAttached,
		Session: s.ToWire(),
		Windows: s.WindowsWire(),
		Panes:   panes,
	}
}

func (c *Conn) handleCreateWindow(msg *wire.ClientMessage) *wire.ServerMessage {
	w, err := c.hub.Manager.CreateWindow(msg.SessionID, msg.Name)
	if err != nil {
		return errFromErr(err)
	}
	reply := &wire.ServerMessage{Kind: wire.ServerWindowCreated, Window: w.ToWire()}
	c.emit(w.SessionID, reply)
	return reply
}

func (c *Conn) handleCreatePane(msg *wire.ClientMessage) *wire.ServerMessage {
	cfg := model.PaneConfig{
		Rows:      msg.Rows,
		Cols:      msg.Cols,
		Direction: msg.Direction,
	}
	p, err := c.hub.Manager.CreatePane(msg.WindowID, cfg)
	if err != nil {
		return errFromErr(err)
	}
	if c.hub.SpawnPane != nil {
		if err := c.hub.SpawnPane(p.ID, cfg); err != nil {
			c.hub.Manager.ClosePane(p.ID)
			return errFromErr(ccmuxerr.PTY("spawn pane process", err))
		}
	}
	_, _, s, err := c.hub.Manager.FindPane(p.ID)
	if err != nil {
		return errFromErr(err)
	}
	reply := &wire.ServerMessage{Kind: wire.ServerPaneCreated, Pane: p.ToWire()}
	c.emit(s.ID, reply)
	return reply
}

func (c *Conn) handleInput(msg *wire.ClientMessage) *wire.ServerMessage {
	p, _, _, err := c.hub.Manager.FindPane(msg.PaneID)
	if err != nil {
		return errFromErr(err)
	}
	if p.PTY == nil {
		return errorMsg(wire.ErrInvalidOperation, "pane has no running process")
	}
	if err := p.PTY.Write(msg.Data); err != nil {
		return errFromErr(err)
	}
	return nil
}

func (c *Conn) handleResize(msg *wire.ClientMessage) *wire.ServerMessage {
	if err := c.hub.Manager.Resize(msg.PaneID, msg.Rows, msg.Cols); err != nil {
		return errFromErr(err)
	}
	p, _, s, err := c.hub.Manager.FindPane(msg.PaneID)
	if err != nil {
		return errFromErr(err)
	}
	if p.PTY != nil {
		_ = p.PTY.Resize(p.Rows, p.Cols)
	}
	c.emit(s.ID, &wire.ServerMessage{Kind: wire.ServerPaneResized, PaneID: p.ID, Rows: p.Rows, Cols: p.Cols})
	return nil
}

func (c *Conn) handleClosePane(msg *wire.ClientMessage) *wire.ServerMessage {
	if c.hub.KillPane != nil {
		_ = c.hub.KillPane(msg.PaneID)
	}
	existed, result := c.hub.Manager.ClosePane(msg.PaneID)
	if !existed {
		return &wire.ServerMessage{Kind: wire.ServerPaneClosed, PaneID: msg.PaneID}
	}
	reply := &wire.ServerMessage{Kind: wire.ServerPaneClosed, PaneID: msg.PaneID}
	c.emit(result.SessionID, reply)
	if result.WindowClosed {
		c.emit(result.SessionID, &wire.ServerMessage{Kind: wire.ServerWindowClosed, WindowID: result.WindowID})
	}
	if result.SessionEnded {
		c.emit(result.SessionID, &wire.ServerMessage{Kind: wire.ServerSessionEnded, SessionID: result.SessionID})
	}
	return reply
}

func (c *Conn) handleSelectPane(msg *wire.ClientMessage) *wire.ServerMessage {
	if err := c.hub.Manager.SelectPane(msg.PaneID); err != nil {
		return errFromErr(err)
	}
	return nil
}

func (c *Conn) handleDetach() *wire.ServerMessage {
	c.attachedSession = uuid.Nil
	if c.reg != nil {
		c.reg.SetSession(uuid.Nil)
	}
	return nil
}

func (c *Conn) handleSync(msg *wire.ClientMessage) *wire.ServerMessage {
	s, err := c.hub.Manager.GetSession(msg.SessionID)
	if err != nil {
		return errFromErr(err)
	}
	var panes []wire.PaneInfo
	for _, w := range s.Windows() {
		panes = append(panes, w.PanesWire()...)
	}
	return &wire.ServerMessage{
		Kind:    wire.ServerAttached,
		Session: s.ToWire(),
		Windows: s.WindowsWire(),
		Panes:   panes,
	}
}

func (c *Conn) handleSetEnvironment(msg *wire.ClientMessage) *wire.ServerMessage {
	if err := c.hub.Manager.SetEnvironment(msg.SessionID, msg.EnvKey, msg.EnvValue); err != nil {
		return errFromErr(err)
	}
	c.emit(msg.SessionID, &wire.ServerMessage{
		Kind:      wire.ServerEnvironmentSet,
		SessionID: msg.SessionID,
		EnvKey:    msg.EnvKey,
		EnvValue:  msg.EnvValue,
	})
	return nil
}

func (c *Conn) handleShowEnvironment(msg *wire.ClientMessage) *wire.ServerMessage {
	env, err := c.hub.Manager.Environment(msg.SessionID)
	if err != nil {
		return errFromErr(err)
	}
	return &wire.ServerMessage{Kind: wire.ServerEnvironment, Environment: env}
}

func (c *Conn) handleReadPane(msg *wire.ClientMessage) *wire.ServerMessage {
	p, _, _, err := c.hub.Manager.FindPane(msg.PaneID)
	if err != nil {
		return errFromErr(err)
	}
	const maxReadPaneLines = 1000
	n := msg.Lines
	truncated := false
	if n <= 0 || n > maxReadPaneLines {
		if n > maxReadPaneLines {
			truncated = true
		}
		n = maxReadPaneLines
	}
	lines := p.Scrollback.Lines(n)
	truncated = truncated || len(lines) == maxReadPaneLines && p.Scrollback.Len() > maxReadPaneLines
	data := []byte(joinLines(lines))
	return &wire.ServerMessage{Kind: wire.ServerReadPaneResult, PaneID: p.ID, Data: data, Truncated: truncated}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// emit logs and fans msg out to every other client attached to
// sessionID, folding in any emit error as a warning (a broadcast/log
// failure must not prevent the direct reply already computed for the
// initiator).
func (c *Conn) emit(sessionID uuid.UUID, msg *wire.ServerMessage) {
	if err := c.hub.emit(sessionID, c.clientID, msg); err != nil {
		c.logger.Error("emit broadcast event", "error", err, "kind", msg.Kind)
	}
}

func errorMsg(code wire.ErrorCode, message string) *wire.ServerMessage {
	return &wire.ServerMessage{Kind: wire.ServerError, Code: code, Message: message}
}

func errFromErr(err error) *wire.ServerMessage {
	switch ccmuxerr.KindOf(err) {
	case ccmuxerr.KindSessionNotFound:
		return errorMsg(wire.ErrSessionNotFound, err.Error())
	case ccmuxerr.KindWindowNotFound:
		return errorMsg(wire.ErrWindowNotFound, err.Error())
	case ccmuxerr.KindPaneNotFound:
		return errorMsg(wire.ErrPaneNotFound, err.Error())
	case ccmuxerr.KindInvalidOperation:
		return errorMsg(wire.ErrInvalidOperation, err.Error())
	case ccmuxerr.KindProtocol:
		return errorMsg(wire.ErrProtocolMismatch, err.Error())
	default:
		return errorMsg(wire.ErrInternalError, err.Error())
	}
}
