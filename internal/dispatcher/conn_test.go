package dispatcher

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/model"
	"github.com/ccmux/ccmux/internal/registry"
	"github.com/ccmux/ccmux/internal/sequencer"
	"github.com/ccmux/ccmux/internal/wire"
)

func newTestHub() *Hub {
	return NewHub(model.NewManager(), sequencer.New(0, 0), registry.New(0, 0), nil, activity.NewOSCDetector(), nil)
}

func connectedConn(t *testing.T, hub *Hub) *Conn {
	t.Helper()
	c := NewConn(hub)
	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientConnect, ProtocolVersion: wire.PROTOCOL_VERSION})
	if reply == nil || reply.Kind != wire.ServerConnected {
		t.Fatalf("expected ServerConnected, got %+v", reply)
	}
	return c
}

func TestHandshakeRequiredBeforeOtherMessages(t *testing.T) {
	hub := newTestHub()
	c := NewConn(hub)
	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientListSessions})
	if reply == nil || reply.Kind != wire.ServerError || reply.Code != wire.ErrProtocolMismatch {
		t.Fatalf("expected protocol mismatch error, got %+v", reply)
	}
	if c.state != stateClosing {
		t.Errorf("expected connection to move to closing, got state %v", c.state)
	}
}

func TestConnectRejectsWrongProtocolVersion(t *testing.T) {
	hub := newTestHub()
	c := NewConn(hub)
	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientConnect, ProtocolVersion: 99})
	if reply == nil || reply.Kind != wire.ServerError || reply.Code != wire.ErrProtocolMismatch {
		t.Fatalf("expected protocol mismatch error, got %+v", reply)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	hub := newTestHub()
	c := connectedConn(t, hub)
	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientListSessions})
	if reply.Kind != wire.ServerSessionList || len(reply.Sessions) != 0 {
		t.Fatalf("expected empty session list, got %+v", reply)
	}
}

func TestCreateSessionRejectsDuplicateName(t *testing.T) {
	hub := newTestHub()
	c := connectedConn(t, hub)
	c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	if reply.Kind != wire.ServerError || reply.Code != wire.ErrInvalidOperation {
		t.Fatalf("expected invalid operation error on duplicate name, got %+v", reply)
	}
}

func TestCreateWindowBroadcastsToOtherAttachedClientButNotInitiator(t *testing.T) {
	hub := newTestHub()
	c1 := connectedConn(t, hub)
	c2 := connectedConn(t, hub)

	created := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	sessionID := created.Session.ID

	c2.HandleMessage(&wire.ClientMessage{Kind: wire.ClientAttachSession, SessionID: sessionID})

	reply := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateWindow, SessionID: sessionID, Name: "editor"})
	if reply.Kind != wire.ServerWindowCreated {
		t.Fatalf("expected WindowCreated reply, got %+v", reply)
	}

	select {
	case payload := <-c2.Outbound():
		msg, err := wire.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if msg.Kind != wire.ServerWindowCreated || msg.Window.Name != "editor" {
			t.Fatalf("unexpected broadcast: %+v", msg)
		}
	default:
		t.Fatal("expected c2 to receive the window-created broadcast")
	}

	select {
	case payload := <-c1.Outbound():
		t.Fatalf("initiator should not receive its own broadcast, got %v", payload)
	default:
	}
}

func TestInputOnPaneWithoutPTYReturnsError(t *testing.T) {
	hub := newTestHub()
	c := connectedConn(t, hub)
	created := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	win := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateWindow, SessionID: created.Session.ID})
	pane := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreatePane, WindowID: win.Window.ID, Rows: 24, Cols: 80})

	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientInput, PaneID: pane.Pane.ID, Data: []byte("ls\n")})
	if reply == nil || reply.Kind != wire.ServerError || reply.Code != wire.ErrInvalidOperation {
		t.Fatalf("expected invalid operation error, got %+v", reply)
	}
}

func TestClosePaneCascadeEmitsWindowAndSessionClosedEvents(t *testing.T) {
	hub := newTestHub()
	c1 := connectedConn(t, hub)
	c2 := connectedConn(t, hub)

	created := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	c2.HandleMessage(&wire.ClientMessage{Kind: wire.ClientAttachSession, SessionID: created.Session.ID})

	win := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateWindow, SessionID: created.Session.ID})
	pane := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreatePane, WindowID: win.Window.ID, Rows: 24, Cols: 80})

	// Drain c2's queue of the window/pane-created broadcasts it already saw.
	drainAll(c2.Outbound())

	reply := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientClosePane, PaneID: pane.Pane.ID})
	if reply.Kind != wire.ServerPaneClosed {
		t.Fatalf("expected PaneClosed reply, got %+v", reply)
	}

	var kinds []wire.ServerKind
	for _, payload := range drainAll(c2.Outbound()) {
		msg, err := wire.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		kinds = append(kinds, msg.Kind)
	}
	want := []wire.ServerKind{wire.ServerPaneClosed, wire.ServerWindowClosed, wire.ServerSessionEnded}
	if len(kinds) != len(want) {
		t.Fatalf("got kinds %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestDetachClearsSessionAttachment(t *testing.T) {
	hub := newTestHub()
	c := connectedConn(t, hub)
	created := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientAttachSession, SessionID: created.Session.ID})
	if c.attachedSession != created.Session.ID {
		t.Fatal("expected attachment to be recorded")
	}
	c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientDetach})
	if c.attachedSession != uuid.Nil {
		t.Error("expected attachment to be cleared after Detach")
	}
}

func TestResizeBroadcastsPaneResized(t *testing.T) {
	hub := newTestHub()
	c1 := connectedConn(t, hub)
	c2 := connectedConn(t, hub)

	created := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	c2.HandleMessage(&wire.ClientMessage{Kind: wire.ClientAttachSession, SessionID: created.Session.ID})
	win := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateWindow, SessionID: created.Session.ID})
	pane := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreatePane, WindowID: win.Window.ID, Rows: 24, Cols: 80})

	drainAll(c2.Outbound())

	reply := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientResize, PaneID: pane.Pane.ID, Rows: 40, Cols: 120})
	if reply != nil {
		t.Fatalf("expected no direct reply, got %+v", reply)
	}

	select {
	case payload := <-c2.Outbound():
		msg, err := wire.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if msg.Kind != wire.ServerPaneResized || msg.Rows != 40 || msg.Cols != 120 {
			t.Fatalf("unexpected broadcast: %+v", msg)
		}
	default:
		t.Fatal("expected c2 to receive the pane-resized broadcast")
	}
}

func TestSetEnvironmentBroadcastsEnvironmentSet(t *testing.T) {
	hub := newTestHub()
	c1 := connectedConn(t, hub)
	c2 := connectedConn(t, hub)

	created := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	c2.HandleMessage(&wire.ClientMessage{Kind: wire.ClientAttachSession, SessionID: created.Session.ID})

	reply := c1.HandleMessage(&wire.ClientMessage{
		Kind:      wire.ClientSetEnvironment,
		SessionID: created.Session.ID,
		EnvKey:    "FOO",
		EnvValue:  "bar",
	})
	if reply != nil {
		t.Fatalf("expected no direct reply, got %+v", reply)
	}

	select {
	case payload := <-c2.Outbound():
		msg, err := wire.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if msg.Kind != wire.ServerEnvironmentSet || msg.EnvKey != "FOO" || msg.EnvValue != "bar" {
			t.Fatalf("unexpected broadcast: %+v", msg)
		}
	default:
		t.Fatal("expected c2 to receive the environment-set broadcast")
	}
}

func TestErrFromErrDistinguishesNotFoundKinds(t *testing.T) {
	hub := newTestHub()
	c := connectedConn(t, hub)

	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientAttachSession, SessionID: uuid.New()})
	if reply.Code != wire.ErrSessionNotFound {
		t.Errorf("AttachSession on unknown session: code = %v, want ErrSessionNotFound", reply.Code)
	}

	reply = c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateWindow, SessionID: uuid.New()})
	if reply.Code != wire.ErrSessionNotFound {
		t.Errorf("CreateWindow on unknown session: code = %v, want ErrSessionNotFound", reply.Code)
	}

	reply = c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreatePane, WindowID: uuid.New()})
	if reply.Code != wire.ErrWindowNotFound {
		t.Errorf("CreatePane on unknown window: code = %v, want ErrWindowNotFound", reply.Code)
	}

	reply = c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientInput, PaneID: uuid.New()})
	if reply.Code != wire.ErrPaneNotFound {
		t.Errorf("Input on unknown pane: code = %v, want ErrPaneNotFound", reply.Code)
	}
}

func TestReadOnlyModeRejectsMutatingCommands(t *testing.T) {
	hub := newTestHub()
	c := connectedConn(t, hub)

	hub.SetReadOnly()

	reply := c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})
	if reply == nil || reply.Kind != wire.ServerError || reply.Code != wire.ErrInternalError {
		t.Fatalf("expected InternalError while read-only, got %+v", reply)
	}

	// Non-mutating commands still work.
	reply = c.HandleMessage(&wire.ClientMessage{Kind: wire.ClientListSessions})
	if reply.Kind != wire.ServerSessionList {
		t.Fatalf("expected ListSessions to still succeed while read-only, got %+v", reply)
	}
}

func TestReconnectWithLastSeqAckedReplaysMissedEvents(t *testing.T) {
	hub := newTestHub()
	c1 := connectedConn(t, hub)
	created := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"})

	beforeSeq := hub.Seq.Current()

	win := c1.HandleMessage(&wire.ClientMessage{Kind: wire.ClientCreateWindow, SessionID: created.Session.ID, Name: "editor"})
	if win.Kind != wire.ServerWindowCreated {
		t.Fatalf("expected WindowCreated, got %+v", win)
	}

	c2 := NewConn(hub)
	reply := c2.HandleMessage(&wire.ClientMessage{
		Kind:            wire.ClientConnect,
		ProtocolVersion: wire.PROTOCOL_VERSION,
		LastSeqAcked:    beforeSeq,
	})
	if reply == nil || reply.Kind != wire.ServerConnected {
		t.Fatalf("expected ServerConnected, got %+v", reply)
	}

	select {
	case payload := <-c2.Outbound():
		msg, err := wire.DecodeServerMessage(payload)
		if err != nil {
			t.Fatalf("decode replayed event: %v", err)
		}
		if msg.Kind != wire.ServerWindowCreated || msg.Window.Name != "editor" {
			t.Fatalf("unexpected replayed event: %+v", msg)
		}
	default:
		t.Fatal("expected the missed WindowCreated event to be replayed on reconnect")
	}
}

func drainAll(ch <-chan []byte) [][]byte {
	var out [][]byte
	for {
		select {
		case payload := <-ch:
			out = append(out, payload)
		default:
			return out
		}
	}
}
