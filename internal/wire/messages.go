// Package wire defines the ccmux client-server wire protocol: the framed
// envelope (§4.A) and the ClientMessage/ServerMessage tagged union (§6).
//
// Each message is a Go struct tagged with a Kind discriminant; Encode/Decode
// round-trip a message through CBOR (see codec.go for the length-prefixed
// framing around the CBOR payload).
package wire

import "github.com/google/uuid"

// PROTOCOL_VERSION is the wire protocol version negotiated at handshake.
const PROTOCOL_VERSION uint32 = 1

// ClientKind discriminates ClientMessage variants.
type ClientKind uint8

const (
	ClientConnect ClientKind = iota
	ClientListSessions
	ClientCreateSession
	ClientAttachSession
	ClientCreateWindow
	ClientCreatePane
	ClientInput
	ClientResize
	ClientClosePane
	ClientSelectPane
	ClientDetach
	ClientSync
	ClientPing
	ClientSetEnvironment
	ClientShowEnvironment
	ClientReadPane
)

// ServerKind discriminates ServerMessage variants.
type ServerKind uint8

const (
	ServerConnected ServerKind = iota
	ServerSessionList
	ServerSessionCreated
	ServerAttached
	ServerWindowCreated
	ServerPaneCreated
	ServerOutput
	ServerPaneStateChanged
	ServerClaudeStateChanged
	ServerPaneClosed
	ServerWindowClosed
	ServerSessionEnded
	ServerError
	ServerPong
	ServerEnvironment
	ServerReadPaneResult
	ServerPaneResized
	ServerEnvironmentSet
)

// ErrorCode enumerates the protocol-level error codes (§6/§7).
type ErrorCode uint8

const (
	ErrSessionNotFound ErrorCode = iota
	ErrWindowNotFound
	ErrPaneNotFound
	ErrInvalidOperation
	ErrProtocolMismatch
	ErrInternalError
)

// SplitDirection is recorded on CreatePane but not interpreted by the core
// (§9 open question (b) — a layout engine, out of scope here, owns it).
type SplitDirection uint8

const (
	SplitHorizontal SplitDirection = iota
	SplitVertical
)

// PaneStateTag discriminates the Pane.State tagged union.
type PaneStateTag uint8

const (
	PaneNormal PaneStateTag = iota
	PaneAgent
	PaneExited
	PaneStatus
)

// PaneState is the wire representation of a pane's current state.
type PaneState struct {
	Tag      PaneStateTag
	Activity string `cbor:"activity,omitempty"` // set when Tag == PaneAgent
	ExitCode *int   `cbor:"exit_code,omitempty"` // set when Tag == PaneExited
}

// SessionInfo, WindowInfo, PaneInfo are the wire (snapshot) projections of
// the in-memory model types (internal/model), used in list/attach/sync
// responses and broadcasts.
type SessionInfo struct {
	ID            uuid.UUID
	Name          string
	Environment   map[string]string
	ActiveWindow  *uuid.UUID
	CreatedAt     int64
	WindowCount   int
}

type WindowInfo struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	Name          string
	Index         int
	PaneCount     int
	ActivePaneID  *uuid.UUID
}

type PaneInfo struct {
	ID        uuid.UUID
	WindowID  uuid.UUID
	Index     int
	Cols      uint16
	Rows      uint16
	State     PaneState
	Title     string `cbor:"title,omitempty"`
	Cwd       string `cbor:"cwd,omitempty"`
	CreatedAt int64
}

// ClientMessage is the tagged union of all messages a client may send.
//
// Only the fields relevant to Kind are populated; this mirrors the
// original Rust enum's per-variant payload without requiring a Go sum
// type (Go has none).
type ClientMessage struct {
	Kind ClientKind

	// Connect
	ClientID        uuid.UUID
	ProtocolVersion uint32

	// Connect (reconnect): the last sequence number this client
	// previously acknowledged, so the daemon can replay what it missed
	// instead of requiring a full ListSessions/Sync round-trip. 0 means
	// "no prior state", i.e. a first-time connect.
	LastSeqAcked uint64

	// CreateSession / CreateWindow
	Name string

	// AttachSession / CreateWindow / env ops
	SessionID uuid.UUID

	// CreatePane / Input / Resize / ClosePane / SelectPane / ReadPane
	WindowID uuid.UUID
	PaneID   uuid.UUID

	Direction SplitDirection

	Data []byte

	Cols uint16
	Rows uint16

	EnvKey   string
	EnvValue string

	Lines int
}

// ServerMessage is the tagged union of all messages the server may send.
type ServerMessage struct {
	Kind ServerKind

	// Connected
	ServerVersion   string
	ProtocolVersion uint32

	// SessionList
	Sessions []SessionInfo

	// SessionCreated / Attached
	Session SessionInfo
	Windows []WindowInfo
	Panes   []PaneInfo

	// WindowCreated
	Window WindowInfo

	// PaneCreated
	Pane PaneInfo

	// Output / PaneStateChanged / ClaudeStateChanged / PaneClosed / PaneResized
	PaneID   uuid.UUID
	Data     []byte
	State    PaneState
	ExitCode *int

	// PaneResized
	Cols uint16
	Rows uint16

	// WindowClosed
	WindowID uuid.UUID

	// SessionEnded / EnvironmentSet
	SessionID uuid.UUID

	// Error
	Code    ErrorCode
	Message string

	// ShowEnvironment response / EnvironmentSet
	Environment map[string]string
	EnvKey      string `cbor:"env_key,omitempty"`
	EnvValue    string `cbor:"env_value,omitempty"`

	// ReadPane response
	Truncated bool
}
