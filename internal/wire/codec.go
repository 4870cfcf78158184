package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxFrameSize is the default cap on a single frame's payload
// length (§4.A): "on length overflow (> configurable max, default 16 MiB)
// ... the decoder surfaces a protocol error and the connection is
// terminated."
const DefaultMaxFrameSize = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor decode mode: %v", err))
	}
}

// Codec frames messages over a byte stream as:
//
//	u32 length (little-endian) || opaque payload
//
// The payload is the CBOR encoding of a ClientMessage or ServerMessage.
// Framing is resynchronisable only by connection drop (§4.A) — a decode
// error always terminates the Codec's owning connection.
type Codec struct {
	r          io.Reader
	w          io.Writer
	maxFrame   uint32
}

// NewCodec wraps r/w with the ccmux framing, using the default max frame
// size.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: r, w: w, maxFrame: DefaultMaxFrameSize}
}

// WithMaxFrameSize overrides the max frame size (configuration surface, §6).
func (c *Codec) WithMaxFrameSize(max uint32) *Codec {
	c.maxFrame = max
	return c
}

// WriteClientMessage frames and writes a ClientMessage.
func (c *Codec) WriteClientMessage(msg *ClientMessage) error {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return ccmuxerr.ProtocolWrap("encode client message", err)
	}
	return c.writeFrame(payload)
}

// ReadClientMessage reads and decodes a single framed ClientMessage.
func (c *Codec) ReadClientMessage() (*ClientMessage, error) {
	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var msg ClientMessage
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return nil, ccmuxerr.ProtocolWrap("decode client message", err)
	}
	return &msg, nil
}

// WriteServerMessage frames and writes a ServerMessage.
func (c *Codec) WriteServerMessage(msg *ServerMessage) error {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return ccmuxerr.ProtocolWrap("encode server message", err)
	}
	return c.writeFrame(payload)
}

// ReadServerMessage reads and decodes a single framed ServerMessage.
func (c *Codec) ReadServerMessage() (*ServerMessage, error) {
	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var msg ServerMessage
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return nil, ccmuxerr.ProtocolWrap("decode server message", err)
	}
	return &msg, nil
}

// EncodeServerMessage CBOR-encodes msg without the length-prefixed framing,
// for callers that persist messages directly (internal/wal event payloads)
// rather than sending them over a Codec's stream.
func EncodeServerMessage(msg *ServerMessage) ([]byte, error) {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return nil, ccmuxerr.ProtocolWrap("encode server message", err)
	}
	return payload, nil
}

// DecodeServerMessage is the inverse of EncodeServerMessage.
func DecodeServerMessage(payload []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return nil, ccmuxerr.ProtocolWrap("decode server message", err)
	}
	return &msg, nil
}

// WriteRawServerPayload frames and writes a pre-encoded ServerMessage
// payload (as produced by EncodeServerMessage), letting a caller that
// already has the encoded bytes on hand — e.g. a dispatcher replaying a
// registry queue entry that was also logged to the WAL verbatim — avoid
// a redundant decode/re-encode round trip.
func (c *Codec) WriteRawServerPayload(payload []byte) error {
	return c.writeFrame(payload)
}

func (c *Codec) writeFrame(payload []byte) error {
	if uint32(len(payload)) > c.maxFrame {
		return ccmuxerr.Protocol(fmt.Sprintf("frame too large: %d bytes", len(payload)))
	}
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := c.w.Write(hdr); err != nil {
		return ccmuxerr.ConnectionWrap("write frame header", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return ccmuxerr.ConnectionWrap("write frame payload", err)
	}
	return nil
}

func (c *Codec) readFrame() ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, ccmuxerr.ConnectionWrap("read frame header", err)
	}
	length := binary.LittleEndian.Uint32(hdr)
	if length > c.maxFrame {
		return nil, ccmuxerr.Protocol(fmt.Sprintf("frame too large: %d bytes", length))
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, ccmuxerr.ConnectionWrap("read frame payload", err)
		}
	}
	return payload, nil
}
