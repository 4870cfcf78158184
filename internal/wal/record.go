// Package wal implements the write-ahead log: an append-only, segmented
// record stream that durably captures every broadcast state change (logged
// right after it is applied in memory), so the daemon can recover after a
// crash (§4.K).
//
// Record format on disk:
//
//	u32 length (payload only, little-endian)
//	u64 seq
//	u8  kind
//	payload (length bytes)
//	u32 crc32 (over seq || kind || payload)
//
// A record that fails its CRC, or whose declared length runs past the
// end of the segment file, marks the end of the valid log: everything at
// or after that point is treated as a torn write left by a crash and is
// not replayed.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Kind discriminates what a WAL record's payload represents. The log
// itself is agnostic to payload contents; kinds exist so a reader can
// distinguish a sequenced model-mutation event from a checkpoint marker
// without decoding the payload first.
type Kind uint8

const (
	// KindEvent is a sequenced event payload (an encoded wire.ServerMessage
	// or equivalent internal mutation record).
	KindEvent Kind = iota
	// KindCheckpointMarker records that a checkpoint was taken up to a
	// given seq, letting recovery skip replaying anything at or before it
	// once the checkpoint itself has been loaded.
	KindCheckpointMarker
)

const recordHeaderLen = 4 + 8 + 1 // length + seq + kind
const recordTrailerLen = 4        // crc32

// maxRecordPayload bounds a single record's payload. A declared length
// above this is treated as a torn/corrupt write rather than attempted,
// since no legitimate record (a single sequenced model event) approaches
// this size.
const maxRecordPayload = 64 << 20

// encodeRecord writes one record to w and returns the number of bytes
// written.
func encodeRecord(w io.Writer, seq uint64, kind Kind, payload []byte) (int, error) {
	body := make([]byte, 8+1+len(payload))
	binary.LittleEndian.PutUint64(body[0:8], seq)
	body[8] = byte(kind)
	copy(body[9:], payload)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))

	crc := crc32.ChecksumIEEE(body)
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)

	n := 0
	for _, chunk := range [][]byte{hdr[:], body, trailer[:]} {
		m, err := w.Write(chunk)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// recordSize returns the on-disk size of a record with the given
// payload length.
func recordSize(payloadLen int) int64 {
	return int64(4 + 8 + 1 + payloadLen + 4)
}

// Record is a decoded WAL entry.
type Record struct {
	Seq     uint64
	Kind    Kind
	Payload []byte
}

// ErrCorrupt is returned by decodeRecord when a record's CRC does not
// match, signalling the end of the valid log.
var ErrCorrupt = errCorrupt{}

type errCorrupt struct{}

func (errCorrupt) Error() string { return "wal: corrupt record (crc mismatch)" }

// decodeRecord reads one record from r. io.EOF (possibly io.ErrUnexpectedEOF
// for a torn write) signals a clean or torn end of segment; ErrCorrupt
// signals a CRC mismatch on an otherwise complete record.
func decodeRecord(r io.Reader) (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[:])
	if payloadLen > maxRecordPayload {
		return Record{}, ErrCorrupt
	}

	body := make([]byte, 8+1+payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, err
	}

	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return Record{}, err
	}

	wantCRC := binary.LittleEndian.Uint32(trailer[:])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return Record{}, ErrCorrupt
	}

	seq := binary.LittleEndian.Uint64(body[0:8])
	kind := Kind(body[8])
	payload := body[9:]
	return Record{Seq: seq, Kind: kind, Payload: payload}, nil
}
