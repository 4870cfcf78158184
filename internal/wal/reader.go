package wal

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/ccmux/ccmux/internal/ccmuxerr"
)

// ReadAll replays every valid record across all segments in dir, in
// segment then on-disk order, invoking fn for each. It stops at the
// first corrupt or torn record in any segment — by construction that
// can only be in the last segment written before a crash, since earlier
// segments are only removed once wholly superseded by a checkpoint
// (TruncateBefore), never rewritten.
func ReadAll(dir string, fn func(Record) error) error {
	segments, err := ListSegments(dir)
	if err != nil {
		return err
	}
	for _, idx := range segments {
		if err := readSegment(SegmentPath(dir, idx), fn); err != nil {
			if err == errTornRecord {
				return nil
			}
			return err
		}
	}
	return nil
}

// errTornRecord tells ReadAll that a segment ended in a corrupt or torn
// record, so no later segment is read.
var errTornRecord = errors.New("wal: torn or corrupt record")

func readSegment(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ccmuxerr.Persistence("open wal segment for replay", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := decodeRecord(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF || err == ErrCorrupt {
				return errTornRecord
			}
			return ccmuxerr.Persistence("decode wal record", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
