package streamcore

import (
	"bytes"
	"errors"
	"os"
	"time"
)

// errTruncated is returned by readNew when the file is shorter than the
// offset tailState last read from, meaning it was replaced out from under
// the tail (log rotation, a restarted recording). The caller should treat
// this as a hard stop for the tail, not retry at a clamped offset: replaying
// from 0 would resend events the subscriber already saw.
var errTruncated = errors.New("streamcore: stream file truncated")

// tailState tracks byte-accurate progress through an append-only recording
// file. The Registry keeps one tailState per session, owned by that
// session's watcherInfo and read only under its mutex; every subscriber of
// the session is fed from it.
type tailState struct {
	path      string
	offset    int64
	lastSize  int64
	lastMtime time.Time
	residual  []byte // bytes read but not yet terminated by a newline
}

func newTailState(path string, startOffset int64) *tailState {
	return &tailState{path: path, offset: startOffset, lastSize: startOffset}
}

// readNew reads whatever bytes have been appended since the last call and
// returns complete, newline-terminated lines (newline stripped). Any
// trailing partial line is retained internally and prefixed onto the next
// call's read, so a write event that lands mid-line never loses or splits
// a byte of the eventual complete line.
func (t *tailState) readNew() ([][]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	if size < t.offset {
		return nil, errTruncated
	}

	// Some filesystems coalesce change notifications; skip the cycle unless
	// the file grew or was touched since the last successful read.
	if size == t.lastSize && !info.ModTime().After(t.lastMtime) {
		return nil, nil
	}
	t.lastSize = size
	t.lastMtime = info.ModTime()

	if size == t.offset {
		return nil, nil
	}

	buf := make([]byte, size-t.offset)
	if _, err := f.ReadAt(buf, t.offset); err != nil {
		return nil, err
	}
	t.offset = size

	combined := buf
	if len(t.residual) > 0 {
		combined = append(append([]byte(nil), t.residual...), buf...)
	}

	lines, residual := splitRetainResidual(combined)
	t.residual = residual
	return lines, nil
}

// splitRetainResidual splits data on newlines, returning every complete
// line (newline stripped) and any trailing bytes not yet terminated.
func splitRetainResidual(data []byte) (lines [][]byte, residual []byte) {
	start := 0
	for {
		idx := bytes.IndexByte(data[start:], '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, data[start:start+idx])
		start += idx + 1
	}
	if start < len(data) {
		residual = append([]byte(nil), data[start:]...)
	}
	return lines, residual
}
