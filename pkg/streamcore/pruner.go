package streamcore

import (
	"encoding/json"
	"fmt"
	"os"
)

// EventSink receives the pruned replay as raw, already-framed bytes (each
// call is one complete recording line, newline included). The header is
// always sent first, followed by zero or more events, in file order.
type EventSink interface {
	WriteHeader(header map[string]interface{}) error
	WriteRaw(line []byte) error
}

// StoredInfo is the subset of session metadata the Pruner reads and writes
// back through a SessionInfoStore.
type StoredInfo struct {
	LastClearOffset uint64
}

// SessionInfoStore lets the Pruner remember where the last clear was found,
// so a later attach can skip straight past already-discarded history
// instead of rescanning the whole file. Save is only ever called with an
// offset that advances the previously stored one.
type SessionInfoStore interface {
	Load(sessionID string) (*StoredInfo, error)
	Save(sessionID string, info *StoredInfo) error
}

// Prune replays streamPath from startOffset, finds the last clear-bearing
// output event in that range, and writes the header plus every event after
// that clear (the clear event itself is not replayed) to sink. Event timestamps in the replayed backlog are
// zeroed: the subscriber receives backlog instantly rather than at the
// pace it was originally recorded, and only events observed live after
// attach carry real delay semantics. If no clear is found, every event
// from startOffset onward is replayed unchanged (except for timestamps).
//
// If reading the file from startOffset fails, the prune falls back to
// replaying the entire file from byte 0, since a partial, wrongly-pruned
// replay is worse than a slow but complete one. A header that cannot be
// read is skipped and the replay goes on without it.
//
// The returned sawExit reports whether the replayed backlog itself ended
// in an exit event, meaning the recording already finished before this
// attach. The caller must close/signal the subscriber right after Prune
// returns in that case; no live tail event will ever follow.
//
// The returned endOffset is the exact byte position the replay stopped
// at (startOffset plus every complete line consumed). A caller that
// shares a live tail across multiple subscribers can seed or fast-forward
// that tail to endOffset so the range just replayed as backlog is never
// re-delivered live.
func Prune(streamPath string, startOffset int64, sink EventSink, store SessionInfoStore, sessionID string) (sawExit bool, endOffset int64, err error) {
	header, herr := readHeaderLine(streamPath)
	if herr != nil {
		if os.IsNotExist(herr) {
			// The recording doesn't exist yet (attach raced the PTY spawner).
			// Emit nothing; the subscriber will get its header once the
			// writer creates the file and the Registry's watcher notices.
			debugLog("pruner: stream file does not exist yet for %s", streamPath)
			return false, startOffset, nil
		}
		debugLog("pruner: header read failed for %s: %v", streamPath, herr)
		header = nil
	}

	data, clampedOffset, err := readFrom(streamPath, startOffset)
	if err != nil {
		if os.IsNotExist(err) {
			return false, startOffset, nil
		}
		debugLog("pruner: replay read failed for %s, falling back to full replay: %v", streamPath, err)
		return pruneFallback(streamPath, header, sink)
	}

	lines := splitLines(data)
	events := make([]*Event, 0, len(lines))

	var currentResize *Event
	lastClearIndex := -1
	var lastResizeBeforeClear *Event
	lastClearOffset := clampedOffset

	offset := clampedOffset
	for _, line := range lines {
		lineLen := int64(len(line)) + 1
		_, ev, perr := ParseLine(line)
		offset += lineLen
		if perr != nil || ev == nil {
			continue
		}
		events = append(events, ev)
		switch ev.Kind {
		case KindResize:
			currentResize = ev
		case KindOutput:
			if ContainsClear(ev.Data) {
				lastClearIndex = len(events) - 1
				lastResizeBeforeClear = currentResize
				lastClearOffset = offset
			}
		}
	}

	if header != nil {
		outHeader := header
		if lastResizeBeforeClear != nil {
			if w, h, ok := parseResize(lastResizeBeforeClear.Data); ok {
				outHeader = cloneHeader(header)
				outHeader["width"] = w
				outHeader["height"] = h
			}
		}
		if err := sink.WriteHeader(outHeader); err != nil {
			return false, clampedOffset, err
		}
	}

	for _, ev := range events[lastClearIndex+1:] {
		if ev.Kind == KindInput {
			continue
		}
		line, merr := marshalEvent(ev)
		if merr != nil {
			debugLog("pruner: skipping unmarshalable event for %s: %v", streamPath, merr)
			continue
		}
		if err := sink.WriteRaw(line); err != nil {
			return false, offset, err
		}
		if ev.Kind == KindExit {
			sawExit = true
		}
	}

	if lastClearIndex >= 0 && store != nil {
		if existing, lerr := store.Load(sessionID); lerr == nil && existing != nil {
			if uint64(lastClearOffset) > existing.LastClearOffset {
				if serr := store.Save(sessionID, &StoredInfo{LastClearOffset: uint64(lastClearOffset)}); serr != nil {
					debugLog("pruner: failed to persist last clear offset for %s: %v", sessionID, serr)
				}
			}
		}
	}

	return sawExit, offset, nil
}

// pruneFallback replays the whole file from byte 0 with no pruning, used
// when a scoped read from startOffset failed for any reason. The returned
// endOffset, like Prune's, is the byte position just past the last
// complete line consumed.
func pruneFallback(streamPath string, header map[string]interface{}, sink EventSink) (sawExit bool, endOffset int64, err error) {
	data, _, err := readFrom(streamPath, 0)
	if err != nil {
		return false, 0, fmt.Errorf("streamcore: fallback read: %w", err)
	}

	if header != nil {
		if err := sink.WriteHeader(header); err != nil {
			return false, 0, err
		}
	}

	offset := int64(0)
	for _, line := range splitLines(data) {
		offset += int64(len(line)) + 1
		_, ev, perr := ParseLine(line)
		if perr != nil || ev == nil || ev.Kind == KindInput {
			continue
		}
		out, merr := marshalEvent(ev)
		if merr != nil {
			continue
		}
		if err := sink.WriteRaw(out); err != nil {
			return false, offset, err
		}
		if ev.Kind == KindExit {
			sawExit = true
		}
	}
	return sawExit, offset, nil
}

// marshalHeader re-encodes a header map back into a JSON object line.
func marshalHeader(header map[string]interface{}) ([]byte, error) {
	return json.Marshal(header)
}

// marshalLiveEvent encodes a live output/input/resize event with an
// explicit elapsed-seconds timestamp, used by the SSE fan-out to give each
// subscriber a relative timestamp measured from its own attach time rather
// than the recording's original wall clock.
func marshalLiveEvent(elapsedSeconds float64, kind, data string) ([]byte, error) {
	return json.Marshal([]interface{}{elapsedSeconds, kind, data})
}

func cloneHeader(h map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// marshalEvent re-encodes a parsed Event back into its asciinema array
// form, with the timestamp zeroed so replayed backlog plays back instantly.
func marshalEvent(ev *Event) ([]byte, error) {
	if ev.Kind == KindExit {
		return json.Marshal([]interface{}{"exit", ev.ExitCode, ev.SessionID})
	}

	var typ string
	switch ev.Kind {
	case KindOutput:
		typ = "o"
	case KindInput:
		typ = "i"
	case KindResize:
		typ = "r"
	default:
		return nil, fmt.Errorf("streamcore: unknown event kind %d", ev.Kind)
	}
	return json.Marshal([]interface{}{0, typ, ev.Data})
}
