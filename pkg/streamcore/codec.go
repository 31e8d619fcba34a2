package streamcore

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Kind classifies a parsed recording event.
type Kind int

const (
	KindOutput Kind = iota
	KindInput
	KindResize
	KindExit
)

// Event is one parsed line of a recording file, excluding the header.
// Exit does not fit the [time, type, data] shape the other kinds share, so
// it carries its own fields instead of reusing Data/Time.
type Event struct {
	Kind Kind
	Time float64
	Data string // output/input payload, or "COLSxROWS" for resize

	ExitCode  int
	SessionID string
}

var (
	errEmptyLine         = errors.New("streamcore: empty line")
	errNotHeader         = errors.New("streamcore: object line is not a header")
	errShortEvent        = errors.New("streamcore: event array too short")
	errInvalidTimestamp  = errors.New("streamcore: invalid event timestamp")
	errInvalidEventType  = errors.New("streamcore: invalid event type")
	errInvalidEventData  = errors.New("streamcore: invalid event data")
	errUnknownEventType  = errors.New("streamcore: unrecognized event type")
	errInvalidExitFields = errors.New("streamcore: invalid exit event fields")
)

// ParseLine classifies one line of a recording file per the asciinema v2
// convention: an object with version/width/height is a header, an array of
// length >= 3 is an event (output/input/resize, or the ["exit", code, id]
// sentinel). Exactly one of header/event is non-nil on success; on failure
// both are nil and err describes why the line was rejected. Callers treat
// every error as non-fatal: log at debug and skip the line.
func ParseLine(line []byte) (header map[string]interface{}, event *Event, err error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil, errEmptyLine
	}

	if trimmed[0] == '{' {
		var h map[string]interface{}
		if jerr := json.Unmarshal(trimmed, &h); jerr != nil {
			return nil, nil, jerr
		}
		if !isHeader(h) {
			return nil, nil, errNotHeader
		}
		return h, nil, nil
	}

	var arr []interface{}
	if jerr := json.Unmarshal(trimmed, &arr); jerr != nil {
		return nil, nil, jerr
	}
	if len(arr) < 3 {
		return nil, nil, errShortEvent
	}

	if sentinel, ok := arr[0].(string); ok && sentinel == "exit" {
		code, codeOK := arr[1].(float64)
		sessionID, idOK := arr[2].(string)
		if !codeOK || !idOK {
			return nil, nil, errInvalidExitFields
		}
		return nil, &Event{Kind: KindExit, ExitCode: int(code), SessionID: sessionID}, nil
	}

	t, ok := arr[0].(float64)
	if !ok {
		return nil, nil, errInvalidTimestamp
	}
	typ, ok := arr[1].(string)
	if !ok {
		return nil, nil, errInvalidEventType
	}
	data, ok := arr[2].(string)
	if !ok {
		return nil, nil, errInvalidEventData
	}

	var kind Kind
	switch typ {
	case "o":
		kind = KindOutput
	case "i":
		kind = KindInput
	case "r":
		kind = KindResize
	default:
		return nil, nil, errUnknownEventType
	}

	return nil, &Event{Kind: kind, Time: t, Data: data}, nil
}

func isHeader(m map[string]interface{}) bool {
	_, hasVersion := m["version"]
	_, hasWidth := m["width"]
	_, hasHeight := m["height"]
	return hasVersion && hasWidth && hasHeight
}

// parseResize decodes a resize event's "COLSxROWS" payload.
func parseResize(data string) (width, height int, ok bool) {
	parts := strings.SplitN(data, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, werr := strconv.Atoi(parts[0])
	h, herr := strconv.Atoi(parts[1])
	if werr != nil || herr != nil {
		return 0, 0, false
	}
	return w, h, true
}
