package api

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/vibetunnel/server/pkg/protocol"
	"github.com/vibetunnel/server/pkg/session"
	"github.com/vibetunnel/server/pkg/streamcore"
)

// SSEStreamer streams one session's recording to an http.ResponseWriter: a
// pruned backlog replay followed by live events, delegated entirely to a
// shared streamcore.Registry so every subscriber of a session shares one
// file watcher.
type SSEStreamer struct {
	w        http.ResponseWriter
	r        *http.Request
	session  *session.Session
	flusher  http.Flusher
	registry *streamcore.Registry
}

func NewSSEStreamer(w http.ResponseWriter, r *http.Request, sess *session.Session, registry *streamcore.Registry) *SSEStreamer {
	flusher, _ := w.(http.Flusher)
	return &SSEStreamer{
		w:        w,
		r:        r,
		session:  sess,
		flusher:  flusher,
		registry: registry,
	}
}

func (s *SSEStreamer) Stream() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	if s.flusher != nil {
		s.flusher.Flush()
	}

	debugLog("[DEBUG] SSE: Starting live stream for session %s", s.session.ID[:8])

	sink := &httpSseSink{w: s.w, flusher: s.flusher}
	detach, exited, err := s.registry.Attach(s.session.ID, s.session.StreamOutPath(), sink)
	if err != nil {
		log.Printf("[ERROR] SSE: Failed to attach to session %s: %v", s.session.ID[:8], err)
		s.sendError(fmt.Sprintf("Failed to attach: %v", err))
		return
	}
	defer detach()

	select {
	case <-s.r.Context().Done():
		debugLog("[DEBUG] SSE: Client disconnected from session %s", s.session.ID[:8])
	case <-exited:
		debugLog("[DEBUG] SSE: Stream ended for session %s", s.session.ID[:8])
	}
}

// sendError emits a one-off SSE error frame outside the normal event
// stream, used when attaching to the registry fails outright.
func (s *SSEStreamer) sendError(message string) error {
	payload := fmt.Sprintf(`{"type":"error","message":%q}`, message)
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// httpSseSink adapts an http.ResponseWriter/http.Flusher pair to
// streamcore.SseSink. It is only ever called from the single goroutine the
// Registry runs per subscriber, so it needs no locking of its own.
type httpSseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (h *httpSseSink) WriteEvent(line []byte) error {
	if _, err := fmt.Fprintf(h.w, "data: %s\n\n", line); err != nil {
		return err
	}
	if h.flusher != nil {
		h.flusher.Flush()
	}
	return nil
}

// SessionSnapshot is a point-in-time, non-streaming view of a session's
// pruned backlog, used by clients that want the current screen without
// opening an SSE connection.
type SessionSnapshot struct {
	SessionID string                    `json:"session_id"`
	Header    *protocol.AsciinemaHeader `json:"header"`
	Events    []protocol.AsciinemaEvent `json:"events"`
}

// GetSessionSnapshot replays a session's recording and returns it as a single
// JSON value instead of a stream. When the last clear-bearing output event is
// not the final event, the events are cut to start at that clear event
// (which is kept) and their times are shifted so it sits at 0; otherwise all
// events are returned unchanged. The header is returned as recorded, with no
// dimension rewrite, so the result differs from the backlog a fresh SSE
// attach receives. It uses the wider,
// four-sequence clear detection the original Node implementation shipped
// with rather than streamcore's single-sequence rule, since this snapshot
// path predates the stream core and existing snapshot consumers expect its
// behavior unchanged.
func GetSessionSnapshot(sess *session.Session) (*SessionSnapshot, error) {
	streamPath := sess.StreamOutPath()
	file, err := os.Open(streamPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := protocol.NewStreamReader(file)
	snapshot := &SessionSnapshot{
		SessionID: sess.ID,
		Events:    make([]protocol.AsciinemaEvent, 0),
	}

	lastClearIndex := -1
	eventIndex := 0

	for {
		event, err := reader.Next()
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			break
		}

		switch event.Type {
		case "header":
			snapshot.Header = event.Header
		case "event":
			snapshot.Events = append(snapshot.Events, *event.Event)
			if event.Event.Type == protocol.EventOutput && containsClearScreen(event.Event.Data) {
				lastClearIndex = eventIndex
			}
			eventIndex++
		}
	}

	if lastClearIndex >= 0 && lastClearIndex < len(snapshot.Events)-1 {
		snapshot.Events = snapshot.Events[lastClearIndex:]
		if len(snapshot.Events) > 0 {
			firstTime := snapshot.Events[0].Time
			for i := range snapshot.Events {
				snapshot.Events[i].Time -= firstTime
			}
		}
	}

	return snapshot, nil
}

func containsClearScreen(data string) bool {
	clearSequences := []string{
		"\x1b[H\x1b[2J",
		"\x1b[2J",
		"\x1b[3J",
		"\x1bc",
	}

	for _, seq := range clearSequences {
		if strings.Contains(data, seq) {
			return true
		}
	}

	return false
}
