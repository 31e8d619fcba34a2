package streamcore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// subscriberBacklog bounds how far a subscriber can fall behind the live
// tail before events are dropped for it. A slow HTTP client must never
// stall delivery to the rest of a session's subscribers.
const subscriberBacklog = 256

// SseSink is the transport-facing half of a Subscriber: something that can
// accept one recording line at a time, without a trailing newline. pkg/api
// adapts an http.ResponseWriter/http.Flusher pair to this interface; tests
// can use an in-memory one.
type SseSink interface {
	WriteEvent(line []byte) error
}

// liveEvent is what the tail side of the Registry hands to a subscriber's
// forwarding goroutine: either a pre-framed line to relay verbatim (an exit
// sentinel, which carries its own literal timestamp-free shape), or a kind
// and payload to be marshalled with a per-subscriber relative timestamp at
// the moment it is actually written to the sink.
type liveEvent struct {
	raw        []byte // non-nil: forward verbatim, ignore kind/data
	closeAfter bool   // true for the exit sentinel: close the sink after writing
	kind       string // "o", "i", or "r" when raw is nil
	data       string
}

// Subscriber represents one attached consumer of a session's live stream.
type Subscriber struct {
	id        string
	sessionID string
	sink      SseSink
	startTime time.Time
	events    chan liveEvent
	done      chan struct{}
	doneOnce  sync.Once
	exited    chan struct{}
}

// closeDone closes sub.done exactly once. detach and Shutdown can both race
// to tear down the same subscriber (a client disconnect landing alongside
// process shutdown); without this guard the second close panics.
func (sub *Subscriber) closeDone() {
	sub.doneOnce.Do(func() {
		close(sub.done)
	})
}

// sinkCloser is an optional capability a SseSink may implement so the
// Registry can end the stream itself after forwarding an exit event.
type sinkCloser interface {
	Close() error
}

// watcherInfo is the single fsnotify watcher and tail state shared by every
// subscriber of one session, regardless of how many are attached.
type watcherInfo struct {
	sessionID   string
	streamPath  string
	watcher     *fsnotify.Watcher
	tail        *tailState
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	stopChan    chan struct{}
	stoppedChan chan struct{}

	// watchingDir is true when streamPath did not exist at attach time, so
	// the watcher is rooted at the session directory instead: fsnotify
	// cannot watch a path that doesn't exist yet. watchLoop switches the
	// watch to the file itself once it sees the matching create event.
	watchingDir bool
}

// Registry owns one watcherInfo per session with an active subscriber and
// fans out each session's live events to every attached Subscriber. It is
// the sole point of contact between pkg/api's SSE handlers and the
// recording files on disk.
type Registry struct {
	store SessionInfoStore

	mu       sync.Mutex
	sessions map[string]*watcherInfo
	nextID   uint64
	closed   bool
}

// NewRegistry returns a Registry whose Pruner passes remember clear offsets
// through store.
func NewRegistry(store SessionInfoStore) *Registry {
	return &Registry{
		store:    store,
		sessions: make(map[string]*watcherInfo),
	}
}

// Attach prunes the session's backlog to sink and then begins forwarding
// live events as they are written. The returned detach function must be
// called exactly once, when the subscriber disconnects; it tears down the
// session's watcher once the last subscriber has detached. The returned
// exited channel closes if the Core itself ends the stream (an exit event
// was delivered); the caller should treat that the same as a client
// disconnect and still call detach.
func (r *Registry) Attach(sessionID, streamPath string, sink SseSink) (detach func(), exited <-chan struct{}, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("streamcore: registry is shut down")
	}
	existingWI, hasExisting := r.sessions[sessionID]
	r.mu.Unlock()

	startOffset := int64(0)
	if stored, lerr := r.store.Load(sessionID); lerr == nil && stored != nil {
		startOffset = int64(stored.LastClearOffset)
	}

	sub := &Subscriber{
		id:        fmt.Sprintf("sub-%d", atomic.AddUint64(&r.nextID, 1)),
		sessionID: sessionID,
		sink:      sink,
		startTime: time.Now(),
		events:    make(chan liveEvent, subscriberBacklog),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	var wi *watcherInfo
	var sawExit bool

	if hasExisting {
		// Replay this subscriber's backlog and register it with the
		// session's existing watcher under the same lock the watcher's own
		// live drain uses. Without this, Prune can read up to an EOF the
		// shared tail hasn't caught up to yet, and the next live drain
		// would re-broadcast that same byte range to this subscriber,
		// delivering it twice.
		existingWI.mu.Lock()
		if truncated := r.drainTailLocked(existingWI); truncated {
			sawExit = true
		} else {
			var endOffset int64
			sawExit, endOffset, err = Prune(streamPath, startOffset, &sinkEventWriter{sink: sink}, r.store, sessionID)
			if err != nil {
				existingWI.mu.Unlock()
				return nil, nil, err
			}
			if endOffset > existingWI.tail.offset {
				existingWI.tail.offset = endOffset
				existingWI.tail.residual = nil
			}
			if !sawExit {
				existingWI.subscribers[sub.id] = sub
			}
		}
		existingWI.mu.Unlock()
		wi = existingWI
	} else {
		var endOffset int64
		sawExit, endOffset, err = Prune(streamPath, startOffset, &sinkEventWriter{sink: sink}, r.store, sessionID)
		if err != nil {
			return nil, nil, err
		}
		if !sawExit {
			wi, err = r.createWatcher(sessionID, streamPath, endOffset)
			if err != nil {
				return nil, nil, err
			}
			wi.mu.Lock()
			wi.subscribers[sub.id] = sub
			wi.mu.Unlock()
		}
	}

	if sawExit {
		// The recording already ended before this attach: the backlog
		// replay just flushed the exit sentinel, and no live tail event will
		// ever follow it. Close the sink and signal completion immediately
		// instead of standing up a watcher that will never see anything.
		if closer, ok := sink.(sinkCloser); ok {
			if cerr := closer.Close(); cerr != nil {
				debugLog("streamcore: sink close failed for already-exited session %s: %v", sessionID, cerr)
			}
		}
		alreadyExited := make(chan struct{})
		close(alreadyExited)
		return func() {}, alreadyExited, nil
	}

	go r.runSubscriber(sub)

	detach = func() {
		r.detach(sessionID, sub)
	}
	return detach, sub.exited, nil
}

// createWatcher starts a new fsnotify watch and tail for a session with no
// currently-attached subscriber. startOffset seeds the shared tail at the
// exact byte position the caller's own Prune call already replayed through,
// so the first live event broadcast is guaranteed to start strictly after
// the backlog the first subscriber just received.
func (r *Registry) createWatcher(sessionID, streamPath string, startOffset int64) (*watcherInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wi, ok := r.sessions[sessionID]; ok {
		return wi, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("streamcore: create watcher: %w", err)
	}

	_, statErr := os.Stat(streamPath)
	startSize := startOffset
	watchingDir := false

	if statErr == nil {
		if err := watcher.Add(streamPath); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("streamcore: watch %s: %w", streamPath, err)
		}
	} else {
		// The recording file doesn't exist yet (attach raced the PTY
		// spawner): watch the session directory instead and pick up the
		// file once it's created.
		debugLog("streamcore: stream file %s missing at attach, watching directory", streamPath)
		if err := watcher.Add(filepath.Dir(streamPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("streamcore: watch dir for %s: %w", streamPath, err)
		}
		startSize = 0
		watchingDir = true
	}

	wi := &watcherInfo{
		sessionID:   sessionID,
		streamPath:  streamPath,
		watcher:     watcher,
		tail:        newTailState(streamPath, startSize),
		subscribers: make(map[string]*Subscriber),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
		watchingDir: watchingDir,
	}
	r.sessions[sessionID] = wi

	go r.watchLoop(wi)

	return wi, nil
}

// detach removes a subscriber from its session's watcher, tearing the
// watcher down entirely once no subscribers remain.
func (r *Registry) detach(sessionID string, sub *Subscriber) {
	r.mu.Lock()
	wi, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		sub.closeDone()
		return
	}

	wi.mu.Lock()
	delete(wi.subscribers, sub.id)
	remaining := len(wi.subscribers)
	wi.mu.Unlock()
	sub.closeDone()

	if remaining > 0 {
		r.mu.Unlock()
		return
	}

	delete(r.sessions, sessionID)
	r.mu.Unlock()

	close(wi.stopChan)
	<-wi.stoppedChan
	wi.watcher.Close()
}

// watchLoop is the single fsnotify consumer for a session; it reads
// newly-appended lines and fans them out to every current subscriber. When
// the watch started on the session directory (because the recording file
// didn't exist yet), it swaps the watch onto the file itself as soon as the
// file is created.
func (r *Registry) watchLoop(wi *watcherInfo) {
	defer close(wi.stoppedChan)

	for {
		select {
		case <-wi.stopChan:
			return

		case event, ok := <-wi.watcher.Events:
			if !ok {
				return
			}

			if wi.watchingDir {
				if filepath.Clean(event.Name) != wi.streamPath {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := wi.watcher.Add(wi.streamPath); err != nil {
					debugLog("streamcore: failed to switch watch to %s: %v", wi.streamPath, err)
					continue
				}
				wi.watcher.Remove(filepath.Dir(wi.streamPath))
				wi.watchingDir = false
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				wi.mu.Lock()
				truncated := r.drainTailLocked(wi)
				wi.mu.Unlock()
				if truncated {
					return
				}
			}

		case werr, ok := <-wi.watcher.Errors:
			if !ok {
				return
			}
			debugLog("streamcore: watcher error for session %s: %v", wi.sessionID, werr)
		}
	}
}

// drainTailLocked reads and broadcasts newly appended lines. The caller
// must already hold wi.mu: Attach also calls this directly (prior to
// registering a new subscriber) to flush anything pending on the shared
// tail before replaying that subscriber's backlog, so the two can never
// race to deliver the same byte range. It
// returns true if the recording file was truncated out from under the
// tail, in which case it synthesizes an exit event for every subscriber
// and the caller must stop the watch loop: replaying from byte 0 would
// resend events subscribers already saw. When the tail reads from byte 0
// (the file was missing or empty when the subscribers attached, so none of
// them got a header), a header on the first line is forwarded verbatim.
func (r *Registry) drainTailLocked(wi *watcherInfo) bool {
	fromStart := wi.tail.offset == int64(len(wi.tail.residual))
	lines, err := wi.tail.readNew()
	if err != nil {
		if err == errTruncated {
			debugLog("streamcore: stream truncated for session %s, ending tail", wi.sessionID)
			if exitLine, merr := marshalEvent(&Event{Kind: KindExit, ExitCode: -1, SessionID: wi.sessionID}); merr == nil {
				r.broadcastLocked(wi, exitLine)
			}
			return true
		}
		debugLog("streamcore: tail read failed for session %s: %v", wi.sessionID, err)
		return false
	}
	for i, line := range lines {
		if i == 0 && fromStart {
			if header, _, perr := ParseLine(line); perr == nil && header != nil {
				item := liveEvent{raw: append([]byte(nil), line...)}
				for _, sub := range wi.subscribers {
					select {
					case sub.events <- item:
					case <-sub.done:
					default:
					}
				}
				continue
			}
		}
		r.broadcastLocked(wi, line)
	}
	return false
}

// broadcastLocked classifies one newly-tailed recording line and hands it
// to every current subscriber's forwarding goroutine. The caller must
// already hold wi.mu. Header lines are dropped (subscribers already got
// theirs at attach); exit events are relayed verbatim and end the
// subscriber; everything else is resolved to a kind/payload pair so each
// subscriber's goroutine can stamp it with its own relative timestamp at
// the moment it actually writes to the sink.
func (r *Registry) broadcastLocked(wi *watcherInfo, line []byte) {
	item := classifyLiveLine(line)
	if item == nil {
		return
	}

	for _, sub := range wi.subscribers {
		select {
		case sub.events <- *item:
		case <-sub.done:
		default:
			debugLog("streamcore: dropping event for slow subscriber %s on session %s", sub.id, sub.sessionID)
		}
	}
}

// classifyLiveLine turns one raw recording line into a liveEvent, or nil if
// the line is a header (dropped: subscribers already received one at
// attach). A line that fails to parse as either a header or an event is
// forwarded as a synthetic output event carrying the raw text, so a writer
// that ever emits non-JSON text is not silently swallowed.
func classifyLiveLine(line []byte) *liveEvent {
	header, ev, err := ParseLine(line)
	if err != nil || (header == nil && ev == nil) {
		return &liveEvent{kind: "o", data: string(line)}
	}
	if header != nil {
		return nil
	}

	if ev.Kind == KindExit {
		raw := append([]byte(nil), line...)
		return &liveEvent{raw: raw, closeAfter: true}
	}

	var kind string
	switch ev.Kind {
	case KindOutput:
		kind = "o"
	case KindInput:
		kind = "i"
	case KindResize:
		kind = "r"
	}
	return &liveEvent{kind: kind, data: ev.Data}
}

// runSubscriber forwards one subscriber's event channel to its sink until
// the subscriber detaches, the sink reports a write failure, or an exit
// event ends the stream.
func (r *Registry) runSubscriber(sub *Subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case item := <-sub.events:
			line := item.raw
			if line == nil {
				elapsed := time.Since(sub.startTime).Seconds()
				marshalled, merr := marshalLiveEvent(elapsed, item.kind, item.data)
				if merr != nil {
					debugLog("streamcore: failed to marshal live event for subscriber %s: %v", sub.id, merr)
					continue
				}
				line = marshalled
			}

			if err := sub.sink.WriteEvent(line); err != nil {
				debugLog("streamcore: sink write failed for subscriber %s: %v", sub.id, err)
				return
			}

			if item.closeAfter {
				if closer, ok := sub.sink.(sinkCloser); ok {
					if cerr := closer.Close(); cerr != nil {
						debugLog("streamcore: sink close failed for subscriber %s: %v", sub.id, cerr)
					}
				}
				close(sub.exited)
				return
			}
		}
	}
}

// sinkEventWriter adapts an SseSink to the EventSink interface the Pruner
// replays backlog through, framing header and event lines identically.
type sinkEventWriter struct {
	sink SseSink
}

func (w *sinkEventWriter) WriteHeader(header map[string]interface{}) error {
	line, err := marshalHeader(header)
	if err != nil {
		return err
	}
	return w.sink.WriteEvent(line)
}

func (w *sinkEventWriter) WriteRaw(line []byte) error {
	return w.sink.WriteEvent(line)
}
