package streamcore

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeSink struct {
	header map[string]interface{}
	lines  [][]byte
}

func (f *fakeSink) WriteHeader(header map[string]interface{}) error {
	f.header = header
	return nil
}

func (f *fakeSink) WriteRaw(line []byte) error {
	f.lines = append(f.lines, append([]byte(nil), line...))
	return nil
}

type fakeStore struct {
	records map[string]*StoredInfo
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*StoredInfo)}
}

func (f *fakeStore) Load(sessionID string) (*StoredInfo, error) {
	return f.records[sessionID], nil
}

func (f *fakeStore) Save(sessionID string, info *StoredInfo) error {
	f.records[sessionID] = info
	return nil
}

func writeRecording(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "stream-out")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPruneNoClearReplaysEverything(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir,
		`{"version":2,"width":80,"height":24}`,
		`[0.1, "o", "hello"]`,
		`[0.2, "o", "world"]`,
	)

	sink := &fakeSink{}
	if _, _, err := Prune(path, 0, sink, nil, "sess1"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if sink.header == nil {
		t.Fatal("header was not written")
	}
	if len(sink.lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(sink.lines))
	}
}

func TestPruneDropsContentBeforeLastClear(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir,
		`{"version":2,"width":80,"height":24}`,
		`[0.1, "o", "stale output"]`,
		`[0.2, "r", "100x50"]`,
		`[0.3, "o", "\u001b[3J"]`,
		`[0.4, "o", "fresh output"]`,
	)

	sink := &fakeSink{}
	store := newFakeStore()
	store.records["sess1"] = &StoredInfo{}

	if _, _, err := Prune(path, 0, sink, store, "sess1"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if sink.header["width"].(int) != 100 || sink.header["height"].(int) != 50 {
		t.Errorf("header dims = %v/%v, want 100/50", sink.header["width"], sink.header["height"])
	}

	if len(sink.lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1 (fresh output only; the clear event itself never appears in the backlog)", len(sink.lines))
	}

	if store.records["sess1"].LastClearOffset == 0 {
		t.Error("LastClearOffset was not persisted")
	}
}

// With several clears in the file, only content after the last one
// survives, and the header picks up the most recent resize that preceded
// that clear, including a resize that sits between two clears.
func TestPruneMultipleClearsUsesResizeBeforeLastClear(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir,
		`{"version":2,"width":80,"height":24}`,
		`[0.1, "o", "first screen"]`,
		`[0.2, "r", "90x20"]`,
		`[0.3, "o", "\u001b[3J"]`,
		`[0.4, "r", "120x40"]`,
		`[0.5, "o", "\u001b[3J"]`,
		`[0.6, "o", "tail"]`,
	)

	sink := &fakeSink{}
	if _, _, err := Prune(path, 0, sink, nil, "sess1"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if sink.header["width"].(int) != 120 || sink.header["height"].(int) != 40 {
		t.Errorf("header dims = %v/%v, want 120/40", sink.header["width"], sink.header["height"])
	}
	if len(sink.lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(sink.lines))
	}
	_, ev, err := ParseLine(sink.lines[0])
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "tail" || ev.Time != 0 {
		t.Errorf("event = %+v, want zero-timestamp output %q", ev, "tail")
	}
}

func TestPruneRespectsStartOffset(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir,
		`{"version":2,"width":80,"height":24}`,
		`[0.1, "o", "before offset"]`,
		`[0.2, "o", "after offset"]`,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := splitLines(data)
	offset := int64(len(lines[0]) + 1 + len(lines[1]) + 1)

	sink := &fakeSink{}
	if _, _, err := Prune(path, offset, sink, nil, "sess1"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if len(sink.lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(sink.lines))
	}
}

func TestPruneToleratesMissingFile(t *testing.T) {
	sink := &fakeSink{}
	_, _, err := Prune(filepath.Join(t.TempDir(), "missing"), 0, sink, nil, "sess1")
	if err != nil {
		t.Fatalf("Prune() error = %v, want nil (missing file is not yet an error)", err)
	}
	if sink.header != nil {
		t.Error("header should not be written when the file does not exist yet")
	}
	if len(sink.lines) != 0 {
		t.Error("no events should be written when the file does not exist yet")
	}
}

func TestPruneSkipsInputEvents(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir,
		`{"version":2,"width":80,"height":24}`,
		`[0.1, "i", "typed"]`,
		`[0.2, "o", "echoed"]`,
	)

	sink := &fakeSink{}
	if _, _, err := Prune(path, 0, sink, nil, "sess1"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(sink.lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1 (input events are never replayed)", len(sink.lines))
	}
}

func TestMarshalEventRoundTrips(t *testing.T) {
	line, err := marshalEvent(&Event{Kind: KindOutput, Data: "hi"})
	if err != nil {
		t.Fatalf("marshalEvent() error = %v", err)
	}
	_, ev, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if ev.Data != "hi" {
		t.Errorf("Data = %q, want %q", ev.Data, "hi")
	}
	if ev.Time != 0 {
		t.Errorf("Time = %v, want 0 (backlog timestamps are zeroed)", ev.Time)
	}
}
