package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// readEvents parses all JSONL lines from a file into a slice of Events.
func readEvents(t *testing.T, path string) []types.Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []types.Event
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var e types.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestRegistry_Open_WritesRunBegin(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	l := r.Open("run1")
	if l == nil {
		t.Fatal("expected non-nil Log")
	}
	r.Close("run1", "ok")

	events := readEvents(t, filepath.Join(dir, "run1", "events.jsonl"))
	if len(events) == 0 || events[0].Kind != types.EventRunBegin {
		t.Fatalf("expected first event to be run_begin, got %+v", events)
	}
}

func TestRegistry_Open_IsIdempotentForSameRunID(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	a := r.Open("run1")
	b := r.Open("run1")
	if a != b {
		t.Fatal("expected Open to return the same Log for the same run_id")
	}
}

func TestRegistry_Get_ReturnsNilForUnknownRunID(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	if r.Get("missing") != nil {
		t.Fatal("expected nil Log for unknown run_id")
	}
}

func TestRegistry_Close_WritesRunEndAndRemovesFromRegistry(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	r.Open("run1")
	r.Close("run1", "completed")

	if r.Get("run1") != nil {
		t.Fatal("expected run1 to be removed from the registry after Close")
	}

	events := readEvents(t, filepath.Join(dir, "run1", "events.jsonl"))
	last := events[len(events)-1]
	if last.Kind != types.EventRunEnd || last.Detail != "completed" {
		t.Fatalf("expected last event to be run_end with detail, got %+v", last)
	}
}

func TestRegistry_Close_NoopsOnUnknownRunID(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	r.Close("never-opened", "ok") // must not panic
}

func TestLog_NilReceiverMethodsAreNoops(t *testing.T) {
	var l *Log
	l.KnowledgeRetrieved("q1", "detail")
	l.WorkerDispatched("q1", "w1", "detail")
	l.WorkerCompleted("q1", "w1", "detail")
	l.CandidateNormalized("q1", "c1", "detail")
	ok := true
	l.GateTransition("q1", "c1", "static", &ok)
	l.CacheHit("q1", "c1")
	l.CacheMiss("q1", "c1")
	l.Verdict("q1", "c1", "detail") // none of these should panic on a nil *Log
}

func TestLog_WritesAllEventKindsInOrder(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	l := r.Open("run1")

	l.KnowledgeRetrieved("q1", "3 examples matched")
	l.WorkerDispatched("q1", "w1", "structural_alt")
	l.WorkerCompleted("q1", "w1", "ok")
	l.CandidateNormalized("q1", "c1", "dedup group 0")
	passed := true
	l.GateTransition("q1", "c1", "static", &passed)
	l.CacheMiss("q1", "c1")
	l.Verdict("q1", "c1", "WIN")
	r.Close("run1", "ok")

	events := readEvents(t, filepath.Join(dir, "run1", "events.jsonl"))
	wantKinds := []types.EventKind{
		types.EventRunBegin,
		types.EventKnowledgeRetrieved,
		types.EventWorkerDispatched,
		types.EventWorkerCompleted,
		types.EventCandidateNormalized,
		types.EventGateTransition,
		types.EventCacheMiss,
		types.EventVerdict,
		types.EventRunEnd,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantKinds), len(events), events)
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Fatalf("event %d: expected kind %q, got %q", i, want, events[i].Kind)
		}
	}
}
