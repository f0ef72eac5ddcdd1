// Package eventlog writes the per-run JSONL event stream: knowledge
// retrieval, worker dispatch/completion, candidate normalization, gate
// transitions, cache hits/misses, and final verdicts, one line per
// event under runs/{run_id}/events.jsonl. Nil-safe methods mean callers
// never need a nil check before logging; Registry is the sole
// file-lifecycle authority, one append-only JSONL file guarded by a
// single mutexed write() helper per run.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// Log is a handle for writing structured events for one run. All
// methods are nil-safe: a nil *Log silently drops every call so
// callers can pass one around without checking for a disabled run.
type Log struct {
	runID string
	mu    sync.Mutex
	f     *os.File
}

// Registry maps run IDs to open Logs. It is the sole authority for
// creating and closing per-run event log files.
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*Log
}

// NewRegistry creates a Registry that writes one events.jsonl per run
// under dir/{run_id}/.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*Log)}
}

// Open creates (or returns the already-open) Log for runID and writes
// a run_begin event as the first line.
func (r *Registry) Open(runID string) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.logs[runID]; ok {
		return l
	}

	runDir := filepath.Join(r.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		log.Printf("[EVENTLOG] could not create dir %s: %v", runDir, err)
		return nil
	}
	path := filepath.Join(runDir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[EVENTLOG] could not open %s: %v", path, err)
		return nil
	}

	l := &Log{runID: runID, f: f}
	r.logs[runID] = l
	l.write(types.Event{Kind: types.EventRunBegin, RunID: runID})
	return l
}

// Get returns the Log for runID, or nil if not found. Nil is safe to
// pass to every Log method.
func (r *Registry) Get(runID string) *Log {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[runID]
}

// Close writes a run_end event, flushes and closes the file, and
// removes the entry from the registry. Safe on a nil *Registry or an
// unknown runID.
func (r *Registry) Close(runID, detail string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	l, ok := r.logs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, runID)
	r.mu.Unlock()

	l.write(types.Event{Kind: types.EventRunEnd, RunID: runID, Detail: detail})

	l.mu.Lock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.mu.Unlock()
}

// KnowledgeRetrieved logs a knowledge_retrieved event.
func (l *Log) KnowledgeRetrieved(queryID, detail string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventKnowledgeRetrieved, RunID: l.runID, QueryID: queryID, Detail: detail})
}

// WorkerDispatched logs a worker_dispatched event.
func (l *Log) WorkerDispatched(queryID, workerID, detail string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventWorkerDispatched, RunID: l.runID, QueryID: queryID, WorkerID: workerID, Detail: detail})
}

// WorkerCompleted logs a worker_completed event.
func (l *Log) WorkerCompleted(queryID, workerID, detail string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventWorkerCompleted, RunID: l.runID, QueryID: queryID, WorkerID: workerID, Detail: detail})
}

// CandidateNormalized logs a candidate_normalized event.
func (l *Log) CandidateNormalized(queryID, candidateID, detail string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventCandidateNormalized, RunID: l.runID, QueryID: queryID, CandidateID: candidateID, Detail: detail})
}

// GateTransition logs a gate_transition event. passed is nil while the
// gate is still running and set once it resolves.
func (l *Log) GateTransition(queryID, candidateID, gate string, passed *bool) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventGateTransition, RunID: l.runID, QueryID: queryID, CandidateID: candidateID, Gate: gate, Passed: passed})
}

// CacheHit logs a cache_hit event.
func (l *Log) CacheHit(queryID, candidateID string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventCacheHit, RunID: l.runID, QueryID: queryID, CandidateID: candidateID})
}

// CacheMiss logs a cache_miss event.
func (l *Log) CacheMiss(queryID, candidateID string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventCacheMiss, RunID: l.runID, QueryID: queryID, CandidateID: candidateID})
}

// Verdict logs a verdict event.
func (l *Log) Verdict(queryID, candidateID, detail string) {
	if l == nil {
		return
	}
	l.write(types.Event{Kind: types.EventVerdict, RunID: l.runID, QueryID: queryID, CandidateID: candidateID, Detail: detail})
}

func (l *Log) write(e types.Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[EVENTLOG] marshal error: %v", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err = fmt.Fprintf(l.f, "%s\n", data); err != nil {
		log.Printf("[EVENTLOG] write error: %v", err)
	}
}
