// Package ui renders a live, terminal pipeline view of one query's
// journey through knowledge retrieval, candidate generation, and the
// validation gates: a tap-driven animator with one pipeline box per verdict
// (a query that validates several candidates opens several boxes),
// a spinner-over-ticker render loop, and abort/resume suppression so a
// cancelled run doesn't leave stale flow lines bleeding into the next one.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
	ansiBlue    = "\033[34m"
)

// layerEmoji labels the publisher named in Message.From — "knowledge",
// "beam", "strike", "validate" are the only values any publisher in
// this module currently sets.
var layerEmoji = map[string]string{
	"knowledge": "📚",
	"beam":      "🛰️ ",
	"strike":    "🎯",
	"validate":  "✅",
}

var msgColor = map[types.MessageType]string{
	types.MsgKnowledgeRetrieved:  ansiCyan,
	types.MsgWorkerDispatched:    ansiBlue,
	types.MsgWorkerCompleted:     ansiYellow,
	types.MsgCandidateNormalized: ansiDim + ansiBlue,
	types.MsgGateTransition:      ansiMagenta,
	types.MsgCacheHit:            ansiDim,
	types.MsgCacheMiss:           ansiDim,
	types.MsgVerdict:             ansiGreen,
}

var msgStatus = map[types.MessageType]string{
	types.MsgKnowledgeRetrieved:  "📚 retrieving knowledge...",
	types.MsgWorkerDispatched:    "🛰️  dispatching worker...",
	types.MsgWorkerCompleted:     "🛰️  collecting rewrite...",
	types.MsgCandidateNormalized: "🛰️  normalizing candidate...",
	types.MsgGateTransition:      "✅ running gate...",
	types.MsgCacheHit:            "✅ cache hit...",
	types.MsgCacheMiss:           "✅ validating...",
}

// dynamicStatus returns a spinner label for msg, enriched with payload
// detail for message types where the static label alone isn't
// informative enough.
func dynamicStatus(msg types.Message) string {
	switch msg.Type {
	case types.MsgGateTransition:
		if gate, ok := msg.Payload.(string); ok && gate != "" {
			return fmt.Sprintf("✅ gate: %s...", gate)
		}
	case types.MsgVerdict:
		var v types.ValidationVerdict
		if remarshal(msg.Payload, &v) == nil && v.Status != "" {
			return fmt.Sprintf("✅ verdict: %s", v.Status)
		}
	}
	if s := msgStatus[msg.Type]; s != "" {
		return s
	}
	return ""
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a sci-fi inter-layer flow visualization to stdout.
// It reads from a bus tap channel and animates a live pipeline view: a box
// opens on the first message and closes on the next MsgVerdict.
type Display struct {
	tap        <-chan types.Message
	abortCh    chan struct{}
	resumeCh   chan struct{}
	mu         sync.Mutex
	status     string
	started    time.Time
	inQuery    bool
	spinIdx    int
	suppressed bool          // true after Abort(); blocks new pipeline boxes until Resume()
	queryDone  chan struct{} // closed by endQuery; nil between queries
}

// New creates a Display reading from tap.
func New(tap <-chan types.Message) *Display {
	return &Display{tap: tap, abortCh: make(chan struct{}, 1), resumeCh: make(chan struct{}, 1)}
}

// Abort signals the display to immediately close the current pipeline
// box and suppress any subsequent stale messages until Resume() is
// called. Safe to call from any goroutine.
func (d *Display) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Resume lifts the post-abort suppression so the next query can open a
// pipeline box. Safe to call from any goroutine.
func (d *Display) Resume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// Run is the main goroutine. It renders flow lines and animates the
// spinner. All terminal writes happen on this single goroutine so no
// extra locking is needed for I/O.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case <-d.abortCh:
			if d.inQuery {
				fmt.Print("\r\033[K")
				d.endQuery(false)
			}
			d.mu.Lock()
			d.suppressed = true
			d.mu.Unlock()

		case <-d.resumeCh:
			d.mu.Lock()
			d.suppressed = false
			d.mu.Unlock()

		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			if !d.inQuery {
				d.mu.Lock()
				sup := d.suppressed
				d.mu.Unlock()
				if sup {
					// Drain stale post-abort messages silently; don't open a new box.
					continue
				}
				d.startQuery()
			}
			// Clear spinner line before printing a new flow line.
			fmt.Print("\r\033[K")
			d.printFlow(msg)
			d.setStatus(dynamicStatus(msg))
			if msg.Type == types.MsgVerdict {
				d.endQuery(true)
			}

		case <-ticker.C:
			if !d.inQuery {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Printf("\r\033[K%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

// WaitQueryClose blocks until the current pipeline box is closed by
// endQuery, or until timeout elapses. Call this after the final
// verdict but before printing the summary table, to ensure the
// pipeline footer is printed first.
func (d *Display) WaitQueryClose(timeout time.Duration) {
	d.mu.Lock()
	ch := d.queryDone
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

func (d *Display) startQuery() {
	d.mu.Lock()
	d.queryDone = make(chan struct{})
	d.mu.Unlock()
	d.started = time.Now()
	d.inQuery = true
	d.setStatus("initializing...")
	fmt.Printf("\n%s┌─── ⚡ torquerun pipeline %s%s\n", ansiDim, strings.Repeat("─", 40), ansiReset)
}

func (d *Display) endQuery(success bool) {
	d.inQuery = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	if !success {
		icon = "❌"
	}
	fmt.Printf("\r\033[K%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 35), ansiReset)
	d.mu.Lock()
	ch := d.queryDone
	d.queryDone = nil
	d.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) printFlow(msg types.Message) {
	// Verdict is surfaced via endQuery; skip its flow line.
	if msg.Type == types.MsgVerdict {
		return
	}

	from := layerLabel(msg.From)

	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}

	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}

	// Cache events are rendered dim — infrastructure, not generation work.
	isDim := msg.Type == types.MsgCacheHit || msg.Type == types.MsgCacheMiss

	var line string
	if isDim {
		line = fmt.Sprintf("%s  %s ──[%s]──►%s", ansiDim, from, label, ansiReset)
	} else {
		line = fmt.Sprintf("  %s ──[%s%s%s]──►", from, color, label, ansiReset)
	}
	fmt.Println(line)
}

func layerLabel(from string) string {
	emoji, ok := layerEmoji[from]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + from
}

// workerAssignmentDetail is the fallback decoding target for
// MsgWorkerDispatched payloads that are not a types.WorkerAssignment value
// (e.g. a map keyed by Go field names); its untagged fields match those
// names, not WorkerAssignment's JSON tags.
type workerAssignmentDetail struct {
	WorkerID         string
	Role             string
	PrimaryGapFamily string
}

// rawCandidateDetail mirrors the exported fields of strategy's
// internal rawCandidate payload that are useful to display.
type rawCandidateDetail struct {
	WorkerID   string
	RewriteSQL string
	Strategy   string
}

// msgDetail returns a short inline detail string for a pipeline flow
// line.
//
// Expectations:
//   - MsgKnowledgeRetrieved: returns the detail string payload verbatim, clipped
//   - MsgWorkerDispatched: returns "workerID (role)"
//   - MsgWorkerCompleted: returns "workerID -> clipped rewrite SQL"
//   - MsgCandidateNormalized: returns the detail string payload verbatim, clipped
//   - MsgGateTransition: returns the gate name payload
//   - MsgCacheHit / MsgCacheMiss: returns the candidate_id payload
//   - Returns "" for unknown or unparseable message types
func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgKnowledgeRetrieved, types.MsgCandidateNormalized:
		if s, ok := msg.Payload.(string); ok {
			return clip(s, 55)
		}
	case types.MsgWorkerDispatched:
		if wa, ok := msg.Payload.(types.WorkerAssignment); ok && wa.WorkerID != "" {
			return fmt.Sprintf("%s (%s)", wa.WorkerID, wa.Role)
		}
		var a workerAssignmentDetail
		if remarshal(msg.Payload, &a) == nil && a.WorkerID != "" {
			return fmt.Sprintf("%s (%s)", a.WorkerID, a.Role)
		}
	case types.MsgWorkerCompleted:
		var c rawCandidateDetail
		if remarshal(msg.Payload, &c) == nil && c.WorkerID != "" {
			return fmt.Sprintf("%s -> %s", c.WorkerID, clip(c.RewriteSQL, 40))
		}
	case types.MsgGateTransition:
		if gate, ok := msg.Payload.(string); ok {
			return gate
		}
	case types.MsgCacheHit, types.MsgCacheMiss:
		if id, ok := msg.Payload.(string); ok {
			return id
		}
	}
	return ""
}

// clip truncates s to at most n terminal display columns of content (plus
// a trailing "…"), appending the ellipsis if trimmed. Uses display width
// rather than rune count so a rewrite SQL string carrying wide (CJK)
// identifiers or literals doesn't blow past the flow line's column budget
// the way a naive rune-count truncation would. runewidth.Truncate reserves
// its tail's own width out of the budget it's given, so n is inflated by
// the ellipsis's width first to keep n the content budget, not content+tail.
func clip(s string, n int) string {
	const ellipsis = "…"
	return runewidth.Truncate(s, n+runewidth.StringWidth(ellipsis), ellipsis)
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// Unused — satisfies Go's "declared and not used" check for ansiBold.
var _ = ansiBold
