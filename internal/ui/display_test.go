package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

func makeMsg(t types.MessageType, from string, payload any) types.Message {
	return types.Message{Type: t, From: from, Payload: payload}
}

// --- msgDetail: MsgKnowledgeRetrieved / MsgCandidateNormalized ---

func TestMsgDetail_KnowledgeRetrieved_ReturnsClippedString(t *testing.T) {
	got := msgDetail(makeMsg(types.MsgKnowledgeRetrieved, "knowledge", "3 examples, 2 gaps matched"))
	if got != "3 examples, 2 gaps matched" {
		t.Errorf("expected detail string verbatim, got %q", got)
	}
}

func TestMsgDetail_KnowledgeRetrieved_ClipsLongString(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := msgDetail(makeMsg(types.MsgKnowledgeRetrieved, "knowledge", long))
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected clipped string to end in …, got %q", got)
	}
}

// --- msgDetail: MsgWorkerDispatched ---

func TestMsgDetail_WorkerDispatched_ShowsWorkerIDAndRole(t *testing.T) {
	payload := map[string]any{"WorkerID": "w1", "Role": "aggressive", "PrimaryGapFamily": "join_order"}
	got := msgDetail(makeMsg(types.MsgWorkerDispatched, "beam", payload))
	if !strings.Contains(got, "w1") || !strings.Contains(got, "aggressive") {
		t.Errorf("expected worker id and role in detail, got %q", got)
	}
}

// --- msgDetail: MsgWorkerCompleted ---

func TestMsgDetail_WorkerCompleted_ShowsWorkerIDAndRewrite(t *testing.T) {
	payload := map[string]any{"WorkerID": "w2", "RewriteSQL": "SELECT a FROM t", "Strategy": "beam"}
	got := msgDetail(makeMsg(types.MsgWorkerCompleted, "beam", payload))
	if !strings.Contains(got, "w2") || !strings.Contains(got, "SELECT a FROM t") {
		t.Errorf("expected worker id and rewrite sql in detail, got %q", got)
	}
}

// --- msgDetail: MsgGateTransition ---

func TestMsgDetail_GateTransition_ReturnsGateName(t *testing.T) {
	got := msgDetail(makeMsg(types.MsgGateTransition, "validate", string(types.GateSemantic)))
	if got != "semantic" {
		t.Errorf("expected gate name 'semantic', got %q", got)
	}
}

// --- msgDetail: MsgCacheHit / MsgCacheMiss ---

func TestMsgDetail_CacheMiss_ReturnsCandidateID(t *testing.T) {
	got := msgDetail(makeMsg(types.MsgCacheMiss, "validate", "cand-123"))
	if got != "cand-123" {
		t.Errorf("expected candidate id, got %q", got)
	}
}

// --- msgDetail: unknown/unparseable ---

func TestMsgDetail_UnknownType_ReturnsEmpty(t *testing.T) {
	got := msgDetail(makeMsg(types.MessageType("unknown"), "x", nil))
	if got != "" {
		t.Errorf("expected empty string for unknown type, got %q", got)
	}
}

func TestMsgDetail_VerdictMessage_NotHandled(t *testing.T) {
	// Verdict detail is rendered through dynamicStatus/endQuery, not msgDetail.
	got := msgDetail(makeMsg(types.MsgVerdict, "validate", types.ValidationVerdict{Status: types.StatusWin}))
	if got != "" {
		t.Errorf("expected msgDetail to not handle MsgVerdict, got %q", got)
	}
}

// --- dynamicStatus ---

func TestDynamicStatus_GateTransition_NamesTheGate(t *testing.T) {
	got := dynamicStatus(makeMsg(types.MsgGateTransition, "validate", string(types.GateStatic)))
	if !strings.Contains(got, "static") {
		t.Errorf("expected gate name in dynamic status, got %q", got)
	}
}

func TestDynamicStatus_Verdict_ShowsStatus(t *testing.T) {
	v := types.ValidationVerdict{Status: types.StatusWin}
	got := dynamicStatus(makeMsg(types.MsgVerdict, "validate", v))
	if !strings.Contains(got, "WIN") {
		t.Errorf("expected verdict status in dynamic status, got %q", got)
	}
}

func TestDynamicStatus_FallsBackToStaticLabel(t *testing.T) {
	got := dynamicStatus(makeMsg(types.MsgCacheHit, "validate", "cand-1"))
	if got == "" {
		t.Error("expected a non-empty static label for cache hit")
	}
}

func TestDynamicStatus_UnknownTypeReturnsEmpty(t *testing.T) {
	got := dynamicStatus(makeMsg(types.MessageType("unknown"), "x", nil))
	if got != "" {
		t.Errorf("expected empty string for unknown type, got %q", got)
	}
}

// --- layerLabel ---

func TestLayerLabel_KnownLayerGetsEmoji(t *testing.T) {
	got := layerLabel("validate")
	if !strings.Contains(got, "✅") || !strings.Contains(got, "validate") {
		t.Errorf("expected emoji and layer name, got %q", got)
	}
}

func TestLayerLabel_UnknownLayerGetsDefaultBullet(t *testing.T) {
	got := layerLabel("mystery")
	if !strings.HasPrefix(got, "•") {
		t.Errorf("expected default bullet prefix for unknown layer, got %q", got)
	}
}

// --- clip ---

func TestClip_UnchangedWhenWithinLimit(t *testing.T) {
	s := "hello"
	if got := clip(s, 10); got != s {
		t.Errorf("clip(%q, 10) = %q, want unchanged", s, got)
	}
}

func TestClip_TruncatesAndAppendsEllipsis(t *testing.T) {
	long := strings.Repeat("a", 20)
	got := clip(long, 10)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected … suffix for truncated string, got %q", got)
	}
	if len([]rune(got)) != 11 {
		t.Errorf("expected clip to 10 runes + ellipsis, got %d runes", len([]rune(got)))
	}
}

// --- Display lifecycle ---

func TestDisplay_New_StartsWithNoActiveQuery(t *testing.T) {
	tap := make(chan types.Message)
	d := New(tap)
	if d.inQuery {
		t.Error("expected a freshly constructed Display to have no active query")
	}
}

func TestDisplay_AbortThenResume_ClearsSuppression(t *testing.T) {
	tap := make(chan types.Message)
	d := New(tap)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	suppressed := func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.suppressed
	}
	waitFor := func(want bool) bool {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if suppressed() == want {
				return true
			}
			time.Sleep(5 * time.Millisecond)
		}
		return false
	}

	// Abort and Resume only enqueue signals; Run's select loop applies them.
	d.Abort()
	if !waitFor(true) {
		t.Fatal("expected Abort to set suppression")
	}
	d.Resume()
	if !waitFor(false) {
		t.Error("expected Resume to clear suppression")
	}
}
