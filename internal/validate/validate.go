// Package validate implements Layer V: the staged gate pipeline (Static →
// Semantic → Performance → Verdict) that turns one Candidate into an
// authoritative ValidationVerdict, backed by a persistent, never-expiring
// verdict cache. The ordered-rule, first-disqualifier-wins shape is
// An ordered-rule, first-disqualifier-wins pipeline: four gates over one
// candidate, each gate allowed to short-circuit the rest.
package validate

import (
	"context"
	"time"

	"github.com/JKR8/querytorque-v8-sub005/internal/bus"
	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/execiface"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// Harness runs candidates through the four-gate pipeline and owns the
// verdict cache.
type Harness struct {
	ex    execiface.Executor
	cache *VerdictCache
	b     *bus.Bus
}

// NewHarness builds a Harness. cache may be nil to disable caching (every
// call then does fresh validation work, still correct, just slower).
func NewHarness(ex execiface.Executor, cache *VerdictCache, b *bus.Bus) *Harness {
	return &Harness{ex: ex, cache: cache, b: b}
}

// Validate runs candidate through Static, Semantic, and Performance gates in
// order, short-circuiting on the first failure, then always runs the
// Verdict gate to classify the outcome. A cache hit for
// (candidate_id, runFingerprint, settingsHash) skips all gate work entirely
// and returns the stored verdict with Source="cached". The lookup, gate
// run, and cache write happen under one held per-key lock (via
// VerdictCache.WithLock) so two concurrent Validate calls for the same key
// can never both fall through to the gate pipeline — the second one always
// observes the first's cached write instead.
func (h *Harness) Validate(ctx context.Context, candidate types.Candidate, policy config.ValidationPolicy, strategyPolicy config.StrategyPolicy, runFingerprint, settingsHash string, baselineEstimateMs int64) types.ValidationVerdict {
	if h.cache == nil {
		verdict := h.runGates(ctx, candidate, policy, strategyPolicy, runFingerprint, settingsHash, baselineEstimateMs)
		verdict.Source = "fresh"
		publish(h.b, types.MsgVerdict, "validate", candidate.QueryID, verdict)
		return verdict
	}

	key := Key(candidate.CandidateID, runFingerprint, settingsHash)
	var verdict types.ValidationVerdict
	h.cache.WithLock(key, func(get func() (types.ValidationVerdict, bool), put func(types.ValidationVerdict) error) {
		if cached, ok := get(); ok {
			publish(h.b, types.MsgCacheHit, "validate", candidate.QueryID, candidate.CandidateID)
			verdict = cached
			return
		}
		publish(h.b, types.MsgCacheMiss, "validate", candidate.QueryID, candidate.CandidateID)

		verdict = h.runGates(ctx, candidate, policy, strategyPolicy, runFingerprint, settingsHash, baselineEstimateMs)
		verdict.Source = "fresh"
		_ = put(verdict)
	})
	publish(h.b, types.MsgVerdict, "validate", candidate.QueryID, verdict)
	return verdict
}

func publish(b *bus.Bus, msgType types.MessageType, from, queryID string, payload interface{}) {
	if b == nil {
		return
	}
	b.Publish(types.Message{Type: msgType, From: from, QueryID: queryID, Payload: payload})
}

func (h *Harness) runGates(ctx context.Context, c types.Candidate, policy config.ValidationPolicy, strategyPolicy config.StrategyPolicy, runFingerprint, settingsHash string, baselineEstimateMs int64) types.ValidationVerdict {
	base := types.ValidationVerdict{
		CandidateID:    c.CandidateID,
		QueryID:        c.QueryID,
		RunFingerprint: runFingerprint,
		SettingsHash:   settingsHash,
		PolicyDecision: c.ConstraintNote,
		DecidedAt:      time.Now().UTC(),
	}

	publish(h.b, types.MsgGateTransition, "validate", c.QueryID, string(types.GateStatic))
	if r := runStaticGate(ctx, h.ex, c, strategyPolicy); !r.ok {
		return withFailure(base, r)
	}
	base.StaticPassed = true

	publish(h.b, types.MsgGateTransition, "validate", c.QueryID, string(types.GateSemantic))
	r, method, confidence := runSemanticGate(ctx, h.ex, c, policy)
	base.SemanticMethod = method
	base.SemanticConfidence = confidence
	if !r.ok {
		return withFailure(base, r)
	}
	base.SemanticPassed = true

	publish(h.b, types.MsgGateTransition, "validate", c.QueryID, string(types.GatePerformance))
	perfResult, perfMethod, baselineMs, candidateMs, timings := runPerformanceGate(ctx, h.ex, c, policy, baselineEstimateMs)
	base.PerfMethod = perfMethod
	base.BaselineMs = baselineMs
	base.CandidateMs = candidateMs
	base.Feedback.RaceTimings = timings
	if !perfResult.ok {
		return withFailure(base, perfResult)
	}
	base.PerfPassed = true

	publish(h.b, types.MsgGateTransition, "validate", c.QueryID, string(types.GateVerdict))
	return classify(base, policy)
}

func withFailure(base types.ValidationVerdict, r gateResult) types.ValidationVerdict {
	base.Status = types.StatusFail
	base.GateFailed = r.gate
	base.Reason = appendPolicyNote(r.reason, base.PolicyDecision)
	base.Feedback = mergeFeedback(base.Feedback, r.feedback)
	return base
}

// appendPolicyNote folds a ConstraintNote (surfaced via
// ValidationVerdict.PolicyDecision) into the human-readable Reason, so a
// constraint_mode=only violation is visible wherever Reason is read without
// requiring a second field lookup.
func appendPolicyNote(reason, note string) string {
	if note == "" {
		return reason
	}
	if reason == "" {
		return note
	}
	return reason + "; " + note
}

func mergeFeedback(base, overlay types.FeedbackPack) types.FeedbackPack {
	if overlay.SQLDiff != "" {
		base.SQLDiff = overlay.SQLDiff
	}
	if overlay.SemanticDiagnostics != "" {
		base.SemanticDiagnostics = overlay.SemanticDiagnostics
	}
	if overlay.OriginalPlan != "" {
		base.OriginalPlan = overlay.OriginalPlan
	}
	if overlay.CandidatePlan != "" {
		base.CandidatePlan = overlay.CandidatePlan
	}
	if len(overlay.RaceTimings) > 0 {
		base.RaceTimings = overlay.RaceTimings
	}
	return base
}

// classify derives the final Status from measured speedup: WIN >= 1.10x,
// IMPROVED >= 1 + policy.VarianceThreshold (1.05x by default), NEUTRAL >=
// 0.95x, REGRESSION < 0.95x. All three gates have already passed by the
// time this runs; the one FAIL classify itself produces (GateVerdict) is
// for a non-positive candidate timing, from which no speedup can be
// computed.
func classify(v types.ValidationVerdict, policy config.ValidationPolicy) types.ValidationVerdict {
	if v.CandidateMs <= 0 {
		v.Status = types.StatusFail
		v.GateFailed = types.GateVerdict
		v.Reason = appendPolicyNote("candidate timing was non-positive, cannot compute speedup", v.PolicyDecision)
		return v
	}
	speedup := float64(v.BaselineMs) / float64(v.CandidateMs)
	v.Speedup = speedup

	switch {
	case speedup >= 1.10:
		v.Status = types.StatusWin
	case speedup >= 1+policy.VarianceThreshold:
		v.Status = types.StatusImproved
	case speedup >= 0.95:
		v.Status = types.StatusNeutral
	default:
		v.Status = types.StatusRegression
	}
	v.Reason = appendPolicyNote(formatVerdictReason(v.Status, speedup), v.PolicyDecision)
	return v
}

func formatVerdictReason(status types.Status, speedup float64) string {
	switch status {
	case types.StatusWin:
		return "measured speedup clears the WIN threshold"
	case types.StatusImproved:
		return "measured speedup clears IMPROVED but not WIN"
	case types.StatusNeutral:
		return "measured speedup is within noise of the baseline"
	default:
		return "candidate measured slower than the baseline"
	}
}
