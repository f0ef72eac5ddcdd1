package validate

import (
	"context"
	"fmt"
	"math"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/execiface"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// gateResult is the outcome of one gate, threaded into the next gate and
// finally into the Verdict gate's ValidationVerdict assembly. Each gate
// either returns ok=true and lets the pipeline continue, or ok=false with a
// reason, at which point the pipeline short-circuits: first disqualifying
// condition wins, remaining gates never run.
type gateResult struct {
	ok      bool
	gate    types.Gate
	reason  string
	feedback types.FeedbackPack
}

func pass() gateResult { return gateResult{ok: true} }

func fail(gate types.Gate, reason string, feedback types.FeedbackPack) gateResult {
	return gateResult{ok: false, gate: gate, reason: reason, feedback: feedback}
}

// runStaticGate checks parseability, forbidden constructs, column-set
// compatibility, ORDER BY/LIMIT preservation, and the candidate's detected
// transforms against the policy's allow/block lists — everything that can
// be decided from the candidate's already-computed StructuralFeatures
// without touching the executor, plus one EXPLAIN call to confirm the
// statement actually binds against the live schema (a candidate can parse
// fine and still reference a column the schema doesn't have).
func runStaticGate(ctx context.Context, ex execiface.Executor, c types.Candidate, policy config.StrategyPolicy) gateResult {
	if !c.Features.ParseOK {
		return fail(types.GateStatic, "candidate SQL did not parse", types.FeedbackPack{SQLDiff: diffLine(c)})
	}
	if c.Features.ForbiddenConstruct {
		return fail(types.GateStatic, "candidate contains a forbidden construct", types.FeedbackPack{SQLDiff: diffLine(c)})
	}
	if !c.Features.ColumnSetMatch {
		return fail(types.GateStatic, "candidate's projected column set does not match the original", types.FeedbackPack{SQLDiff: diffLine(c)})
	}
	if !c.Features.OrderLimitPreserved {
		return fail(types.GateStatic, "candidate does not preserve the original's ORDER BY/LIMIT structure", types.FeedbackPack{SQLDiff: diffLine(c)})
	}
	if violation := forbiddenTransform(c.Transforms.Detected, policy); violation != "" {
		return fail(types.GateStatic, fmt.Sprintf("candidate applies disallowed transform %q", violation), types.FeedbackPack{SQLDiff: diffLine(c)})
	}
	plan, err := ex.Explain(ctx, c.RewriteSQL)
	if err != nil {
		return fail(types.GateStatic, fmt.Sprintf("candidate failed to bind against schema: %v", err), types.FeedbackPack{SQLDiff: diffLine(c)})
	}
	_ = plan
	return pass()
}

// forbiddenTransform returns the first of transforms that violates
// policy's allow/block lists, or "" if none do. BlockedTransforms always
// wins over AllowedTransforms for a transform named in both.
func forbiddenTransform(transforms []string, policy config.StrategyPolicy) string {
	for _, t := range transforms {
		if len(policy.BlockedTransforms) > 0 && containsString(policy.BlockedTransforms, t) {
			return t
		}
		if len(policy.AllowedTransforms) > 0 && !containsString(policy.AllowedTransforms, t) {
			return t
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// runSemanticGate executes both the original and the candidate at
// policy.SemanticSamplePercent and compares their result hashes. When both
// samples come back with zero rows there is nothing to compare for
// equivalence, so the candidate is passed through with
// ConfidenceZeroRowUnverified rather than failed or silently marked HIGH
// confidence.
func runSemanticGate(ctx context.Context, ex execiface.Executor, c types.Candidate, policy config.ValidationPolicy) (gateResult, string, types.SemanticConfidence) {
	baseline, err := ex.SampleExecute(ctx, c.OriginalSQL, policy.SemanticSamplePercent)
	if err != nil {
		return fail(types.GateSemantic, fmt.Sprintf("baseline sample execution failed: %v", err), types.FeedbackPack{SQLDiff: diffLine(c)}), "sampled", types.ConfidenceSkipped
	}

	candidate, err := ex.SampleExecute(ctx, c.RewriteSQL, policy.SemanticSamplePercent)
	if err != nil {
		return fail(types.GateSemantic, fmt.Sprintf("candidate sample execution failed: %v", err), types.FeedbackPack{SQLDiff: diffLine(c)}), "sampled", types.ConfidenceSkipped
	}
	if baseline.Rows == 0 && candidate.Rows == 0 {
		// Nothing to compare rows against; let the candidate through but mark
		// the confidence so the verdict gate can surface it rather than
		// claiming a confirmed equivalence that was never actually checked.
		return pass(), "sampled", types.ConfidenceZeroRowUnverified
	}

	if candidate.ResultHash != baseline.ResultHash || candidate.Rows != baseline.Rows {
		if candidate.Rows == baseline.Rows && valuesWithinEpsilon(baseline.SampledValues, candidate.SampledValues, policy.SemanticEpsilon) {
			// Hashes differ (e.g. floating-point representation or row
			// ordering) but every sampled value agrees within the configured
			// relative tolerance — accept, but at reduced confidence since
			// this is an approximate rather than an exact match.
			return pass(), "sampled", types.ConfidenceLow
		}
		diag := fmt.Sprintf("row/hash mismatch: baseline rows=%d hash=%s, candidate rows=%d hash=%s",
			baseline.Rows, baseline.ResultHash, candidate.Rows, candidate.ResultHash)
		return fail(types.GateSemantic, "candidate result does not match baseline", types.FeedbackPack{SQLDiff: diffLine(c), SemanticDiagnostics: diag}), "sampled", types.ConfidenceSkipped
	}

	confidence := types.ConfidenceHigh
	if policy.SemanticSamplePercent < 100 {
		confidence = types.ConfidenceMedium
	}
	return pass(), "sampled", confidence
}

func diffLine(c types.Candidate) string {
	return fmt.Sprintf("- %s\n+ %s", c.OriginalSQL, c.RewriteSQL)
}

// valuesWithinEpsilon reports whether every sampled numeric value in a and b
// agrees within eps relative tolerance. Shape mismatches (missing samples,
// differing row or column counts) are never within tolerance — there is
// nothing to compare to, not an equivalence.
func valuesWithinEpsilon(a, b [][]float64, eps float64) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if !withinRelativeTolerance(a[i][j], b[i][j], eps) {
				return false
			}
		}
	}
	return true
}

func withinRelativeTolerance(x, y, eps float64) bool {
	if x == y {
		return true
	}
	denom := math.Abs(x)
	if denom == 0 {
		denom = 1
	}
	return math.Abs(x-y)/denom <= eps
}
