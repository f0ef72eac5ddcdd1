package validate

import (
	"context"
	"sync"
	"testing"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/execiface"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

func baseCandidate() types.Candidate {
	return types.Candidate{
		CandidateID: "cand-1",
		QueryID:     "q1",
		OriginalSQL: "SELECT a FROM t",
		RewriteSQL:  "SELECT a FROM t WHERE 1=1",
		Dialect:     types.Dialect("postgres"),
		Features: types.StructuralFeatures{
			ParseOK:             true,
			ColumnSetMatch:      true,
			OrderLimitPreserved: true,
		},
	}
}

// countingExecutor wraps an execiface.Executor and counts Explain calls —
// used to prove two concurrent Harness.Validate calls for the same key run
// the static (and by extension the rest of the) gate pipeline only once.
type countingExecutor struct {
	inner        execiface.Executor
	mu           sync.Mutex
	explainCalls int
}

func (c *countingExecutor) SchemaSnapshot(ctx context.Context) (execiface.Schema, error) {
	return c.inner.SchemaSnapshot(ctx)
}

func (c *countingExecutor) Explain(ctx context.Context, sql string) (execiface.Plan, error) {
	c.mu.Lock()
	c.explainCalls++
	c.mu.Unlock()
	return c.inner.Explain(ctx, sql)
}

func (c *countingExecutor) ExplainAnalyze(ctx context.Context, sql string) (execiface.Plan, error) {
	return c.inner.ExplainAnalyze(ctx, sql)
}

func (c *countingExecutor) Execute(ctx context.Context, sql string) (execiface.Result, error) {
	return c.inner.Execute(ctx, sql)
}

func (c *countingExecutor) SampleExecute(ctx context.Context, sql string, samplePercent float64) (execiface.Result, error) {
	return c.inner.SampleExecute(ctx, sql, samplePercent)
}

func (c *countingExecutor) Cancel(ctx context.Context) error {
	return c.inner.Cancel(ctx)
}

func (c *countingExecutor) Fingerprint(ctx context.Context) (string, error) {
	return c.inner.Fingerprint(ctx)
}

func TestRunStaticGate_RejectsUnparsedCandidate(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1")
	c := baseCandidate()
	c.Features.ParseOK = false
	r := runStaticGate(context.Background(), ex, c, config.DefaultStrategyPolicy())
	if r.ok {
		t.Fatal("expected static gate to reject unparsed candidate")
	}
}

func TestRunStaticGate_RejectsForbiddenConstruct(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain("SELECT a FROM t WHERE 1=1", execiface.Plan{})
	c := baseCandidate()
	c.Features.ForbiddenConstruct = true
	r := runStaticGate(context.Background(), ex, c, config.DefaultStrategyPolicy())
	if r.ok {
		t.Fatal("expected static gate to reject forbidden construct")
	}
}

func TestRunStaticGate_RejectsColumnSetMismatch(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1")
	c := baseCandidate()
	c.Features.ColumnSetMatch = false
	r := runStaticGate(context.Background(), ex, c, config.DefaultStrategyPolicy())
	if r.ok {
		t.Fatal("expected static gate to reject column set mismatch")
	}
}

func TestRunStaticGate_RejectsBindFailure(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1") // no Explain registered -> ErrUnscripted
	c := baseCandidate()
	r := runStaticGate(context.Background(), ex, c, config.DefaultStrategyPolicy())
	if r.ok {
		t.Fatal("expected static gate to reject when Explain fails")
	}
}

func TestRunStaticGate_PassesWhenAllChecksClear(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain(baseCandidate().RewriteSQL, execiface.Plan{EstimatedCost: 10})
	r := runStaticGate(context.Background(), ex, baseCandidate(), config.DefaultStrategyPolicy())
	if !r.ok {
		t.Fatalf("expected static gate to pass, got reason %q", r.reason)
	}
}

func TestRunStaticGate_RejectsOrderLimitNotPreserved(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain(baseCandidate().RewriteSQL, execiface.Plan{})
	c := baseCandidate()
	c.Features.OrderLimitPreserved = false
	r := runStaticGate(context.Background(), ex, c, config.DefaultStrategyPolicy())
	if r.ok {
		t.Fatal("expected static gate to reject a candidate that drops ORDER BY/LIMIT")
	}
}

func TestRunStaticGate_RejectsDisallowedTransform(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain(baseCandidate().RewriteSQL, execiface.Plan{})
	c := baseCandidate()
	c.Transforms.Detected = []string{"subquery_to_join"}
	policy := config.DefaultStrategyPolicy()
	policy.BlockedTransforms = []string{"subquery_to_join"}
	r := runStaticGate(context.Background(), ex, c, policy)
	if r.ok {
		t.Fatal("expected static gate to reject a candidate applying a blocked transform")
	}
}

func TestRunStaticGate_RejectsTransformNotOnAllowlist(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain(baseCandidate().RewriteSQL, execiface.Plan{})
	c := baseCandidate()
	c.Transforms.Detected = []string{"decorrelation"}
	policy := config.DefaultStrategyPolicy()
	policy.AllowedTransforms = []string{"subquery_to_join"}
	r := runStaticGate(context.Background(), ex, c, policy)
	if r.ok {
		t.Fatal("expected static gate to reject a candidate applying a transform outside the allowlist")
	}
}

func TestRunSemanticGate_ZeroRowBaselineMarkedUnverified(t *testing.T) {
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithResult("SELECT a FROM t", execiface.Result{Rows: 0}).
		WithResult(baseCandidate().RewriteSQL, execiface.Result{Rows: 0})
	r, _, confidence := runSemanticGate(context.Background(), ex, baseCandidate(), config.DefaultValidationPolicy())
	if !r.ok {
		t.Fatal("expected zero-row baseline to pass through, not fail")
	}
	if confidence != types.ConfidenceZeroRowUnverified {
		t.Fatalf("expected zero-row-unverified confidence, got %q", confidence)
	}
}

func TestRunSemanticGate_RejectsHashMismatch(t *testing.T) {
	c := baseCandidate()
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithResult(c.OriginalSQL, execiface.Result{Rows: 10, ResultHash: "abc"}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 10, ResultHash: "xyz"})
	r, _, _ := runSemanticGate(context.Background(), ex, c, config.DefaultValidationPolicy())
	if r.ok {
		t.Fatal("expected semantic gate to reject hash mismatch")
	}
}

func TestRunSemanticGate_PassesOnMatchingHash(t *testing.T) {
	c := baseCandidate()
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithResult(c.OriginalSQL, execiface.Result{Rows: 10, ResultHash: "abc"}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 10, ResultHash: "abc"})
	r, _, confidence := runSemanticGate(context.Background(), ex, c, config.DefaultValidationPolicy())
	if !r.ok {
		t.Fatalf("expected semantic gate to pass, got reason %q", r.reason)
	}
	if confidence != types.ConfidenceHigh && confidence != types.ConfidenceMedium {
		t.Fatalf("expected a confirmed-equivalence confidence, got %q", confidence)
	}
}

func TestRunSemanticGate_AcceptsHashMismatchWithinEpsilonTolerance(t *testing.T) {
	c := baseCandidate()
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithResult(c.OriginalSQL, execiface.Result{Rows: 2, ResultHash: "abc", SampledValues: [][]float64{{100.0}, {200.0}}}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 2, ResultHash: "xyz", SampledValues: [][]float64{{100.0000001}, {200.0000001}}})
	policy := config.DefaultValidationPolicy()
	policy.SemanticEpsilon = 1e-6
	r, _, confidence := runSemanticGate(context.Background(), ex, c, policy)
	if !r.ok {
		t.Fatalf("expected semantic gate to accept a hash mismatch within epsilon tolerance, got reason %q", r.reason)
	}
	if confidence != types.ConfidenceLow {
		t.Fatalf("expected LOW confidence for an epsilon-tolerant match, got %q", confidence)
	}
}

func TestRunSemanticGate_RejectsHashMismatchOutsideEpsilonTolerance(t *testing.T) {
	c := baseCandidate()
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithResult(c.OriginalSQL, execiface.Result{Rows: 2, ResultHash: "abc", SampledValues: [][]float64{{100.0}, {200.0}}}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 2, ResultHash: "xyz", SampledValues: [][]float64{{150.0}, {200.0}}})
	policy := config.DefaultValidationPolicy()
	policy.SemanticEpsilon = 1e-6
	r, _, _ := runSemanticGate(context.Background(), ex, c, policy)
	if r.ok {
		t.Fatal("expected semantic gate to reject a hash mismatch outside epsilon tolerance")
	}
}

func TestRunPerformanceGate_SequentialMethodBelowRaceThreshold(t *testing.T) {
	c := baseCandidate()
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithResult(c.OriginalSQL, execiface.Result{Rows: 1}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 1})
	policy := config.DefaultValidationPolicy()
	r, method, baselineMs, candidateMs, _ := runPerformanceGate(context.Background(), ex, c, policy, 10)
	if !r.ok {
		t.Fatalf("expected performance gate to pass, got reason %q", r.reason)
	}
	if method != types.PerfSequential {
		t.Fatalf("expected sequential method below race threshold, got %q", method)
	}
	if baselineMs < 0 || candidateMs < 0 {
		t.Fatalf("expected non-negative timings, got baseline=%d candidate=%d", baselineMs, candidateMs)
	}
}

func TestClassify_WinThreshold(t *testing.T) {
	v := types.ValidationVerdict{BaselineMs: 1100, CandidateMs: 1000}
	v = classify(v, config.DefaultValidationPolicy())
	if v.Status != types.StatusWin {
		t.Fatalf("expected WIN, got %s (speedup=%.3f)", v.Status, v.Speedup)
	}
}

func TestClassify_ImprovedThreshold(t *testing.T) {
	v := types.ValidationVerdict{BaselineMs: 1060, CandidateMs: 1000}
	v = classify(v, config.DefaultValidationPolicy())
	if v.Status != types.StatusImproved {
		t.Fatalf("expected IMPROVED, got %s (speedup=%.3f)", v.Status, v.Speedup)
	}
}

func TestClassify_NeutralThreshold(t *testing.T) {
	v := types.ValidationVerdict{BaselineMs: 1000, CandidateMs: 1000}
	v = classify(v, config.DefaultValidationPolicy())
	if v.Status != types.StatusNeutral {
		t.Fatalf("expected NEUTRAL, got %s (speedup=%.3f)", v.Status, v.Speedup)
	}
}

func TestClassify_RegressionThreshold(t *testing.T) {
	v := types.ValidationVerdict{BaselineMs: 900, CandidateMs: 1000}
	v = classify(v, config.DefaultValidationPolicy())
	if v.Status != types.StatusRegression {
		t.Fatalf("expected REGRESSION, got %s (speedup=%.3f)", v.Status, v.Speedup)
	}
}

func TestHarness_Validate_CacheHitSkipsGates(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenVerdictCache(dir)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	defer cache.Close()

	c := baseCandidate()
	key := Key(c.CandidateID, "fp", "sh")
	stored := types.ValidationVerdict{CandidateID: c.CandidateID, Status: types.StatusWin, Speedup: 1.5}
	if err := cache.Put(key, stored); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	// No Explain/Result registered — if the harness actually ran the gates
	// this would fail loudly via ErrUnscripted instead of returning the
	// cached verdict.
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1")
	h := NewHarness(ex, cache, nil)
	got := h.Validate(context.Background(), c, config.DefaultValidationPolicy(), config.DefaultStrategyPolicy(), "fp", "sh", 10)
	if got.Status != types.StatusWin || got.Source != "cached" {
		t.Fatalf("expected cached WIN verdict, got %+v", got)
	}
}

func TestHarness_Validate_FreshRunIsCachedForNextCall(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenVerdictCache(dir)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	defer cache.Close()

	c := baseCandidate()
	ex := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain(c.RewriteSQL, execiface.Plan{}).
		WithResult(c.OriginalSQL, execiface.Result{Rows: 5, ResultHash: "same"}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 5, ResultHash: "same"})
	h := NewHarness(ex, cache, nil)

	first := h.Validate(context.Background(), c, config.DefaultValidationPolicy(), config.DefaultStrategyPolicy(), "fp", "sh", 10)
	if first.Source != "fresh" {
		t.Fatalf("expected first call to be fresh, got %q", first.Source)
	}

	second := h.Validate(context.Background(), c, config.DefaultValidationPolicy(), config.DefaultStrategyPolicy(), "fp", "sh", 10)
	if second.Source != "cached" {
		t.Fatalf("expected second call to hit cache, got %q", second.Source)
	}
}

func TestHarness_Validate_ConcurrentCallsForSameKeyRunGatesOnce(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenVerdictCache(dir)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	defer cache.Close()

	c := baseCandidate()
	inner := execiface.NewScriptedExecutor(execiface.Schema{}, "fp1").
		WithExplain(c.RewriteSQL, execiface.Plan{}).
		WithResult(c.OriginalSQL, execiface.Result{Rows: 5, ResultHash: "same"}).
		WithResult(c.RewriteSQL, execiface.Result{Rows: 5, ResultHash: "same"})
	ex := &countingExecutor{inner: inner}
	h := NewHarness(ex, cache, nil)

	var wg sync.WaitGroup
	results := make([]types.ValidationVerdict, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Validate(context.Background(), c, config.DefaultValidationPolicy(), config.DefaultStrategyPolicy(), "fp", "sh", 10)
		}(i)
	}
	wg.Wait()

	ex.mu.Lock()
	calls := ex.explainCalls
	ex.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 Explain call across concurrent Validate calls for the same key, got %d", calls)
	}
	if results[0].CandidateID != results[1].CandidateID || results[0].Status != results[1].Status {
		t.Fatalf("expected both concurrent calls to observe the same verdict, got %+v and %+v", results[0], results[1])
	}
}
