package strategy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// scriptedLLM returns responses in order, one per Chat call; it errors once
// exhausted. Beam workers call Chat concurrently, so access is mutex-guarded.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedLLM) Chat(ctx context.Context, system, user string) (string, types.TokenUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return "", types.TokenUsage{}, fmt.Errorf("scriptedLLM: no more responses")
	}
	r := s.responses[s.calls]
	s.calls++
	return r, types.TokenUsage{TotalTokens: 10}, nil
}

const analystResponse = `{
  "bottleneck_hypothesis": "correlated subquery re-executes per row",
  "structural_signals": ["correlated_subquery"],
  "matched_gap_ids": ["gap-correlated-in"],
  "worker_assignments": [
    {"worker_id": "w1", "role": "proven_compound", "primary_gap_family": "gap-correlated-in", "example_ids": ["ex-1"], "hints": "use EXISTS"}
  ]
}`

const workerResponse = `{"rewrite_sql": "SELECT a FROM t WHERE EXISTS (SELECT 1 FROM u WHERE u.t_id = t.id)", "transforms": ["in_to_exists"], "notes": "done"}`

func TestBeam_GenerateProducesNormalizedCandidate(t *testing.T) {
	analyst := &scriptedLLM{responses: []string{analystResponse}}
	worker := &scriptedLLM{responses: []string{workerResponse}}
	beam := NewBeam(analyst, worker, nil)

	knowledge := types.KnowledgeResponse{QueryID: "q1"}
	policy := config.NewStrategyPolicy(config.WithWorkerCount(1), config.WithSnipeEnabled(false))

	candidates, err := beam.Generate(context.Background(), "SELECT a FROM t WHERE id IN (SELECT id FROM u WHERE u.t_id = t.id)", types.Dialect("postgres"), knowledge, nil, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].Source != types.SourceBeam {
		t.Fatalf("expected beam source, got %s", candidates[0].Source)
	}
	if !candidates[0].Features.ParseOK {
		t.Fatalf("expected parse to succeed")
	}
}

func TestBeam_GenerateDoesNotSnipeEvenWhenPolicyEnablesIt(t *testing.T) {
	analyst := &scriptedLLM{responses: []string{analystResponse}}
	worker := &scriptedLLM{responses: []string{workerResponse}}
	beam := NewBeam(analyst, worker, nil)

	knowledge := types.KnowledgeResponse{
		QueryID:      "q1",
		FilteredGaps: []types.FilteredGap{{GapID: "gap-correlated-in", Priority: 1, Mechanism: "re-execution"}},
	}
	policy := config.NewStrategyPolicy(config.WithWorkerCount(1), config.WithSnipeEnabled(true))

	candidates, err := beam.Generate(context.Background(), "SELECT a FROM t WHERE id IN (SELECT id FROM u WHERE u.t_id = t.id)", types.Dialect("postgres"), knowledge, nil, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate from the single worker, got %d", len(candidates))
	}
	// Generate itself never snipes — only one Chat call (the worker's) should
	// have consumed the scripted responses; a second would have errored.
	if worker.calls != 1 {
		t.Fatalf("expected exactly 1 worker call from Generate alone, got %d", worker.calls)
	}
}

func TestBeam_SnipeNoOpsWhenBestVerdictAlreadyClearsTarget(t *testing.T) {
	worker := &scriptedLLM{responses: []string{workerResponse}}
	beam := NewBeam(nil, worker, nil)

	knowledge := types.KnowledgeResponse{
		QueryID:      "q1",
		FilteredGaps: []types.FilteredGap{{GapID: "gap-correlated-in", Priority: 1, Mechanism: "re-execution"}},
	}
	policy := config.NewStrategyPolicy(config.WithSnipeEnabled(true))
	bestVerdict := types.ValidationVerdict{Status: types.StatusWin, Speedup: policy.SnipeTargetSpeedup}
	bestCandidate := types.Candidate{RewriteSQL: "SELECT a FROM t"}

	sniped, err := beam.Snipe(context.Background(), "SELECT a FROM t", "q1", types.Dialect("postgres"), knowledge, bestCandidate, bestVerdict, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sniped != nil {
		t.Fatalf("expected nil candidates when the best verdict already clears the target, got %v", sniped)
	}
	if worker.calls != 0 {
		t.Fatalf("expected no worker call when snipe no-ops, got %d", worker.calls)
	}
}

func TestBeam_SnipeProducesCandidateWhenBelowTarget(t *testing.T) {
	worker := &scriptedLLM{responses: []string{workerResponse}}
	beam := NewBeam(nil, worker, nil)

	knowledge := types.KnowledgeResponse{
		QueryID:      "q1",
		FilteredGaps: []types.FilteredGap{{GapID: "gap-correlated-in", Priority: 1, Mechanism: "re-execution"}},
	}
	policy := config.NewStrategyPolicy(config.WithSnipeEnabled(true))
	bestVerdict := types.ValidationVerdict{
		Status:  types.StatusNeutral,
		Speedup: policy.SnipeTargetSpeedup - 0.5,
		Reason:  "measured speedup is within noise of the baseline",
	}
	bestCandidate := types.Candidate{RewriteSQL: "SELECT a FROM t WHERE id IN (SELECT id FROM u WHERE u.t_id = t.id)"}

	sniped, err := beam.Snipe(context.Background(), "SELECT a FROM t WHERE id IN (SELECT id FROM u WHERE u.t_id = t.id)", "q1", types.Dialect("postgres"), knowledge, bestCandidate, bestVerdict, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sniped) != 1 {
		t.Fatalf("expected 1 sniped candidate, got %d", len(sniped))
	}
	if sniped[0].Source != types.SourceSnipe {
		t.Fatalf("expected snipe source, got %s", sniped[0].Source)
	}
	if worker.calls != 1 {
		t.Fatalf("expected exactly 1 worker call for the snipe attempt, got %d", worker.calls)
	}
}

func TestBeam_SnipeNoOpsWhenNoGapsRemain(t *testing.T) {
	worker := &scriptedLLM{responses: []string{workerResponse}}
	beam := NewBeam(nil, worker, nil)

	knowledge := types.KnowledgeResponse{QueryID: "q1"}
	policy := config.NewStrategyPolicy(config.WithSnipeEnabled(true))
	bestVerdict := types.ValidationVerdict{Status: types.StatusNeutral, Speedup: policy.SnipeTargetSpeedup - 0.5}
	bestCandidate := types.Candidate{RewriteSQL: "SELECT a FROM t"}

	sniped, err := beam.Snipe(context.Background(), "SELECT a FROM t", "q1", types.Dialect("postgres"), knowledge, bestCandidate, bestVerdict, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sniped != nil {
		t.Fatalf("expected nil candidates when there are no filtered gaps left, got %v", sniped)
	}
	if worker.calls != 0 {
		t.Fatalf("expected no worker call when there's no gap to target, got %d", worker.calls)
	}
}

func TestBeam_WorkerFailureDoesNotAbortOthers(t *testing.T) {
	analyst := &scriptedLLM{responses: []string{`{
  "worker_assignments": [
    {"worker_id": "w1", "role": "proven_compound"},
    {"worker_id": "w2", "role": "structural_alt"}
  ]
}`}}
	// Only one scripted response for two workers — the second Chat call errors.
	worker := &scriptedLLM{responses: []string{workerResponse}}
	beam := NewBeam(analyst, worker, nil)

	knowledge := types.KnowledgeResponse{QueryID: "q1"}
	policy := config.NewStrategyPolicy(config.WithWorkerCount(2), config.WithSnipeEnabled(false))

	candidates, err := beam.Generate(context.Background(), "SELECT a FROM t", types.Dialect("postgres"), knowledge, nil, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 surviving candidate despite one worker failing, got %d", len(candidates))
	}
}

func TestStrike_GenerateUsesHintAndSkipsSnipe(t *testing.T) {
	worker := &scriptedLLM{responses: []string{workerResponse}}
	hint := types.TransformHint{FreeText: "rewrite the IN subquery as EXISTS", TransformID: "in_to_exists"}
	strike := NewStrike(worker, nil, hint)

	knowledge := types.KnowledgeResponse{QueryID: "q1"}
	policy := config.DefaultStrategyPolicy()

	candidates, err := strike.Generate(context.Background(), "SELECT a FROM t WHERE id IN (SELECT id FROM u WHERE u.t_id = t.id)", types.Dialect("postgres"), knowledge, nil, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly 1 candidate from strike, got %d", len(candidates))
	}
	if candidates[0].Source != types.SourceStrike {
		t.Fatalf("expected strike source, got %s", candidates[0].Source)
	}
	// Only one Chat call should have happened — no snipe follow-up.
	if worker.calls != 1 {
		t.Fatalf("expected exactly 1 worker call (no snipe), got %d", worker.calls)
	}
}

func TestStrike_EmptyRewriteIsError(t *testing.T) {
	worker := &scriptedLLM{responses: []string{`{"rewrite_sql": "", "transforms": []}`}}
	strike := NewStrike(worker, nil, types.TransformHint{FreeText: "x"})
	_, err := strike.Generate(context.Background(), "SELECT 1", types.Dialect("postgres"), types.KnowledgeResponse{}, nil, config.DefaultStrategyPolicy())
	if err == nil {
		t.Fatal("expected error for empty rewrite_sql")
	}
}

func TestApplyConstraintMode_FlagsExtraTransformsUnderOnly(t *testing.T) {
	hint := types.TransformHint{TransformID: "in_to_exists", ConstraintMode: "only"}
	candidates := []types.Candidate{
		{CandidateID: "c1", Transforms: types.TransformSet{Detected: []string{"in_to_exists", "join_style_change"}}},
	}
	out := applyConstraintMode(hint, candidates)
	if out[0].ConstraintNote == "" {
		t.Fatal("expected a constraint note when detected transforms exceed the declared target")
	}
}

func TestApplyConstraintMode_NoNoteWhenDetectedMatchesTarget(t *testing.T) {
	hint := types.TransformHint{TransformID: "in_to_exists", ConstraintMode: "only"}
	candidates := []types.Candidate{
		{CandidateID: "c1", Transforms: types.TransformSet{Detected: []string{"in_to_exists"}}},
	}
	out := applyConstraintMode(hint, candidates)
	if out[0].ConstraintNote != "" {
		t.Fatalf("expected no constraint note when detected transforms match the target, got %q", out[0].ConstraintNote)
	}
}

func TestApplyConstraintMode_NoopOutsideOnlyMode(t *testing.T) {
	hint := types.TransformHint{TransformID: "in_to_exists", ConstraintMode: "bias"}
	candidates := []types.Candidate{
		{CandidateID: "c1", Transforms: types.TransformSet{Detected: []string{"in_to_exists", "join_style_change"}}},
	}
	out := applyConstraintMode(hint, candidates)
	if out[0].ConstraintNote != "" {
		t.Fatalf("expected no constraint note outside constraint_mode=only, got %q", out[0].ConstraintNote)
	}
}

func TestCandidateID_StableForSameCanonicalSQL(t *testing.T) {
	id1 := candidateID("SELECT A FROM T", types.Dialect("postgres"))
	id2 := candidateID("SELECT A FROM T", types.Dialect("postgres"))
	if id1 != id2 {
		t.Fatalf("expected stable candidate_id, got %q != %q", id1, id2)
	}
}

func TestCandidateID_DiffersAcrossDialect(t *testing.T) {
	id1 := candidateID("SELECT A FROM T", types.Dialect("postgres"))
	id2 := candidateID("SELECT A FROM T", types.Dialect("mysql"))
	if id1 == id2 {
		t.Fatal("expected candidate_id to differ across dialects for identical canonical SQL")
	}
}
