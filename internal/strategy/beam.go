package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/JKR8/querytorque-v8-sub005/internal/bus"
	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/llm"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

const analystSystemPrompt = `You are the Analyst for a SQL optimization search. Given the original query,
its structural features, and the retrieved knowledge (matched examples, engine gaps/strengths), identify the
most likely performance bottleneck and assign each of N workers a distinct rewrite role and hypothesis.

Worker roles:
- proven_compound: apply a transform sequence directly modeled on the single highest-relevance matched example.
- structural_alt: restructure the query shape (join order, subquery-to-join, CTE flattening) without changing semantics.
- aggressive: combine multiple filtered gaps' mechanisms into one candidate, prioritizing speedup over conservatism.
- exploration: try a transform not directly suggested by any matched example or gap, reasoned from the engine's
  general behavior.

Output ONLY this JSON object, no markdown, no prose:
{
  "bottleneck_hypothesis": "<one paragraph>",
  "structural_signals": ["<short signal>", ...],
  "matched_gap_ids": ["<gap_id>", ...],
  "worker_assignments": [
    {"worker_id": "w1", "role": "proven_compound", "primary_gap_family": "<gap_id or tag>", "example_ids": ["..."], "hints": "<specific instruction>"}
  ]
}`

const workerSystemPrompt = `You are a SQL rewrite worker. You are given the original query, your assigned role
and hint, and supporting knowledge (matched examples, gaps, strengths, constraints). Produce exactly one
semantically equivalent rewrite that targets your assignment.

Rules:
- The rewrite MUST return the same columns and the same rows as the original query for any valid database state.
- Never use DDL or mutating statements (no DROP/DELETE/INSERT/UPDATE/ALTER/TRUNCATE/GRANT/MERGE/COPY).
- List every transform you applied by a short identifier.

Output ONLY this JSON object, no markdown, no prose:
{"rewrite_sql": "<the rewritten query>", "transforms": ["<transform_id>", ...], "notes": "<one line>"}`

// Beam is the broad search strategy: one analyst call assigns N workers
// distinct roles, the workers run concurrently, and an optional snipe phase
// (Snipe, called separately once the caller has validated the beam's output
// and found it short of the policy's speedup target) targets the single
// best remaining gap with the losing candidate's own verdict as feedback.
// An analyst-then-fan-out shape: one decomposition call, then one goroutine
// per independent rewrite worker.
type Beam struct {
	analyst llm.Client
	worker  llm.Client
	b       *bus.Bus
}

var _ Strategy = (*Beam)(nil)

// NewBeam builds a Beam strategy. analyst and worker may be the same Client
// (a single tier) or distinct tiers, the same tiered-model pattern
// generalized to ANALYST/WORKER.
func NewBeam(analyst, worker llm.Client, b *bus.Bus) *Beam {
	return &Beam{analyst: analyst, worker: worker, b: b}
}

func (s *Beam) Generate(ctx context.Context, sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, history []types.ValidationVerdict, policy config.StrategyPolicy) ([]types.Candidate, error) {
	queryID := knowledge.QueryID
	briefing, err := s.runAnalyst(ctx, sql, dialect, knowledge, policy)
	if err != nil {
		return nil, fmt.Errorf("strategy: beam analyst phase: %w", err)
	}

	assignments := briefing.WorkerAssignments
	if len(assignments) == 0 {
		assignments = defaultAssignments(policy.WorkerCount)
	}
	if len(assignments) > policy.WorkerCount {
		assignments = assignments[:policy.WorkerCount]
	}

	raws := s.runWorkers(ctx, sql, queryID, dialect, knowledge, assignments)

	if len(raws) == 0 {
		// Every worker failed: an empty candidate list, not an error.
		log.Printf("[strategy/beam] all %d workers failed; no candidates", len(assignments))
		return nil, nil
	}
	return normalize(raws, sharedParser, policy.ForbiddenConstructs)
}

func (s *Beam) runAnalyst(ctx context.Context, sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, policy config.StrategyPolicy) (types.AnalystBriefing, error) {
	user := buildAnalystPrompt(sql, dialect, knowledge, policy)
	raw, _, err := s.analyst.Chat(ctx, analystSystemPrompt, user)
	if err != nil {
		return types.AnalystBriefing{}, err
	}
	var briefing types.AnalystBriefing
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &briefing); err != nil {
		return types.AnalystBriefing{}, fmt.Errorf("decode analyst briefing: %w", err)
	}
	return briefing, nil
}

// runWorkers fans out one goroutine per assignment, collecting each worker's
// rawCandidate over a buffered channel — independent, non-cascading
// failures: one worker's LLM error is logged and simply yields no candidate
// from that slot rather than aborting the others.
func (s *Beam) runWorkers(ctx context.Context, sql, queryID string, dialect types.Dialect, knowledge types.KnowledgeResponse, assignments []types.WorkerAssignment) []rawCandidate {
	type slot struct {
		raw rawCandidate
		ok  bool
	}
	results := make(chan slot, len(assignments))
	var wg sync.WaitGroup
	for _, a := range assignments {
		wg.Add(1)
		go func(assignment types.WorkerAssignment) {
			defer wg.Done()
			publish(s.b, types.MsgWorkerDispatched, "beam", queryID, assignment)
			raw, err := s.runOneWorker(ctx, sql, queryID, dialect, knowledge, assignment)
			if err != nil {
				log.Printf("[strategy/beam] worker %s failed: %v", assignment.WorkerID, err)
				results <- slot{}
				return
			}
			publish(s.b, types.MsgWorkerCompleted, "beam", queryID, raw)
			results <- slot{raw: raw, ok: true}
		}(a)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var raws []rawCandidate
	for r := range results {
		if r.ok {
			raws = append(raws, r.raw)
		}
	}
	return raws
}

func (s *Beam) runOneWorker(ctx context.Context, sql, queryID string, dialect types.Dialect, knowledge types.KnowledgeResponse, assignment types.WorkerAssignment) (rawCandidate, error) {
	user := buildWorkerPrompt(sql, dialect, knowledge, assignment)
	raw, usage, err := s.worker.Chat(ctx, workerSystemPrompt, user)
	if err != nil {
		return rawCandidate{}, err
	}
	var resp struct {
		RewriteSQL string   `json:"rewrite_sql"`
		Transforms []string `json:"transforms"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &resp); err != nil {
		return rawCandidate{}, fmt.Errorf("decode worker response: %w", err)
	}
	if strings.TrimSpace(resp.RewriteSQL) == "" {
		return rawCandidate{}, fmt.Errorf("worker %s returned empty rewrite_sql", assignment.WorkerID)
	}
	return rawCandidate{
		QueryID:      queryID,
		OriginalSQL:  sql,
		RewriteSQL:   resp.RewriteSQL,
		Dialect:      dialect,
		Source:       types.SourceBeam,
		WorkerID:     assignment.WorkerID,
		WorkerRole:   assignment.Role,
		Strategy:     "beam",
		Declared:     resp.Transforms,
		ExamplesUsed: assignment.ExampleIDs,
		TokenUsage:   usage,
	}, nil
}

// Snipe spends one extra worker call targeting the highest-priority
// unaddressed gap, called only after a first beam-then-validate pass has
// produced bestCandidate/bestVerdict. It no-ops (nil, nil) when the best
// candidate already cleared policy.SnipeTargetSpeedup or there's no gap
// left to target — snipe exists to spend a second call when the broad
// search under-delivered, not unconditionally on every run.
func (s *Beam) Snipe(ctx context.Context, sql, queryID string, dialect types.Dialect, knowledge types.KnowledgeResponse, bestCandidate types.Candidate, bestVerdict types.ValidationVerdict, policy config.StrategyPolicy) ([]types.Candidate, error) {
	if bestVerdict.Speedup >= policy.SnipeTargetSpeedup {
		return nil, nil
	}
	if len(knowledge.FilteredGaps) == 0 {
		return nil, nil
	}
	target := knowledge.FilteredGaps[0]
	assignment := types.WorkerAssignment{
		WorkerID:         "snipe",
		Role:             types.RoleAggressive,
		PrimaryGapFamily: target.GapID,
		Hints:            buildSnipeHint(target, bestCandidate, bestVerdict, policy),
	}
	raw, err := s.runOneWorker(ctx, sql, queryID, dialect, knowledge, assignment)
	if err != nil {
		log.Printf("[strategy/beam] snipe worker failed: %v", err)
		return nil, nil
	}
	raw.Source = types.SourceSnipe
	return normalize([]rawCandidate{raw}, sharedParser, policy.ForbiddenConstructs)
}

// buildSnipeHint folds the best candidate's own rewrite, verdict, and
// diagnostics into the snipe worker's hint — so the refinement call sees
// exactly what fell short rather than repeating the same generic gap
// description the first pass already had.
func buildSnipeHint(target types.FilteredGap, bestCandidate types.Candidate, bestVerdict types.ValidationVerdict, policy config.StrategyPolicy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target gap %s directly; aim for at least %.2fx speedup: %s\n", target.GapID, policy.SnipeTargetSpeedup, target.Mechanism)
	fmt.Fprintf(&sb, "Best candidate so far (status=%s, speedup=%.2fx, reason=%s) did not clear the target:\n%s\n",
		bestVerdict.Status, bestVerdict.Speedup, bestVerdict.Reason, bestCandidate.RewriteSQL)
	if bestVerdict.Feedback.SemanticDiagnostics != "" {
		fmt.Fprintf(&sb, "Diagnostics: %s\n", bestVerdict.Feedback.SemanticDiagnostics)
	}
	if bestVerdict.Feedback.CandidatePlan != "" {
		fmt.Fprintf(&sb, "Candidate plan: %s\n", bestVerdict.Feedback.CandidatePlan)
	}
	return sb.String()
}

func defaultAssignments(n int) []types.WorkerAssignment {
	if n <= 0 {
		n = 1
	}
	roles := []types.WorkerRole{types.RoleProvenCompound, types.RoleStructuralAlt, types.RoleAggressive, types.RoleExploration}
	out := make([]types.WorkerAssignment, n)
	for i := 0; i < n; i++ {
		out[i] = types.WorkerAssignment{
			WorkerID: fmt.Sprintf("w%d", i+1),
			Role:     roles[i%len(roles)],
		}
	}
	return out
}

func buildAnalystPrompt(sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, policy config.StrategyPolicy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dialect: %s\nWorker count: %d\n\nOriginal query:\n%s\n\n", dialect, policy.WorkerCount, sql)
	writeKnowledgeSection(&sb, knowledge)
	return sb.String()
}

func buildWorkerPrompt(sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, assignment types.WorkerAssignment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dialect: %s\nYour worker_id: %s\nYour role: %s\nPrimary gap family: %s\nHints: %s\n\nOriginal query:\n%s\n\n",
		dialect, assignment.WorkerID, assignment.Role, assignment.PrimaryGapFamily, assignment.Hints, sql)
	writeKnowledgeSection(&sb, knowledge)
	return sb.String()
}

func writeKnowledgeSection(sb *strings.Builder, knowledge types.KnowledgeResponse) {
	if len(knowledge.Constraints) > 0 {
		sb.WriteString("Constraints:\n")
		for _, c := range knowledge.Constraints {
			sb.WriteString("  - " + c + "\n")
		}
	}
	if len(knowledge.MatchedExamples) > 0 {
		sb.WriteString("Matched examples:\n")
		for _, ex := range knowledge.MatchedExamples {
			fmt.Fprintf(sb, "  [%s] %s (score=%.2f)\n    before: %s\n    after:  %s\n    why: %s\n    when: %s\n    not when: %s\n",
				ex.ExampleID, ex.WhatTransformed, ex.RelevanceScore, ex.BeforeSQL, ex.AfterSQL, ex.WhyItHelps, ex.WhenToApply, ex.WhenNotTo)
		}
	}
	if len(knowledge.FilteredGaps) > 0 {
		sb.WriteString("Engine gaps (exploit these):\n")
		for _, g := range knowledge.FilteredGaps {
			fmt.Fprintf(sb, "  [%s] priority=%d confidence=%s: %s\n", g.GapID, g.Priority, g.Confidence, g.Mechanism)
		}
	}
	if len(knowledge.FilteredStrengths) > 0 {
		sb.WriteString("Engine strengths (do not spend effort here):\n")
		for _, st := range knowledge.FilteredStrengths {
			fmt.Fprintf(sb, "  [%s] %s\n", st.StrengthID, st.Mechanism)
		}
	}
}

