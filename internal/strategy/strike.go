package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JKR8/querytorque-v8-sub005/internal/bus"
	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/llm"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

const strikeSystemPrompt = `You are a SQL rewrite worker operating in strike mode: a user has pointed you at a
specific transform or target, and you must apply exactly that — not the broad exploration a beam worker would do.

Rules:
- The rewrite MUST return the same columns and the same rows as the original query for any valid database state.
- Apply the requested transform as directly and narrowly as the hint allows; do not also attempt unrelated changes.
- Never use DDL or mutating statements (no DROP/DELETE/INSERT/UPDATE/ALTER/TRUNCATE/GRANT/MERGE/COPY).
- List every transform you applied by a short identifier.

Output ONLY this JSON object, no markdown, no prose:
{"rewrite_sql": "<the rewritten query>", "transforms": ["<transform_id>", ...], "notes": "<one line>"}`

// Strike is the narrow search strategy: a single worker call targeting one
// user-supplied TransformHint. Strike intentionally does NOT run a snipe
// phase — snipe exists to spend a second call hunting the single highest-
// priority gap when a broad beam search under-delivers, but strike already
// is that single targeted call, so a snipe pass on top of it would just be
// strike calling itself again.
type Strike struct {
	worker llm.Client
	b      *bus.Bus
	Hint   types.TransformHint
}

var _ Strategy = (*Strike)(nil)

// NewStrike builds a Strike strategy targeting hint.
func NewStrike(worker llm.Client, b *bus.Bus, hint types.TransformHint) *Strike {
	return &Strike{worker: worker, b: b, Hint: hint}
}

func (s *Strike) Generate(ctx context.Context, sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, history []types.ValidationVerdict, policy config.StrategyPolicy) ([]types.Candidate, error) {
	queryID := knowledge.QueryID
	assignment := types.WorkerAssignment{WorkerID: "strike", Role: types.RoleStructuralAlt, Hints: fmtTransformHint(s.Hint)}
	publish(s.b, types.MsgWorkerDispatched, "strike", queryID, assignment)

	user := buildStrikePrompt(sql, dialect, knowledge, s.Hint, history)
	raw, usage, err := s.worker.Chat(ctx, strikeSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("strategy: strike worker call: %w", err)
	}
	var resp struct {
		RewriteSQL string   `json:"rewrite_sql"`
		Transforms []string `json:"transforms"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("strategy: decode strike response: %w", err)
	}
	if strings.TrimSpace(resp.RewriteSQL) == "" {
		return nil, fmt.Errorf("strategy: strike worker returned empty rewrite_sql")
	}

	raws := []rawCandidate{{
		QueryID:     queryID,
		OriginalSQL: sql,
		RewriteSQL:  resp.RewriteSQL,
		Dialect:     dialect,
		Source:      types.SourceStrike,
		WorkerID:    "strike",
		WorkerRole:  types.RoleStructuralAlt,
		Strategy:    "strike",
		Declared:    resp.Transforms,
		TokenUsage:  usage,
	}}
	publish(s.b, types.MsgWorkerCompleted, "strike", queryID, raws[0])
	candidates, err := normalize(raws, sharedParser, policy.ForbiddenConstructs)
	if err != nil {
		return nil, err
	}
	return applyConstraintMode(s.Hint, candidates), nil
}

// applyConstraintMode flags candidates whose detected transforms go beyond
// what a constraint_mode="only" hint declared — e.g. the worker said it
// applied decorrelation but the structural diff also shows a join-style
// change it never reported. The candidate still passes through; the note
// rides in Candidate.ConstraintNote for the validate layer to surface in
// the verdict.
func applyConstraintMode(hint types.TransformHint, candidates []types.Candidate) []types.Candidate {
	if hint.ConstraintMode != "only" || hint.TransformID == "" {
		return candidates
	}
	for i := range candidates {
		extra := extraTransforms(candidates[i].Transforms.Detected, hint.TransformID)
		if len(extra) > 0 {
			candidates[i].ConstraintNote = fmt.Sprintf("constraint_mode=only declared target %q but detected additional transforms %v", hint.TransformID, extra)
		}
	}
	return candidates
}

func extraTransforms(detected []string, target string) []string {
	var extra []string
	for _, d := range detected {
		if d != target {
			extra = append(extra, d)
		}
	}
	return extra
}

func buildStrikePrompt(sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, hint types.TransformHint, history []types.ValidationVerdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dialect: %s\nTransform hint: %s\n\nOriginal query:\n%s\n\n", dialect, fmtTransformHint(hint), sql)
	if len(history) > 0 {
		sb.WriteString("Prior attempts for this query (do not repeat a rejected rewrite verbatim):\n")
		for _, v := range history {
			fmt.Fprintf(&sb, "  - candidate=%s status=%s speedup=%.2fx reason=%s\n", v.CandidateID, v.Status, v.Speedup, v.Reason)
		}
		sb.WriteString("\n")
	}
	writeKnowledgeSection(&sb, knowledge)
	return sb.String()
}
