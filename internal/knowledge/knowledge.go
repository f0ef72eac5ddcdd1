// Package knowledge implements Layer K: given a query's structural shape,
// retrieve the gold examples, engine-profile gaps/strengths, and tuning
// rules that are actually relevant to it. The retrieve-then-filter shape —
// fetch a candidate set, score it against the current request, keep only
// what clears a relevance floor — the same retrieve-then-filter shape as a
// calibration step (fetch memory entries, then keyword-filter and rank them
// against the current task's intent before they ever reach a prompt).
package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clipperhouse/uax29/v2/words"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/sqlfeat"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// KnowledgeUnavailable is returned when no EngineProfile is loaded for the
// requested dialect. It is fatal for the query it was raised against: with
// no gap/strength catalog to filter, Layer K has nothing to hand the
// strategy layer, and the run halts for that query rather than proceeding
// on an empty guidance payload silently mistaken for "nothing fired".
type KnowledgeUnavailable struct {
	Dialect types.Dialect
}

func (e *KnowledgeUnavailable) Error() string {
	return fmt.Sprintf("knowledge: no engine profile loaded for dialect %q", e.Dialect)
}

// Retriever is Layer K's entry point.
type Retriever struct {
	corpus *Corpus
	parser sqlfeat.Parser
}

// New builds a Retriever over corpus using parser to extract structural
// features from incoming SQL.
func New(corpus *Corpus, parser sqlfeat.Parser) *Retriever {
	return &Retriever{corpus: corpus, parser: parser}
}

// Retrieve assembles the KnowledgeResponse for one query: matched examples
// ranked by relevance, gaps/strengths whose predicates fire against the
// query's FeatureVector, and any tuning rules the dialect supports.
func (r *Retriever) Retrieve(sql string, dialect types.Dialect, policy config.KnowledgePolicy) (types.KnowledgeResponse, error) {
	if !r.corpus.HasProfile(dialect) {
		return types.KnowledgeResponse{}, &KnowledgeUnavailable{Dialect: dialect}
	}

	ast, err := r.parser.Parse(sql, dialect)
	if err != nil {
		return types.KnowledgeResponse{}, err
	}
	features := r.parser.Features(ast)
	queryTags := features.Tags()
	archetype := coarseArchetype(features)

	matched := r.matchExamples(queryTags, archetype, dialect, policy)
	gaps := r.filterGaps(features, dialect)
	strengths := r.filterStrengths(features, dialect)
	rules := r.filterTuningRules(features, dialect)

	return types.KnowledgeResponse{
		Dialect:           dialect,
		MatchedExamples:   matched,
		FilteredGaps:      gaps,
		FilteredStrengths: strengths,
		TuningRules:       rules,
		KnowledgeVersion:  r.corpus.Version(),
	}, nil
}

// coarseArchetype buckets a FeatureVector into one of a handful of named
// query shapes, used as a cheap relevance bonus on top of tag Jaccard —
// two queries can share every tag yet be structurally unlike each other
// (e.g. one correlated subquery vs. three independent ones), and archetype
// agreement catches that where tag overlap alone would not.
func coarseArchetype(f sqlfeat.FeatureVector) string {
	switch {
	case f.CorrelatedSubqueries > 0:
		return "correlated_subquery"
	case f.CTECount > 0:
		return "cte_pipeline"
	case f.JoinStyle == "mixed" || (f.JoinStyle != "none" && f.TableCount >= 3):
		return "multi_join"
	case f.HasUnion:
		return "union_shape"
	case f.AggregationShape == "windowed":
		return "windowed_aggregation"
	case f.AggregationShape == "grouped":
		return "grouped_aggregation"
	case f.JoinStyle != "none":
		return "simple_join"
	default:
		return "single_table"
	}
}

// matchExamples scores every corpus example via Jaccard overlap on tags plus
// an archetype-agreement bonus, keeps what clears MinMatchScore, and returns
// the top MaxExamples sorted by score descending (validated speedup
// descending, then example_id ascending as the tie-breaks, for
// deterministic output).
func (r *Retriever) matchExamples(queryTags []string, archetype string, dialect types.Dialect, policy config.KnowledgePolicy) []types.MatchedExample {
	type scored struct {
		ex    GoldExample
		score float64
	}
	var candidates []scored
	for _, ex := range r.corpus.Examples {
		if ex.Dialect != "" && ex.Dialect != string(dialect) {
			continue
		}
		score := jaccard(queryTags, ex.Tags)
		if ex.Archetype != "" && ex.Archetype == archetype {
			score += 0.25
		}
		if score >= policy.MinMatchScore {
			candidates = append(candidates, scored{ex: ex, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].ex.ValidatedSpeedup != candidates[j].ex.ValidatedSpeedup {
			return candidates[i].ex.ValidatedSpeedup > candidates[j].ex.ValidatedSpeedup
		}
		return candidates[i].ex.ExampleID < candidates[j].ex.ExampleID
	})
	if len(candidates) > policy.MaxExamples {
		candidates = candidates[:policy.MaxExamples]
	}

	out := make([]types.MatchedExample, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, types.MatchedExample{
			ExampleID:        c.ex.ExampleID,
			BeforeSQL:        c.ex.BeforeSQL,
			AfterSQL:         c.ex.AfterSQL,
			WhatTransformed:  c.ex.WhatTransformed,
			WhyItHelps:       c.ex.WhyItHelps,
			WhenToApply:      c.ex.WhenToApply,
			WhenNotTo:        c.ex.WhenNotTo,
			DemonstratesGaps: c.ex.DemonstratesGaps,
			RelevanceScore:   c.score,
			ValidatedSpeedup: c.ex.ValidatedSpeedup,
		})
	}
	return out
}

// jaccard is the intersection-over-union of two already-sorted-or-not tag
// sets — order doesn't matter, membership does.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	intersection := 0
	union := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		union[t] = true
	}
	for _, t := range b {
		if set[t] {
			intersection++
		}
		union[t] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

// filterGaps returns the dialect's gaps whose predicate matches features,
// sorted by priority ascending (priority 1 = most actionable, surfaced
// first to workers).
func (r *Retriever) filterGaps(features sqlfeat.FeatureVector, dialect types.Dialect) []types.FilteredGap {
	profile := r.corpus.ForDialect(dialect)
	var out []types.FilteredGap
	for _, g := range profile.Gaps {
		if !g.Predicate.Matches(features) {
			continue
		}
		out = append(out, types.FilteredGap{
			GapID:            g.GapID,
			Priority:         g.Priority,
			Mechanism:        g.Mechanism,
			Confidence:       g.Confidence,
			PositiveEvidence: g.PositiveEvidence,
			NegativeEvidence: g.NegativeEvidence,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// filterStrengths returns the dialect's strengths whose predicate matches
// features — told to workers so a candidate doesn't waste effort "fixing"
// behavior the engine already handles well.
func (r *Retriever) filterStrengths(features sqlfeat.FeatureVector, dialect types.Dialect) []types.FilteredStrength {
	profile := r.corpus.ForDialect(dialect)
	var out []types.FilteredStrength
	for _, s := range profile.Strengths {
		if !s.Predicate.Matches(features) {
			continue
		}
		out = append(out, types.FilteredStrength{StrengthID: s.StrengthID, Mechanism: s.Mechanism})
	}
	return out
}

// filterTuningRules returns tuning rules whose trigger predicate matches
// features and whose SupportedDialects includes dialect — runtime-config
// suggestions are dialect-specific and must never be surfaced for an engine
// that doesn't support the knob.
func (r *Retriever) filterTuningRules(features sqlfeat.FeatureVector, dialect types.Dialect) []types.TuningRule {
	profile := r.corpus.ForDialect(dialect)
	var out []types.TuningRule
	for _, rule := range profile.TuningRules {
		if !dialectSupported(rule.SupportedDialects, dialect) {
			continue
		}
		if !rule.Trigger.Matches(features) {
			continue
		}
		out = append(out, types.TuningRule{
			RuleID:  rule.RuleID,
			Trigger: rule.RuleID,
			Config:  rule.Config,
			Risk:    rule.Risk,
		})
	}
	return out
}

func dialectSupported(supported []string, dialect types.Dialect) bool {
	if len(supported) == 0 {
		return true
	}
	for _, d := range supported {
		if d == string(dialect) {
			return true
		}
	}
	return false
}

// HintTokens splits free text (a strike-mode TransformHint.FreeText) into
// lowercase word tokens using Unicode word-boundary segmentation — so a hint
// like "de-correlate the subquery" tokenizes the same way whether it came in
// as ASCII or with full-width punctuation from a non-Latin input method.
func HintTokens(text string) []string {
	var tokens []string
	for token := range words.FromString(text) {
		t := strings.ToLower(strings.TrimSpace(token))
		if t == "" || !isWordish(t) {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

func isWordish(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127 {
			return true
		}
	}
	return false
}
