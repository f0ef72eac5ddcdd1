package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/JKR8/querytorque-v8-sub005/internal/sqlfeat"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// rawCandidate is what a worker goroutine produces before normalization —
// everything a Candidate needs except the fields only normalization can
// compute (CandidateID, CanonicalSQL, Features).
type rawCandidate struct {
	QueryID         string
	OriginalSQL     string
	RewriteSQL      string
	Dialect         types.Dialect
	Source          types.Source
	WorkerID        string
	WorkerRole      types.WorkerRole
	Strategy        string
	Declared        []string
	ExamplesUsed    []string
	RuntimeSettings map[string]string
	TokenUsage      types.TokenUsage
}

// normalize turns raw worker output into deduplicated, ranked Candidates:
// parse, canonicalize, compute candidate_id from the canonical form, merge
// candidates whose canonical SQL matches (keeping the first worker's
// provenance, recording every contributing worker, and merging the
// examples-used sets), then rank by structural_diff_score descending with worker_id
// ascending as the tie-break — the highest-signal, most-reproducible
// candidates surface first regardless of which worker goroutine happened to
// finish first.
func normalize(raws []rawCandidate, parser sqlfeat.Parser, forbidden []string) ([]types.Candidate, error) {
	origAST, origErr := parser.Parse(raws[0].OriginalSQL, raws[0].Dialect)
	var origTokens []sqlfeat.Token
	var origCols []string
	var origFeatures sqlfeat.FeatureVector
	if origErr == nil {
		origTokens = origAST.Tokens
		origCols = parser.ColumnSet(origAST)
		origFeatures = parser.Features(origAST)
	}

	byCanonical := make(map[string]*types.Candidate)
	var order []string

	for _, raw := range raws {
		ast, err := parser.Parse(raw.RewriteSQL, raw.Dialect)
		parseOK := err == nil
		var canonical string
		var features types.StructuralFeatures
		var detectedTransforms []string
		if parseOK {
			canonical = parser.Canonicalize(ast)
			detected := parser.ForbiddenStatements(ast, forbidden)
			candCols := parser.ColumnSet(ast)
			candFeatures := parser.Features(ast)
			features = types.StructuralFeatures{
				ParseOK:             true,
				ColumnSetMatch:      columnSetsEquivalent(origCols, candCols),
				OrderLimitPreserved: origErr != nil || (candFeatures.HasOrderBy == origFeatures.HasOrderBy && candFeatures.HasLimit == origFeatures.HasLimit),
				StructuralDiffScore: structuralDiffScore(origTokens, ast.Tokens),
				ForbiddenConstruct:  len(detected) > 0,
			}
			if origErr == nil {
				detectedTransforms = detectTransforms(origFeatures, candFeatures)
			}
		} else {
			// Unparseable rewrites still get a candidate_id (from the raw SQL
			// text) so the static gate has something to reject with a reason,
			// rather than silently vanishing from the candidate set.
			canonical = raw.RewriteSQL
			features = types.StructuralFeatures{ParseOK: false}
		}

		id := candidateID(canonical, raw.Dialect)
		if existing, ok := byCanonical[id]; ok {
			existing.ContributingWorkers = append(existing.ContributingWorkers, raw.WorkerID)
			for _, exID := range raw.ExamplesUsed {
				seen := false
				for _, have := range existing.ExamplesUsed {
					if have == exID {
						seen = true
						break
					}
				}
				if !seen {
					existing.ExamplesUsed = append(existing.ExamplesUsed, exID)
				}
			}
			continue
		}

		cand := &types.Candidate{
			CandidateID:     id,
			QueryID:         raw.QueryID,
			OriginalSQL:     raw.OriginalSQL,
			RewriteSQL:      raw.RewriteSQL,
			CanonicalSQL:    canonical,
			Dialect:         raw.Dialect,
			Source:          raw.Source,
			WorkerID:        raw.WorkerID,
			WorkerRole:      raw.WorkerRole,
			Strategy:        raw.Strategy,
			Transforms:      types.TransformSet{Declared: raw.Declared, Detected: detectedTransforms},
			ExamplesUsed:    append([]string(nil), raw.ExamplesUsed...),
			RuntimeSettings: raw.RuntimeSettings,
			ContributingWorkers: []string{raw.WorkerID},
			TokenUsage:      raw.TokenUsage,
			Features:        features,
		}
		byCanonical[id] = cand
		order = append(order, id)
	}

	out := make([]types.Candidate, 0, len(order))
	for i, id := range order {
		c := byCanonical[id]
		c.Features.DedupGroupIndex = i
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Features.StructuralDiffScore != out[j].Features.StructuralDiffScore {
			return out[i].Features.StructuralDiffScore > out[j].Features.StructuralDiffScore
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out, nil
}

// candidateID implements candidate_id = hash(canonical_sql ∥ dialect).
func candidateID(canonicalSQL string, dialect types.Dialect) string {
	sum := sha256.Sum256([]byte(canonicalSQL + "|" + string(dialect)))
	return hex.EncodeToString(sum[:])[:16]
}

// columnSetsEquivalent treats a "*" projection on either side as compatible
// with anything — a SELECT * candidate can't be faulted for a differing
// explicit column list, and a candidate that replaces SELECT * with an
// explicit list is the expected shape of a column-pruning rewrite. Otherwise
// the two sets must match exactly regardless of order.
func columnSetsEquivalent(a, b []string) bool {
	if containsStar(a) || containsStar(b) {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func containsStar(cols []string) bool {
	for _, c := range cols {
		if c == "*" {
			return true
		}
	}
	return false
}

// structuralDiffScore is a bag-of-tokens Jaccard distance between the
// original and candidate token streams: 0 means token-for-token identical,
// 1 means no shared tokens at all. Using multiset (not set) membership so
// "SELECT a, a" registers as different from "SELECT a".
func structuralDiffScore(orig, cand []sqlfeat.Token) float64 {
	if len(orig) == 0 && len(cand) == 0 {
		return 0
	}
	origCounts := tokenCounts(orig)
	candCounts := tokenCounts(cand)

	intersection, union := 0, 0
	seen := make(map[string]bool, len(origCounts)+len(candCounts))
	for text, oc := range origCounts {
		cc := candCounts[text]
		if oc < cc {
			intersection += oc
		} else {
			intersection += cc
		}
		if oc > cc {
			union += oc
		} else {
			union += cc
		}
		seen[text] = true
	}
	for text, cc := range candCounts {
		if seen[text] {
			continue
		}
		union += cc
	}
	if union == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(union)
}

// detectTransforms diffs two FeatureVectors into a best-effort list of
// structural transform tags — the post-hoc counterpart to a worker's
// self-reported Declared transforms, used to catch a worker under- or
// over-reporting what it actually did.
func detectTransforms(orig, cand sqlfeat.FeatureVector) []string {
	var out []string
	if cand.JoinStyle != orig.JoinStyle {
		out = append(out, "join_style_change")
	}
	switch {
	case cand.SubqueryCount < orig.SubqueryCount:
		out = append(out, "subquery_reduction")
	case cand.SubqueryCount > orig.SubqueryCount:
		out = append(out, "subquery_introduction")
	}
	if cand.CorrelatedSubqueries < orig.CorrelatedSubqueries {
		out = append(out, "decorrelation")
	}
	if cand.CTECount != orig.CTECount {
		out = append(out, "cte_restructure")
	}
	if cand.HasUnion != orig.HasUnion {
		out = append(out, "union_change")
	}
	if cand.HasDistinct != orig.HasDistinct {
		out = append(out, "distinct_change")
	}
	if cand.AggregationShape != orig.AggregationShape {
		out = append(out, "aggregation_change")
	}
	return out
}

func tokenCounts(tokens []sqlfeat.Token) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		if t.Kind == sqlfeat.KindComment {
			continue
		}
		counts[t.Text]++
	}
	return counts
}
