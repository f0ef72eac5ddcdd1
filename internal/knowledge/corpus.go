package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/JKR8/querytorque-v8-sub005/internal/sqlfeat"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// GoldExample is one corpus entry: a validated before/after transform pair
// with the four-part explanation every matched example is required to
// carry (what/why/when/when-not).
type GoldExample struct {
	ExampleID        string   `json:"example_id"`
	Dialect          string   `json:"dialect"`
	BeforeSQL        string   `json:"before_sql"`
	AfterSQL         string   `json:"after_sql"`
	WhatTransformed  string   `json:"what_transformed"`
	WhyItHelps       string   `json:"why_it_helps"`
	WhenToApply      string   `json:"when_to_apply"`
	WhenNotTo        string   `json:"when_not_to"`
	DemonstratesGaps []string `json:"demonstrates_gaps"`
	Tags             []string `json:"tags"`
	Archetype        string   `json:"archetype"` // coarse query shape, e.g. "correlated_subquery", "star_join"
	ValidatedSpeedup float64  `json:"validated_speedup"`
}

// FeaturePredicate describes the structural conditions under which a gap or
// strength fires against a query's FeatureVector. Zero-value fields are
// "don't care" — only non-zero/true fields constrain the match.
type FeaturePredicate struct {
	RequireJoinStyle     string `json:"require_join_style,omitempty"`
	RequireSubquery      bool   `json:"require_subquery,omitempty"`
	RequireCorrelated    bool   `json:"require_correlated,omitempty"`
	MinSubqueryCount     int    `json:"min_subquery_count,omitempty"`
	RequireOR            bool   `json:"require_or,omitempty"`
	RequireUnion         bool   `json:"require_union,omitempty"`
	RequireCTE           bool   `json:"require_cte,omitempty"`
	MinCTEDepth          int    `json:"min_cte_depth,omitempty"`
	RequireAggregation   string `json:"require_aggregation,omitempty"` // "simple" | "grouped" | "windowed" | "" (any non-none)
	RequireDistinct      bool   `json:"require_distinct,omitempty"`
}

// Matches reports whether f satisfies p. An empty/zero-value p matches
// everything — useful for strengths that are always worth mentioning.
func (p FeaturePredicate) Matches(f sqlfeat.FeatureVector) bool {
	if p.RequireJoinStyle != "" && f.JoinStyle != p.RequireJoinStyle {
		return false
	}
	if p.RequireSubquery && f.SubqueryCount == 0 {
		return false
	}
	if p.RequireCorrelated && f.CorrelatedSubqueries == 0 {
		return false
	}
	if p.MinSubqueryCount > 0 && f.SubqueryCount < p.MinSubqueryCount {
		return false
	}
	if p.RequireOR && !f.HasOR {
		return false
	}
	if p.RequireUnion && !f.HasUnion {
		return false
	}
	if p.RequireCTE && f.CTECount == 0 {
		return false
	}
	if p.MinCTEDepth > 0 && f.CTEMaxDepth < p.MinCTEDepth {
		return false
	}
	if p.RequireAggregation != "" && f.AggregationShape != p.RequireAggregation {
		return false
	}
	if p.RequireDistinct && !f.HasDistinct {
		return false
	}
	return true
}

// GapDef is one entry of an engine profile's gap catalog — a known class of
// missed optimization opportunity, with positive/negative evidence text
// surfaced to workers once it fires.
type GapDef struct {
	GapID            string           `json:"gap_id"`
	Priority         int              `json:"priority"`
	Mechanism        string           `json:"mechanism"`
	Confidence       string           `json:"confidence"`
	Predicate        FeaturePredicate `json:"predicate"`
	PositiveEvidence []string         `json:"positive_evidence"`
	NegativeEvidence []string         `json:"negative_evidence"`
}

// StrengthDef is one entry of an engine profile's strength catalog — a
// behavior the engine already handles well, told to workers so they don't
// waste a candidate "fixing" it.
type StrengthDef struct {
	StrengthID string           `json:"strength_id"`
	Mechanism  string           `json:"mechanism"`
	Predicate  FeaturePredicate `json:"predicate"`
}

// TuningRuleDef is a runtime-config suggestion gated on dialect support.
type TuningRuleDef struct {
	RuleID           string            `json:"rule_id"`
	SupportedDialects []string         `json:"supported_dialects"`
	Trigger          FeaturePredicate  `json:"trigger"`
	Config           map[string]string `json:"config"`
	Risk             string            `json:"risk"`
}

// EngineProfile is the gap/strength/tuning-rule catalog for one dialect,
// derived from the engine's documented behavior — the "what this engine is
// known to get wrong/right" reference Layer K filters per query.
type EngineProfile struct {
	Dialect     string          `json:"dialect"`
	Gaps        []GapDef        `json:"gaps"`
	Strengths   []StrengthDef   `json:"strengths"`
	TuningRules []TuningRuleDef `json:"tuning_rules"`
}

// Corpus bundles the gold examples and engine profiles Retrieve draws on. It
// is built once via LoadCorpus and treated as read-only thereafter — the
// same "arena and index, IDs as the sole cross-reference" shape, the
// design notes call for, with ExampleID/GapID acting as the cross-reference
// keys.
type Corpus struct {
	Examples []GoldExample
	Profiles map[string]EngineProfile // keyed by dialect
	version  string
}

// LoadCorpus builds a Corpus from examples and profiles, warning (not
// failing) about any example whose demonstrates_gaps references a gap_id
// absent from every profile — a dangling reference does not block a run;
// the offending example is left out of the loaded corpus.
//
// Expectations:
//   - Computes a stable KnowledgeVersion from the serialized corpus content
//   - Logs a warning for each dangling demonstrates_gaps reference and excludes that example
//   - Indexes profiles by dialect for O(1) lookup in Retrieve
func LoadCorpus(examples []GoldExample, profiles []EngineProfile) (*Corpus, error) {
	knownGaps := make(map[string]bool)
	profileByDialect := make(map[string]EngineProfile, len(profiles))
	for _, p := range profiles {
		profileByDialect[p.Dialect] = p
		for _, g := range p.Gaps {
			knownGaps[g.GapID] = true
		}
	}
	kept := make([]GoldExample, 0, len(examples))
	for _, ex := range examples {
		dangling := false
		for _, gapID := range ex.DemonstratesGaps {
			if !knownGaps[gapID] {
				log.Printf("[knowledge] WARNING: example %s references unknown gap_id %q; example excluded", ex.ExampleID, gapID)
				dangling = true
			}
		}
		if !dangling {
			kept = append(kept, ex)
		}
	}

	version, err := fingerprintCorpus(examples, profiles)
	if err != nil {
		return nil, fmt.Errorf("knowledge: fingerprint corpus: %w", err)
	}

	return &Corpus{Examples: kept, Profiles: profileByDialect, version: version}, nil
}

// Version returns the corpus's knowledge_version: the first 16 hex
// characters of a SHA-256 digest over its serialized content — a content
// hash rather than a manually bumped semver, so any corpus edit is
// automatically a new version.
func (c *Corpus) Version() string { return c.version }

func fingerprintCorpus(examples []GoldExample, profiles []EngineProfile) (string, error) {
	sorted := make([]GoldExample, len(examples))
	copy(sorted, examples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExampleID < sorted[j].ExampleID })

	sortedProfiles := make([]EngineProfile, len(profiles))
	copy(sortedProfiles, profiles)
	sort.Slice(sortedProfiles, func(i, j int) bool { return sortedProfiles[i].Dialect < sortedProfiles[j].Dialect })

	raw, err := json.Marshal(struct {
		Examples []GoldExample   `json:"examples"`
		Profiles []EngineProfile `json:"profiles"`
	}{sorted, sortedProfiles})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16], nil
}

// ForDialect returns the EngineProfile loaded for dialect. Callers that need
// to distinguish "no profile loaded" from "profile loaded but empty" must
// check HasProfile first — a zero-value EngineProfile is indistinguishable
// from either case on its own.
func (c *Corpus) ForDialect(dialect types.Dialect) EngineProfile {
	return c.Profiles[string(dialect)]
}

// HasProfile reports whether an EngineProfile was loaded for dialect.
// Retrieve calls this before filtering gaps/strengths/tuning rules and
// raises KnowledgeUnavailable when it's false, rather than silently
// returning an empty-looking-but-actually-missing guidance payload.
func (c *Corpus) HasProfile(dialect types.Dialect) bool {
	_, ok := c.Profiles[string(dialect)]
	return ok
}
