// Package types holds the wire-shaped data model shared across the
// knowledge, strategy, validate, and manifest layers. Nothing here performs
// I/O; it exists so the layers can pass values without importing each other.
package types

import "time"

// Dialect identifies a target SQL engine.
type Dialect string

// Source identifies which search strategy produced a Candidate.
type Source string

const (
	SourceBeam  Source = "beam"
	SourceStrike Source = "strike"
	SourceSnipe Source = "snipe"
	SourceRetry Source = "retry"
)

// WorkerRole names the assignment an analyst gives to one beam worker.
type WorkerRole string

const (
	RoleProvenCompound WorkerRole = "proven_compound"
	RoleStructuralAlt  WorkerRole = "structural_alt"
	RoleAggressive     WorkerRole = "aggressive"
	RoleExploration    WorkerRole = "exploration"
)

// Status is the verdict's final status classification, always derived from
// gate outcomes and measured speedup — never set directly by a strategy or
// caller.
type Status string

const (
	StatusWin        Status = "WIN"
	StatusImproved   Status = "IMPROVED"
	StatusNeutral    Status = "NEUTRAL"
	StatusRegression Status = "REGRESSION"
	StatusFail       Status = "FAIL"
)

// Gate names the four-stage pipeline a candidate passes through.
type Gate string

const (
	GateStatic      Gate = "static"
	GateSemantic    Gate = "semantic"
	GatePerformance Gate = "performance"
	GateVerdict     Gate = "verdict"
)

// PerfMethod records which performance-validation method produced a timing.
type PerfMethod string

const (
	PerfRace       PerfMethod = "race"
	PerfSequential PerfMethod = "sequential-n"
)

// SemanticConfidence grades how strongly the semantic gate could confirm
// equivalence given the sample.
type SemanticConfidence string

const (
	ConfidenceHigh             SemanticConfidence = "HIGH"
	ConfidenceMedium           SemanticConfidence = "MEDIUM"
	ConfidenceLow              SemanticConfidence = "LOW"
	ConfidenceSkipped          SemanticConfidence = "SKIPPED"
	ConfidenceZeroRowUnverified SemanticConfidence = "zero-row-unverified"
)

// StructuralFeatures are computed once per candidate during normalization.
type StructuralFeatures struct {
	ParseOK             bool    `json:"parse_ok"`
	ColumnSetMatch      bool    `json:"column_set_match"`
	OrderLimitPreserved bool    `json:"order_limit_preserved"`
	StructuralDiffScore float64 `json:"structural_diff_score"` // 0 (identical) .. 1 (unrelated)
	ForbiddenConstruct  bool    `json:"forbidden_construct"`
	DedupGroupIndex     int     `json:"dedup_group_index"`
}

// TransformSet is a declared-vs-detected pair of transform IDs.
type TransformSet struct {
	Declared []string `json:"declared"`
	Detected []string `json:"detected"`
}

// TokenUsage mirrors what an LLM provider reports, optionally supplemented by
// a pre-flight estimate when the provider doesn't report usage.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	EstimatedPrompt  int `json:"estimated_prompt,omitempty"`
}

// Candidate is a proposed rewrite of the original SQL. Immutable after
// normalization.
type Candidate struct {
	CandidateID     string             `json:"candidate_id"`
	QueryID         string             `json:"query_id"`
	OriginalSQL     string             `json:"original_sql"`
	RewriteSQL      string             `json:"rewrite_sql"`
	CanonicalSQL    string             `json:"canonical_sql"`
	Dialect         Dialect            `json:"dialect"`
	Source          Source             `json:"source"`
	WorkerID        string             `json:"worker_id,omitempty"`
	WorkerRole      WorkerRole         `json:"worker_role,omitempty"`
	Strategy        string             `json:"strategy"`
	Transforms      TransformSet       `json:"transforms"`
	ExamplesUsed    []string           `json:"examples_used"`
	RuntimeSettings map[string]string  `json:"runtime_settings,omitempty"`
	TokenUsage      TokenUsage         `json:"token_usage"`
	Features        StructuralFeatures `json:"features"`
	ContributingWorkers []string       `json:"contributing_workers,omitempty"` // all workers that produced this canonical form
	ConstraintNote  string             `json:"constraint_note,omitempty"`      // set when a TransformHint.ConstraintMode of "only" is violated by a detected transform
}

// MatchedExample is one gold example surfaced to a strategy, with the
// four-part explanation every matched example carries.
type MatchedExample struct {
	ExampleID       string   `json:"example_id"`
	BeforeSQL       string   `json:"before_sql"`
	AfterSQL        string   `json:"after_sql"`
	WhatTransformed string   `json:"what_transformed"`
	WhyItHelps      string   `json:"why_it_helps"`
	WhenToApply     string   `json:"when_to_apply"`
	WhenNotTo       string   `json:"when_not_to"`
	DemonstratesGaps []string `json:"demonstrates_gaps"`
	RelevanceScore  float64  `json:"relevance_score"`
	ValidatedSpeedup float64 `json:"validated_speedup"`
}

// FilteredGap is an engine-profile gap that fired against the query's
// FeatureVector, i.e. an actionable exploit opportunity.
type FilteredGap struct {
	GapID          string   `json:"gap_id"`
	Priority       int      `json:"priority"`
	Mechanism      string   `json:"mechanism"`
	Confidence     string   `json:"confidence"` // "high" | "medium" | "low"
	PositiveEvidence []string `json:"positive_evidence"`
	NegativeEvidence []string `json:"negative_evidence"`
}

// FilteredStrength is an engine-profile strength the query exhibits — workers
// are told not to spend effort "fixing" what already works.
type FilteredStrength struct {
	StrengthID string `json:"strength_id"`
	Mechanism  string `json:"mechanism"`
}

// TuningRule is a runtime-config suggestion, only present for dialects that
// support it.
type TuningRule struct {
	RuleID string            `json:"rule_id"`
	Trigger string           `json:"trigger"`
	Config map[string]string `json:"config"`
	Risk   string            `json:"risk"`
}

// KnowledgeResponse is Layer K's sole output — the assembled per-query
// guidance payload consumed by Layer S's prompt synthesis.
type KnowledgeResponse struct {
	QueryID          string             `json:"query_id"`
	Dialect          Dialect            `json:"dialect"`
	MatchedExamples  []MatchedExample   `json:"matched_examples"`
	FilteredGaps     []FilteredGap      `json:"filtered_gaps"`
	FilteredStrengths []FilteredStrength `json:"filtered_strengths"`
	TuningRules      []TuningRule       `json:"tuning_rules,omitempty"`
	Constraints      []string           `json:"constraints,omitempty"`
	KnowledgeVersion string             `json:"knowledge_version"`
}

// AnalystBriefing is the beam strategy's analyst-phase output: a bottleneck
// hypothesis and a per-worker assignment table.
type AnalystBriefing struct {
	BottleneckHypothesis string             `json:"bottleneck_hypothesis"`
	StructuralSignals    []string           `json:"structural_signals"`
	MatchedGapIDs        []string           `json:"matched_gap_ids"`
	WorkerAssignments    []WorkerAssignment `json:"worker_assignments"`
}

// WorkerAssignment is one row of the analyst's worker-assignment table.
type WorkerAssignment struct {
	WorkerID        string     `json:"worker_id"`
	Role            WorkerRole `json:"role"`
	PrimaryGapFamily string    `json:"primary_gap_family"`
	ExampleIDs      []string   `json:"example_ids"`
	Hints           string     `json:"hints"`
}

// TransformHint is the strike strategy's user-directed targeting input.
type TransformHint struct {
	FreeText       string `json:"free_text"`
	TransformID    string `json:"transform_id,omitempty"`
	TargetSubquery string `json:"target_subquery,omitempty"`
	ConstraintMode string `json:"constraint_mode,omitempty"` // "bias" | "constrain" | "only"
}

// RaceLaneTiming records one lane's outcome in a Gate-3 race.
type RaceLaneTiming struct {
	Lane      string `json:"lane"` // "original" or candidate_id
	ElapsedMs int64  `json:"elapsed_ms"`
	Won       bool   `json:"won"`
	Cancelled bool   `json:"cancelled"`
}

// FeedbackPack is attached to every verdict to seed retry prompts.
type FeedbackPack struct {
	SQLDiff             string           `json:"sql_diff"`
	SemanticDiagnostics string           `json:"semantic_diagnostics,omitempty"`
	OriginalPlan        string           `json:"original_plan,omitempty"`
	CandidatePlan       string           `json:"candidate_plan,omitempty"`
	RaceTimings         []RaceLaneTiming `json:"race_timings,omitempty"`
}

// ValidationVerdict is the authoritative outcome for one candidate.
type ValidationVerdict struct {
	CandidateID        string             `json:"candidate_id"`
	QueryID            string             `json:"query_id"`
	Status             Status             `json:"status"`
	Speedup            float64            `json:"speedup"`
	StaticPassed       bool               `json:"static_passed"`
	SemanticPassed     bool               `json:"semantic_passed"`
	PerfPassed         bool               `json:"perf_passed"`
	SemanticMethod     string             `json:"semantic_method"`
	SemanticConfidence SemanticConfidence `json:"semantic_confidence"`
	PerfMethod         PerfMethod         `json:"perf_method,omitempty"`
	GateFailed         Gate               `json:"gate_failed,omitempty"`
	Reason             string             `json:"reason"`
	PolicyDecision     string             `json:"policy_decision,omitempty"`
	BaselineMs         int64              `json:"baseline_ms"`
	CandidateMs        int64              `json:"candidate_ms"`
	BaselineRows       int64              `json:"baseline_rows"`
	CandidateRows      int64              `json:"candidate_rows"`
	Feedback           FeedbackPack       `json:"feedback"`
	Source             string             `json:"source"` // "fresh" | "cached"
	RunFingerprint     string             `json:"run_fingerprint"`
	SettingsHash       string             `json:"settings_hash"`
	DecidedAt          time.Time          `json:"decided_at"`
}

// EngineEnvironment captures the tunable knobs that feed a run_fingerprint.
type EngineEnvironment struct {
	BufferSizeMB   int    `json:"buffer_size_mb"`
	ParallelWorkers int   `json:"parallel_workers"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// RunManifest is written exactly once at invocation start and never
// modified thereafter.
type RunManifest struct {
	RunID              string            `json:"run_id"`
	CreatedAt          time.Time         `json:"created_at"`
	BenchmarkID        string            `json:"benchmark_id"`
	Engine             string            `json:"engine"`
	EngineVersion      string            `json:"engine_version"`
	Dataset            string            `json:"dataset"`
	ScaleFactor        float64           `json:"scale_factor"`
	EngineEnvironment  EngineEnvironment `json:"engine_environment"`
	StrategyPolicyName string            `json:"strategy_policy_name"`
	WorkerCount        int               `json:"worker_count"`
	Model              string            `json:"model"`
	ValidationMethod   string            `json:"validation_method"`
	GitSHA             string            `json:"git_sha,omitempty"`
	Version            string            `json:"version"`
	RunFingerprint     string            `json:"run_fingerprint"`
	SettingsHash       string            `json:"settings_hash"`
}

// EventKind labels one structured event in the per-run JSONL log.
type EventKind string

const (
	EventKnowledgeRetrieved EventKind = "knowledge_retrieved"
	EventWorkerDispatched   EventKind = "worker_dispatched"
	EventWorkerCompleted    EventKind = "worker_completed"
	EventCandidateNormalized EventKind = "candidate_normalized"
	EventGateTransition     EventKind = "gate_transition"
	EventCacheHit           EventKind = "cache_hit"
	EventCacheMiss          EventKind = "cache_miss"
	EventVerdict            EventKind = "verdict"
	EventRunBegin           EventKind = "run_begin"
	EventRunEnd             EventKind = "run_end"
)

// Event is one JSONL line in the per-run event log.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	QueryID   string    `json:"query_id,omitempty"`
	CandidateID string  `json:"candidate_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Gate      string    `json:"gate,omitempty"`
	Passed    *bool     `json:"passed,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// MessageType labels what Payload holds on the in-process bus. Distinct from
// EventKind: MessageType drives live pub/sub fan-out between goroutines
// within one run; EventKind labels a persisted JSONL line. The two enums
// stay in step (same vocabulary, different purpose) so a subscriber tapping
// the bus and a reader of the event log agree on what each stage is called.
type MessageType string

const (
	MsgKnowledgeRetrieved   MessageType = "knowledge_retrieved"
	MsgWorkerDispatched     MessageType = "worker_dispatched"
	MsgWorkerCompleted      MessageType = "worker_completed"
	MsgCandidateNormalized  MessageType = "candidate_normalized"
	MsgGateTransition       MessageType = "gate_transition"
	MsgCacheHit             MessageType = "cache_hit"
	MsgCacheMiss            MessageType = "cache_miss"
	MsgVerdict              MessageType = "verdict"
	MsgRunBegin             MessageType = "run_begin"
	MsgRunEnd               MessageType = "run_end"
)

// Message is one item on the in-process bus. Payload carries the
// type-specific struct (e.g. a ValidationVerdict for MsgVerdict); consumers
// type-assert it after checking Type. To is advisory (for log readability)
// since Subscribe delivers by Type, not by recipient.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	QueryID   string      `json:"query_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
