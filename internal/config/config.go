// Package config holds the policy structs that parameterize the knowledge,
// strategy, and validate layers, plus the tiered environment-variable
// resolution used to configure LLM clients. None of this reads a config
// file — policy shapes are Go structs with documented defaults, since
// configuration-file loading is explicitly out of the core's scope.
package config

import "os"

// KnowledgePolicy bounds Layer K's retrieval.
type KnowledgePolicy struct {
	MaxExamples      int     // top-K examples returned
	MinMatchScore    float64 // floor below which an example is not returned
}

// DefaultKnowledgePolicy favors small, explicit defaults over magic
// numbers scattered through the code.
func DefaultKnowledgePolicy() KnowledgePolicy {
	return KnowledgePolicy{MaxExamples: 5, MinMatchScore: 0.15}
}

// KnowledgePolicyOption mutates a KnowledgePolicy.
type KnowledgePolicyOption func(*KnowledgePolicy)

// WithMaxExamples overrides MaxExamples.
func WithMaxExamples(n int) KnowledgePolicyOption {
	return func(p *KnowledgePolicy) { p.MaxExamples = n }
}

// WithMinMatchScore overrides MinMatchScore.
func WithMinMatchScore(s float64) KnowledgePolicyOption {
	return func(p *KnowledgePolicy) { p.MinMatchScore = s }
}

// NewKnowledgePolicy builds a policy from DefaultKnowledgePolicy plus opts.
func NewKnowledgePolicy(opts ...KnowledgePolicyOption) KnowledgePolicy {
	p := DefaultKnowledgePolicy()
	for _, o := range opts {
		o(&p)
	}
	return p
}

// StrategyPolicy parameterizes Layer S.
type StrategyPolicy struct {
	Mode          string // "beam" | "strike"
	WorkerCount   int
	Model         string
	SnipeEnabled  bool
	SnipeTargetSpeedup float64
	ForbiddenConstructs []string
	AllowedTransforms   []string // empty = no allowlist restriction
	BlockedTransforms   []string
}

// DefaultStrategyPolicy defaults WorkerCount to 4, a typical beam width.
func DefaultStrategyPolicy() StrategyPolicy {
	return StrategyPolicy{
		Mode:         "beam",
		WorkerCount:  4,
		SnipeEnabled: true,
		SnipeTargetSpeedup: 1.10,
		ForbiddenConstructs: []string{"DROP", "DELETE", "INSERT", "UPDATE", "GRANT", "ALTER", "TRUNCATE", "MERGE", "COPY"},
	}
}

// StrategyPolicyOption mutates a StrategyPolicy.
type StrategyPolicyOption func(*StrategyPolicy)

func WithMode(mode string) StrategyPolicyOption {
	return func(p *StrategyPolicy) { p.Mode = mode }
}

func WithWorkerCount(n int) StrategyPolicyOption {
	return func(p *StrategyPolicy) { p.WorkerCount = n }
}

func WithSnipeEnabled(enabled bool) StrategyPolicyOption {
	return func(p *StrategyPolicy) { p.SnipeEnabled = enabled }
}

// NewStrategyPolicy builds a policy from DefaultStrategyPolicy plus opts.
func NewStrategyPolicy(opts ...StrategyPolicyOption) StrategyPolicy {
	p := DefaultStrategyPolicy()
	for _, o := range opts {
		o(&p)
	}
	return p
}

// ValidationPolicy parameterizes Layer V.
type ValidationPolicy struct {
	SemanticSamplePercent float64
	SemanticEpsilon       float64 // relative tolerance for numeric comparison
	RaceThresholdMs       int64   // baseline duration above which race is used
	RaceGracePeriodMs     int64
	SequentialRuns        int // N for trimmed mean (before discarding min/max)
	VarianceThreshold     float64 // minimum improvement to promote from NEUTRAL
	PerQueryTimeoutMs     int64
	Method                string // "auto" | "race" | "sequential" — "auto" consults RaceThresholdMs
}

// DefaultValidationPolicy encodes the default validation thresholds: 2%
// sample, 1e-9 relative epsilon, 2s race threshold, N=5 trimmed mean, 5%
// variance threshold.
func DefaultValidationPolicy() ValidationPolicy {
	return ValidationPolicy{
		SemanticSamplePercent: 2.0,
		SemanticEpsilon:       1e-9,
		RaceThresholdMs:       2000,
		RaceGracePeriodMs:     250,
		SequentialRuns:        5,
		VarianceThreshold:     0.05,
		PerQueryTimeoutMs:     120_000,
		Method:                "auto",
	}
}

// ValidationPolicyOption mutates a ValidationPolicy.
type ValidationPolicyOption func(*ValidationPolicy)

func WithSemanticEpsilon(eps float64) ValidationPolicyOption {
	return func(p *ValidationPolicy) { p.SemanticEpsilon = eps }
}

func WithRaceThresholdMs(ms int64) ValidationPolicyOption {
	return func(p *ValidationPolicy) { p.RaceThresholdMs = ms }
}

func WithPerQueryTimeoutMs(ms int64) ValidationPolicyOption {
	return func(p *ValidationPolicy) { p.PerQueryTimeoutMs = ms }
}

// NewValidationPolicy builds a policy from DefaultValidationPolicy plus opts.
func NewValidationPolicy(opts ...ValidationPolicyOption) ValidationPolicy {
	p := DefaultValidationPolicy()
	for _, o := range opts {
		o(&p)
	}
	return p
}

// LLMTierConfig is the resolved configuration for one named LLM tier.
type LLMTierConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Label   string
}

// ResolveLLMTier reads {prefix}_{KEY} falling back to TORQUE_{KEY} for each
// of BASE_URL/API_KEY/MODEL, the same fallback chain internal/llm.NewTier
// uses per named tier. An empty prefix reads only the shared TORQUE_* vars.
//
// Expectations:
//   - Uses {prefix}_BASE_URL / _API_KEY / _MODEL when set and non-empty
//   - Falls back to TORQUE_* vars for any unset tier-specific var
//   - Empty prefix reads only TORQUE_* vars
func ResolveLLMTier(prefix string) LLMTierConfig {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	label := prefix
	if label == "" {
		label = "LLM"
	}
	return LLMTierConfig{
		BaseURL: get("BASE_URL", "TORQUE_BASE_URL"),
		APIKey:  get("API_KEY", "TORQUE_API_KEY"),
		Model:   get("MODEL", "TORQUE_MODEL"),
		Label:   label,
	}
}
