// Package manifest builds and persists the RunManifest: the one
// immutable record of what a run actually was — engine, dataset,
// policy, and the two fingerprints (run_fingerprint, settings_hash)
// everything else keys off. Registry.WriteOnce enforces a
// write-once-per-id discipline at the filesystem level: a RunManifest
// is written exactly once at invocation start and never modified
// thereafter.
package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// Inputs bundles everything BuildManifest needs to compose a
// RunManifest's identity and fingerprints.
type Inputs struct {
	RunID              string
	BenchmarkID        string
	Engine             string
	EngineVersion      string
	Dataset            string
	ScaleFactor        float64
	SchemaFingerprint  string // execiface.Schema.Fingerprint() of the target database
	EngineEnvironment  types.EngineEnvironment
	StrategyPolicy     config.StrategyPolicy
	ValidationPolicy   config.ValidationPolicy
	KnowledgePolicy    config.KnowledgePolicy
	KnowledgeVersion   string // corpus.Version() at retrieval time
	Model              string
	GitSHA             string
	Version            string
}

// BuildManifest composes a RunManifest from in, computing RunFingerprint
// from everything that affects whether a cached verdict is still valid
// against the physical database (engine identity, schema shape, engine
// tunables) and SettingsHash from everything that affects whether a
// cached verdict is still valid against the validation configuration
// (strategy/knowledge/validation policy, corpus version). Changing
// either recomputes a different key, which is the entire cache
// invalidation mechanism — there is no TTL anywhere in this system.
func BuildManifest(in Inputs, createdAt time.Time) types.RunManifest {
	return types.RunManifest{
		RunID:              in.RunID,
		CreatedAt:          createdAt,
		BenchmarkID:        in.BenchmarkID,
		Engine:             in.Engine,
		EngineVersion:      in.EngineVersion,
		Dataset:            in.Dataset,
		ScaleFactor:        in.ScaleFactor,
		EngineEnvironment:  in.EngineEnvironment,
		StrategyPolicyName: in.StrategyPolicy.Mode,
		WorkerCount:        in.StrategyPolicy.WorkerCount,
		Model:              in.Model,
		ValidationMethod:   in.ValidationPolicy.Method,
		GitSHA:             in.GitSHA,
		Version:            in.Version,
		RunFingerprint:     computeRunFingerprint(in),
		SettingsHash:       computeSettingsHash(in),
	}
}

func computeRunFingerprint(in Inputs) string {
	var sb strings.Builder
	sb.WriteString(in.Engine)
	sb.WriteByte('|')
	sb.WriteString(in.EngineVersion)
	sb.WriteByte('|')
	sb.WriteString(in.Dataset)
	sb.WriteByte('|')
	fmt.Fprintf(&sb, "%g", in.ScaleFactor)
	sb.WriteByte('|')
	sb.WriteString(in.SchemaFingerprint)
	sb.WriteByte('|')
	fmt.Fprintf(&sb, "%d,%d", in.EngineEnvironment.BufferSizeMB, in.EngineEnvironment.ParallelWorkers)
	writeSortedMap(&sb, in.EngineEnvironment.Extra)
	return shortHash(sb.String())
}

func computeSettingsHash(in Inputs) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "strategy:%s|%d|%t|%g", in.StrategyPolicy.Mode, in.StrategyPolicy.WorkerCount, in.StrategyPolicy.SnipeEnabled, in.StrategyPolicy.SnipeTargetSpeedup)
	sb.WriteByte('|')
	writeSortedSlice(&sb, in.StrategyPolicy.ForbiddenConstructs)
	writeSortedSlice(&sb, in.StrategyPolicy.AllowedTransforms)
	writeSortedSlice(&sb, in.StrategyPolicy.BlockedTransforms)
	fmt.Fprintf(&sb, "|validate:%g|%g|%d|%d|%d|%g|%d|%s",
		in.ValidationPolicy.SemanticSamplePercent, in.ValidationPolicy.SemanticEpsilon,
		in.ValidationPolicy.RaceThresholdMs, in.ValidationPolicy.RaceGracePeriodMs,
		in.ValidationPolicy.SequentialRuns, in.ValidationPolicy.VarianceThreshold,
		in.ValidationPolicy.PerQueryTimeoutMs, in.ValidationPolicy.Method)
	fmt.Fprintf(&sb, "|knowledge:%d|%g|%s", in.KnowledgePolicy.MaxExamples, in.KnowledgePolicy.MinMatchScore, in.KnowledgeVersion)
	return shortHash(sb.String())
}

func writeSortedSlice(sb *strings.Builder, items []string) {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	sb.WriteByte('[')
	sb.WriteString(strings.Join(sorted, ","))
	sb.WriteByte(']')
}

func writeSortedMap(sb *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k])
	}
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)[:16]
}

// Registry is the sole authority for persisting RunManifests to disk,
// one JSON file per run under dir. WriteOnce refuses to overwrite an
// existing manifest file, enforcing the write-once-at-invocation-start
// rule at the filesystem level rather than trusting callers not to call
// it twice.
type Registry struct {
	dir string
}

// NewRegistry creates a Registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// WriteOnce persists m to "<dir>/<run_id>/manifest.json", creating dir
// if absent. It returns an error if a manifest already exists for this
// run_id — a RunManifest is never revised in place.
func (r *Registry) WriteOnce(m types.RunManifest) error {
	if m.RunID == "" {
		return fmt.Errorf("manifest: run_id is required")
	}
	runDir := filepath.Join(r.dir, m.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("manifest: create run dir %s: %w", runDir, err)
	}
	path := filepath.Join(runDir, "manifest.json")
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("manifest: %s already exists, a run manifest is immutable once written: %w", path, err)
		}
		return fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return nil
}

// Read loads a previously written manifest for runID, or an error if
// none exists.
func (r *Registry) Read(runID string) (types.RunManifest, error) {
	path := filepath.Join(r.dir, runID, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return types.RunManifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m types.RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return types.RunManifest{}, fmt.Errorf("manifest: unmarshal %s: %w", path, err)
	}
	return m, nil
}
