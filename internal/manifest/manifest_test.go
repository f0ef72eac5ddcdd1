package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

func testInputs(runID string) Inputs {
	return Inputs{
		RunID:             runID,
		BenchmarkID:       "tpch-q3",
		Engine:            "postgres",
		EngineVersion:     "16.2",
		Dataset:           "tpch-sf10",
		ScaleFactor:       10,
		SchemaFingerprint: "schema-abc",
		EngineEnvironment: types.EngineEnvironment{BufferSizeMB: 512, ParallelWorkers: 4},
		StrategyPolicy:    config.DefaultStrategyPolicy(),
		ValidationPolicy:  config.DefaultValidationPolicy(),
		KnowledgePolicy:   config.DefaultKnowledgePolicy(),
		KnowledgeVersion:  "kv-1",
		Model:             "gpt-test",
		Version:           "v8-sub005",
	}
}

func TestBuildManifest_RunFingerprintStableForSameInputs(t *testing.T) {
	now := time.Now().UTC()
	a := BuildManifest(testInputs("run-1"), now)
	b := BuildManifest(testInputs("run-1"), now)
	if a.RunFingerprint != b.RunFingerprint {
		t.Fatalf("expected stable run fingerprint, got %q vs %q", a.RunFingerprint, b.RunFingerprint)
	}
}

func TestBuildManifest_RunFingerprintChangesWithSchemaFingerprint(t *testing.T) {
	now := time.Now().UTC()
	in1 := testInputs("run-1")
	in2 := testInputs("run-1")
	in2.SchemaFingerprint = "schema-xyz"
	a := BuildManifest(in1, now)
	b := BuildManifest(in2, now)
	if a.RunFingerprint == b.RunFingerprint {
		t.Fatal("expected run fingerprint to change when schema fingerprint changes")
	}
}

func TestBuildManifest_SettingsHashChangesWithValidationPolicy(t *testing.T) {
	now := time.Now().UTC()
	in1 := testInputs("run-1")
	in2 := testInputs("run-1")
	policy := in2.ValidationPolicy
	policy.RaceThresholdMs = 9999
	in2.ValidationPolicy = policy
	a := BuildManifest(in1, now)
	b := BuildManifest(in2, now)
	if a.SettingsHash == b.SettingsHash {
		t.Fatal("expected settings hash to change when validation policy changes")
	}
	if a.RunFingerprint != b.RunFingerprint {
		t.Fatal("expected run fingerprint to stay the same when only validation policy changes")
	}
}

func TestBuildManifest_SettingsHashChangesWithKnowledgeVersion(t *testing.T) {
	now := time.Now().UTC()
	in1 := testInputs("run-1")
	in2 := testInputs("run-1")
	in2.KnowledgeVersion = "kv-2"
	a := BuildManifest(in1, now)
	b := BuildManifest(in2, now)
	if a.SettingsHash == b.SettingsHash {
		t.Fatal("expected settings hash to change when knowledge version changes")
	}
}

func TestRegistry_WriteOnceThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	m := BuildManifest(testInputs("run-42"), time.Now().UTC())

	if err := reg.WriteOnce(m); err != nil {
		t.Fatalf("unexpected error on first write: %v", err)
	}
	got, err := reg.Read("run-42")
	if err != nil {
		t.Fatalf("unexpected error reading manifest back: %v", err)
	}
	if got.RunFingerprint != m.RunFingerprint || got.SettingsHash != m.SettingsHash {
		t.Fatalf("round-tripped manifest does not match original: got %+v, want %+v", got, m)
	}
}

func TestRegistry_WriteOnceRejectsSecondWrite(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	m := BuildManifest(testInputs("run-7"), time.Now().UTC())

	if err := reg.WriteOnce(m); err != nil {
		t.Fatalf("unexpected error on first write: %v", err)
	}
	if err := reg.WriteOnce(m); err == nil {
		t.Fatal("expected second WriteOnce for the same run_id to fail")
	}
}

func TestRegistry_WriteOnceRejectsEmptyRunID(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	m := BuildManifest(testInputs(""), time.Now().UTC())
	if err := reg.WriteOnce(m); err == nil {
		t.Fatal("expected WriteOnce with empty run_id to fail")
	}
}

func TestRegistry_WriteOnceCreatesNestedRunDirectory(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	m := BuildManifest(testInputs("run-99"), time.Now().UTC())
	if err := reg.WriteOnce(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(dir, "run-99", "manifest.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected manifest file at %s: %v", path, err)
	}
}
