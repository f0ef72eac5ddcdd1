package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// verdictKeyPrefix namespaces every cache entry so the same LevelDB
// instance could later hold other key families without collision — the
// same "short ASCII prefix + separator" scheme an embedded key-value store
// uses for its megram/index/level/recall key families.
const verdictKeyPrefix = "v|"

// VerdictCache is the persistent, never-time-expiring verdict store keyed
// on (candidate_id, run_fingerprint, validation_settings_hash). A cache hit
// means "this exact candidate was already validated under this exact run
// configuration" — any configuration change (engine tunable, dataset,
// epsilon, race threshold) changes the fingerprint or settings hash and
// therefore the key, which is how the "invalidated only by
// fingerprint/settings-hash change, never by wall-clock time" rule is
// actually enforced: there is no TTL anywhere in this type.
type VerdictCache struct {
	db *leveldb.DB
	// locks serializes reader/writer access per cache key so a concurrent
	// Get and Put for the same key never interleave a torn read — mirrors
	// the same per-key goroutine discipline generalized to a
	// per-key sync.Mutex since there's no single owning goroutine here.
	locks sync.Map // key string -> *sync.Mutex
}

// OpenVerdictCache opens (or creates) a LevelDB database at dbPath.
func OpenVerdictCache(dbPath string) (*VerdictCache, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("validate: open verdict cache at %s: %w", dbPath, err)
	}
	return &VerdictCache{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (c *VerdictCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Key builds the composite cache key for one candidate under one run
// configuration.
func Key(candidateID, runFingerprint, settingsHash string) string {
	return candidateID + "|" + runFingerprint + "|" + settingsHash
}

func (c *VerdictCache) lockFor(key string) *sync.Mutex {
	l, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Get returns the cached verdict for key, or ok=false on a miss. Acquires
// key's lock for the duration of the read; callers already holding it (via
// WithLock) should use the unlocked get instead.
func (c *VerdictCache) Get(key string) (types.ValidationVerdict, bool) {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return c.get(key)
}

func (c *VerdictCache) get(key string) (types.ValidationVerdict, bool) {
	data, err := c.db.Get([]byte(verdictKeyPrefix+key), nil)
	if err != nil {
		return types.ValidationVerdict{}, false
	}
	var v types.ValidationVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return types.ValidationVerdict{}, false
	}
	v.Source = "cached"
	return v, true
}

// Put writes verdict under key, atomically overwriting any prior entry for
// the same key. Puts for different keys never block each other. Acquires
// key's lock for the duration of the write; callers already holding it (via
// WithLock) should use the unlocked put instead.
func (c *VerdictCache) Put(key string, verdict types.ValidationVerdict) error {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return c.put(key, verdict)
}

func (c *VerdictCache) put(key string, verdict types.ValidationVerdict) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("validate: marshal verdict for cache: %w", err)
	}
	return c.db.Put([]byte(verdictKeyPrefix+key), data, nil)
}

// WithLock holds key's per-key lock for the duration of fn, giving a caller
// like Harness.Validate a way to span a lookup, a gate run, and a write as
// one atomic section — so two concurrent Validate calls for the same key
// never both fall through to the gate pipeline between an unlocked Get and
// an unlocked Put. fn is handed lock-free get/put closures bound to key.
func (c *VerdictCache) WithLock(key string, fn func(get func() (types.ValidationVerdict, bool), put func(types.ValidationVerdict) error)) {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	fn(
		func() (types.ValidationVerdict, bool) { return c.get(key) },
		func(v types.ValidationVerdict) error { return c.put(key, v) },
	)
}

// Scan returns every cached verdict whose key has the given candidateID
// prefix — a way to inspect a candidate's history across run
// configurations. Nothing in the gate pipeline calls it.
func (c *VerdictCache) Scan(candidateIDPrefix string) ([]types.ValidationVerdict, error) {
	prefix := verdictKeyPrefix + candidateIDPrefix
	iter := c.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []types.ValidationVerdict
	for iter.Next() {
		var v types.ValidationVerdict
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			continue
		}
		v.Source = "cached"
		out = append(out, v)
	}
	return out, iter.Error()
}

// mustOpenDefault creates dbPath if needed and opens the cache there,
// panicking on any error. cmd/torquerun does not use it; it calls
// OpenVerdictCache directly and handles the error itself.
func mustOpenDefault(dbPath string) *VerdictCache {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		panic(fmt.Sprintf("validate: create cache dir %s: %v", dbPath, err))
	}
	c, err := OpenVerdictCache(dbPath)
	if err != nil {
		panic(err)
	}
	return c
}
