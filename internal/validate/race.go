package validate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/execiface"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// execMutexes serializes performance validation per executor so two
// candidates' timing runs against the same physical engine never overlap —
// concurrent queries would contend for the engine's own resources and
// corrupt both measurements. Keyed by Executor.Fingerprint(), mirroring the
// per-key sync.Map lock pattern already used for the verdict cache.
var execMutexes sync.Map // fingerprint string -> *sync.Mutex

func execMutex(fingerprint string) *sync.Mutex {
	l, _ := execMutexes.LoadOrStore(fingerprint, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// runPerformanceGate measures whether the candidate is actually faster than
// the original, using race-based timing above policy.RaceThresholdMs (both
// statements launched concurrently, first to finish wins, the loser is
// cancelled after a grace period) or sequential trimmed-mean timing below
// it, where race overhead would dominate a genuinely fast query.
func runPerformanceGate(ctx context.Context, ex execiface.Executor, c types.Candidate, policy config.ValidationPolicy, baselineEstimateMs int64) (gateResult, types.PerfMethod, int64, int64, []types.RaceLaneTiming) {
	fingerprint, err := ex.Fingerprint(ctx)
	if err != nil {
		fingerprint = "unknown"
	}
	mu := execMutex(fingerprint)
	mu.Lock()
	defer mu.Unlock()

	method := policy.Method
	if method == "auto" {
		if baselineEstimateMs >= policy.RaceThresholdMs {
			method = "race"
		} else {
			method = "sequential"
		}
	}

	var baselineMs, candidateMs int64
	var timings []types.RaceLaneTiming
	var runErr error

	switch method {
	case "race":
		baselineMs, candidateMs, timings, runErr = raceLanes(ctx, ex, c, policy)
		if runErr == nil {
			return pass(), types.PerfRace, baselineMs, candidateMs, timings
		}
	default:
		baselineMs, runErr = sequentialTrimmedMean(ctx, ex, c.OriginalSQL, policy.SequentialRuns)
		if runErr == nil {
			candidateMs, runErr = sequentialTrimmedMean(ctx, ex, c.RewriteSQL, policy.SequentialRuns)
		}
		if runErr == nil {
			return pass(), types.PerfSequential, baselineMs, candidateMs, nil
		}
	}

	return fail(types.GatePerformance, fmt.Sprintf("performance measurement failed: %v", runErr), types.FeedbackPack{SQLDiff: diffLine(c), RaceTimings: timings}),
		types.PerfMethod(method), baselineMs, candidateMs, timings
}

// raceLanes runs the original and candidate concurrently. The first lane to
// finish is the winner; the loser is given policy.RaceGracePeriodMs to
// finish on its own (a near-tie shouldn't be cancelled mid-flight and
// reported as a timeout) before Cancel is called on it.
func raceLanes(ctx context.Context, ex execiface.Executor, c types.Candidate, policy config.ValidationPolicy) (int64, int64, []types.RaceLaneTiming, error) {
	type laneResult struct {
		lane      string
		elapsedMs int64
		err       error
	}
	resultCh := make(chan laneResult, 2)

	runLane := func(lane, sql string) {
		laneStart := time.Now()
		_, err := ex.Execute(ctx, sql)
		resultCh <- laneResult{lane: lane, elapsedMs: time.Since(laneStart).Milliseconds(), err: err}
	}
	go runLane("original", c.OriginalSQL)
	go runLane("candidate", c.RewriteSQL)

	first := <-resultCh

	grace := time.NewTimer(time.Duration(policy.RaceGracePeriodMs) * time.Millisecond)
	defer grace.Stop()

	var second laneResult
	select {
	case second = <-resultCh:
	case <-grace.C:
		if cancelErr := ex.Cancel(ctx); cancelErr != nil {
			second = laneResult{lane: otherLane(first.lane), elapsedMs: -1, err: fmt.Errorf("loser lane exceeded grace period and cancel failed: %w", cancelErr)}
		} else {
			second = laneResult{lane: otherLane(first.lane), elapsedMs: -1, err: fmt.Errorf("loser lane cancelled after grace period")}
		}
	}

	if first.err != nil {
		return 0, 0, nil, fmt.Errorf("lane %s errored: %w", first.lane, first.err)
	}

	timings := []types.RaceLaneTiming{
		{Lane: first.lane, ElapsedMs: first.elapsedMs, Won: true},
		{Lane: second.lane, ElapsedMs: second.elapsedMs, Won: false, Cancelled: second.elapsedMs < 0},
	}

	var baselineMs, candidateMs int64
	for _, t := range timings {
		switch t.Lane {
		case "original":
			baselineMs = t.ElapsedMs
		case "candidate":
			candidateMs = t.ElapsedMs
		}
	}
	if candidateMs < 0 {
		// Candidate never finished within the grace period — treat as a
		// measurement failure rather than inventing a speedup number.
		return baselineMs, candidateMs, timings, fmt.Errorf("candidate lane did not finish within grace period")
	}
	return baselineMs, candidateMs, timings, nil
}

func otherLane(lane string) string {
	if lane == "original" {
		return "candidate"
	}
	return "original"
}

// sequentialTrimmedMean runs sql N times, discards the single fastest and
// slowest runs, and averages the rest — the same discard-outliers shape as
// a classic trimmed-mean benchmark, used here below the race threshold
// where launch/cancel overhead would otherwise swamp a fast query's signal.
func sequentialTrimmedMean(ctx context.Context, ex execiface.Executor, sql string, n int) (int64, error) {
	if n < 3 {
		n = 3
	}
	durations := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		if _, err := ex.Execute(ctx, sql); err != nil {
			return 0, fmt.Errorf("run %d/%d: %w", i+1, n, err)
		}
		durations = append(durations, time.Since(start).Milliseconds())
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	trimmed := durations[1 : len(durations)-1]
	var sum int64
	for _, d := range trimmed {
		sum += d
	}
	return sum / int64(len(trimmed)), nil
}
