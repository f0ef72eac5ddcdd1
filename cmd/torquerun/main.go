// Command torquerun is the demonstration driver for the optimization
// engine: it wires a scripted Executor, a gold-example corpus, the
// knowledge/strategy/validate layers, and the observability spine into one
// runnable program. One-shot mode optimizes a single query file and exits;
// REPL mode accepts repeated queries against the same long-lived executor
// connection, with env/cache setup, bus-first construction, LLM tiers,
// infrastructure built before the logical layers, SIGTERM handling, and
// one-shot-vs-REPL branching on argv.
//
// No real database adapter lives here (or anywhere in this module) —
// real executors are external collaborators. The demo seeds a
// execiface.ScriptedExecutor with a small fixed schema and a couple of
// scripted statements so the pipeline has something to validate against.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/JKR8/querytorque-v8-sub005/internal/bus"
	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/eventlog"
	"github.com/JKR8/querytorque-v8-sub005/internal/execiface"
	"github.com/JKR8/querytorque-v8-sub005/internal/knowledge"
	"github.com/JKR8/querytorque-v8-sub005/internal/llm"
	"github.com/JKR8/querytorque-v8-sub005/internal/manifest"
	"github.com/JKR8/querytorque-v8-sub005/internal/sqlfeat"
	"github.com/JKR8/querytorque-v8-sub005/internal/strategy"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
	"github.com/JKR8/querytorque-v8-sub005/internal/ui"
	"github.com/JKR8/querytorque-v8-sub005/internal/validate"
)

const demoDialect = types.Dialect("postgres")

func main() {
	// Load env
	_ = godotenv.Load(".env")

	// Resolve cache dir
	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "torquerun")
	_ = os.MkdirAll(cacheDir, 0755)

	// Redirect debug logs to file so they don't interfere with the terminal UI.
	// Tail ~/.cache/torquerun/debug.log to observe internal layer activity.
	if f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	// Build the bus — foundational, everything downstream taps or publishes to it
	b := bus.New()

	// LLM clients — each tier reads {TIER}_{API_KEY,BASE_URL,MODEL}, falling
	// back to the shared TORQUE_* vars for any unset tier variable.
	analystClient := llm.NewTier("ANALYST")
	workerClient := llm.NewTier("WORKER")

	// Infrastructure: verdict cache, run manifests, per-run event log.
	cache, err := validate.OpenVerdictCache(filepath.Join(cacheDir, "verdicts.leveldb"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening verdict cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	manifestReg := manifest.NewRegistry(filepath.Join(cacheDir, "runs"))
	eventReg := eventlog.NewRegistry(filepath.Join(cacheDir, "runs"))

	// Demo executor and corpus — the only "real adapters are external"
	// stand-ins this module carries.
	executor := demoExecutor()
	corpus, err := demoCorpus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading demo corpus: %v\n", err)
		os.Exit(1)
	}

	parser := sqlfeat.NewScannerParser()
	retriever := knowledge.New(corpus, parser)
	harness := validate.NewHarness(executor, cache, b)

	strategyPolicy := config.DefaultStrategyPolicy()
	validationPolicy := config.DefaultValidationPolicy()
	knowledgePolicy := config.DefaultKnowledgePolicy()

	beamStrategy := strategy.NewBeam(analystClient, workerClient, b)
	strikeStrategy := func(hint types.TransformHint) strategy.Strategy {
		return strategy.NewStrike(workerClient, b, hint)
	}

	// Live pipeline display — reads its own independent tap of every bus message.
	disp := ui.New(b.NewTap())

	deps := &runDeps{
		bus:               b,
		executor:          executor,
		retriever:         retriever,
		beam:              beamStrategy,
		strike:            strikeStrategy,
		harness:           harness,
		manifestReg:       manifestReg,
		eventReg:          eventReg,
		strategyPolicy:    strategyPolicy,
		validationPolicy:  validationPolicy,
		knowledgePolicy:   knowledgePolicy,
		knowledgeVersion:  corpus.Version(),
		display:           disp,
	}

	// Context — cancelled on SIGTERM or when the current mode finishes.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM) // Ctrl+C (SIGINT) handled per-mode below
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go disp.Run(ctx)

	if len(os.Args) > 1 && os.Args[1] != "" {
		intrCh := make(chan os.Signal, 1)
		signal.Notify(intrCh, os.Interrupt)
		go func() {
			select {
			case <-intrCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		path := os.Args[1]
		sql, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading query file %s: %v\n", path, err)
			cancel()
			os.Exit(1)
		}
		verdict, err := deps.runOne(ctx, string(sql))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			cancel()
			os.Exit(1)
		}
		disp.WaitQueryClose(300 * time.Millisecond)
		printVerdict(verdict)
		cancel()
		time.Sleep(200 * time.Millisecond)
	} else {
		runREPL(ctx, cancel, cacheDir, deps)
	}
}

// runDeps bundles everything a single optimization run needs, built once at
// startup and reused across REPL turns.
type runDeps struct {
	bus              *bus.Bus
	executor         execiface.Executor
	retriever        *knowledge.Retriever
	beam             strategy.Strategy
	strike           func(types.TransformHint) strategy.Strategy
	harness          *validate.Harness
	manifestReg      *manifest.Registry
	eventReg         *eventlog.Registry
	strategyPolicy   config.StrategyPolicy
	validationPolicy config.ValidationPolicy
	knowledgePolicy  config.KnowledgePolicy
	knowledgeVersion string
	display          *ui.Display
}

// runOne drives one run(query_id, sql) invocation end to end: write the run
// manifest once, retrieve knowledge, generate candidates via the configured
// strategy, and validate them in order, stopping at the first WIN. Without a
// WIN, a beam run with snipe enabled also validates the snipe candidates.
// Returns the best-ranked verdict (see rankVerdict) of all validated.
func (d *runDeps) runOne(ctx context.Context, sql string) (types.ValidationVerdict, error) {
	runID := uuid.New().String()
	queryID := uuid.New().String()[:8]

	schema, err := d.executor.SchemaSnapshot(ctx)
	if err != nil {
		return types.ValidationVerdict{}, fmt.Errorf("schema snapshot: %w", err)
	}
	envFingerprint, err := d.executor.Fingerprint(ctx)
	if err != nil {
		return types.ValidationVerdict{}, fmt.Errorf("executor fingerprint: %w", err)
	}

	m := manifest.BuildManifest(manifest.Inputs{
		RunID:             runID,
		BenchmarkID:       queryID,
		Engine:            schema.EngineName,
		EngineVersion:     schema.EngineVersion,
		Dataset:           "demo",
		ScaleFactor:       1,
		SchemaFingerprint: schema.Fingerprint() + "|" + envFingerprint,
		EngineEnvironment: types.EngineEnvironment{BufferSizeMB: 256, ParallelWorkers: 4},
		StrategyPolicy:    d.strategyPolicy,
		ValidationPolicy:  d.validationPolicy,
		KnowledgePolicy:   d.knowledgePolicy,
		KnowledgeVersion:  d.knowledgeVersion,
		Model:             d.strategyPolicy.Model,
		Version:           "torquerun-demo",
	}, time.Now().UTC())

	if err := d.manifestReg.WriteOnce(m); err != nil {
		return types.ValidationVerdict{}, fmt.Errorf("write run manifest: %w", err)
	}
	evl := d.eventReg.Open(runID)
	defer d.eventReg.Close(runID, "completed")

	knowledgeResp, err := d.retriever.Retrieve(sql, demoDialect, d.knowledgePolicy)
	if err != nil {
		return types.ValidationVerdict{}, fmt.Errorf("knowledge retrieval: %w", err)
	}
	knowledgeResp.QueryID = queryID
	evl.KnowledgeRetrieved(queryID, fmt.Sprintf("%d examples, %d gaps matched", len(knowledgeResp.MatchedExamples), len(knowledgeResp.FilteredGaps)))
	d.bus.Publish(types.Message{Type: types.MsgKnowledgeRetrieved, From: "knowledge", QueryID: queryID,
		Payload: fmt.Sprintf("%d examples, %d gaps matched", len(knowledgeResp.MatchedExamples), len(knowledgeResp.FilteredGaps))})

	strat := d.beam
	if d.strategyPolicy.Mode == "strike" {
		strat = d.strike(types.TransformHint{FreeText: "apply the highest-priority matched gap"})
	}

	candidates, err := strat.Generate(ctx, sql, demoDialect, knowledgeResp, nil, d.strategyPolicy)
	if err != nil {
		return types.ValidationVerdict{}, fmt.Errorf("strategy generate: %w", err)
	}

	baselinePlan, err := d.executor.Explain(ctx, sql)
	if err != nil {
		return types.ValidationVerdict{}, fmt.Errorf("baseline explain: %w", err)
	}

	var best types.ValidationVerdict
	var bestCandidate types.Candidate
	haveBest := false

	validateCandidate := func(c types.Candidate) types.ValidationVerdict {
		c.QueryID = queryID
		evl.CandidateNormalized(queryID, c.CandidateID, fmt.Sprintf("dedup group %d", c.Features.DedupGroupIndex))
		d.bus.Publish(types.Message{Type: types.MsgCandidateNormalized, From: d.strategyPolicy.Mode, QueryID: queryID, Payload: c.CandidateID})

		verdict := d.harness.Validate(ctx, c, d.validationPolicy, d.strategyPolicy, m.RunFingerprint, m.SettingsHash, int64(baselinePlan.EstimatedCost))
		evl.Verdict(queryID, c.CandidateID, string(verdict.Status))

		if !haveBest || rankVerdict(verdict) > rankVerdict(best) {
			best = verdict
			bestCandidate = c
			haveBest = true
		}
		return verdict
	}

	for _, c := range candidates {
		if validateCandidate(c).Status == types.StatusWin {
			break
		}
	}
	if !haveBest {
		return types.ValidationVerdict{}, fmt.Errorf("no candidates produced for query %s", queryID)
	}

	if beam, ok := strat.(*strategy.Beam); ok && d.strategyPolicy.SnipeEnabled && best.Status != types.StatusWin {
		sniped, err := beam.Snipe(ctx, sql, queryID, demoDialect, knowledgeResp, bestCandidate, best, d.strategyPolicy)
		if err != nil {
			log.Printf("[torquerun] snipe phase failed: %v", err)
		}
		for _, c := range sniped {
			if validateCandidate(c).Status == types.StatusWin {
				break
			}
		}
	}

	return best, nil
}

// rankVerdict orders verdicts for "best so far" comparison: WIN beats
// IMPROVED beats NEUTRAL beats REGRESSION beats FAIL, ties broken by speedup.
func rankVerdict(v types.ValidationVerdict) float64 {
	var tier float64
	switch v.Status {
	case types.StatusWin:
		tier = 4
	case types.StatusImproved:
		tier = 3
	case types.StatusNeutral:
		tier = 2
	case types.StatusRegression:
		tier = 1
	case types.StatusFail:
		tier = 0
	}
	return tier + v.Speedup/1000
}

func runREPL(ctx context.Context, cancel context.CancelFunc, cacheDir string, deps *runDeps) {
	fmt.Println("\033[1m\033[36m⚡ torquerun\033[0m — SQL optimization engine  \033[2m(exit/Ctrl-D to quit | debug: ~/.cache/torquerun/debug.log)\033[0m")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36m>\033[0m ",
		HistoryFile:       filepath.Join(cacheDir, "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		cancel()
		return
	}
	defer rl.Close()

	intrCh := make(chan os.Signal, 1)
	signal.Notify(intrCh, os.Interrupt)
	defer signal.Stop(intrCh)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Println("\n\033[2m(Ctrl+C again or type 'exit' to quit)\033[0m")
			line2, err2 := rl.Readline()
			if err2 == readline.ErrInterrupt || strings.TrimSpace(line2) == "exit" || strings.TrimSpace(line2) == "quit" {
				cancel()
				return
			}
			line, err = line2, err2
		}
		if err != nil {
			cancel()
			return
		}

		sql := strings.TrimSpace(line)
		if sql == "" {
			continue
		}
		if sql == "exit" || sql == "quit" {
			cancel()
			return
		}

		deps.display.Resume()
		runCtx, runCancel := context.WithCancel(ctx)
		go func() {
			// Ctrl-C while a run is in progress aborts that run only.
			select {
			case <-intrCh:
				deps.display.Abort()
				runCancel()
			case <-runCtx.Done():
			}
		}()
		verdict, err := deps.runOne(runCtx, sql)
		runCancel()
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		deps.display.WaitQueryClose(300 * time.Millisecond)
		printVerdict(verdict)

		if ctx.Err() != nil {
			return
		}
	}
}

func printVerdict(v types.ValidationVerdict) {
	const (
		bold  = "\033[1m"
		green = "\033[32m"
		red   = "\033[31m"
		reset = "\033[0m"
	)
	color := green
	if v.Status == types.StatusRegression || v.Status == types.StatusFail {
		color = red
	}
	fmt.Printf("\n%s%s📋 Verdict: %s%s  speedup=%.2fx  (%s)\n", bold, color, v.Status, reset, v.Speedup, v.Reason)
	if v.Status != types.StatusFail {
		fmt.Printf("  baseline=%dms (%d rows)  candidate=%dms (%d rows)  method=%s\n",
			v.BaselineMs, v.BaselineRows, v.CandidateMs, v.CandidateRows, v.PerfMethod)
	}
}

// demoExecutor seeds a ScriptedExecutor with a tiny star-schema-ish catalog
// and one registered statement pair so a one-shot/REPL run has something to
// validate against without a real database connection — real adapters are
// external collaborators, never built into this module.
func demoExecutor() *execiface.ScriptedExecutor {
	schema := execiface.Schema{
		EngineName:    "postgres",
		EngineVersion: "16.2",
		Tables: []execiface.Table{
			{Name: "orders", RowEstimate: 1_500_000, Columns: []execiface.Column{
				{Name: "order_id", DataType: "bigint"},
				{Name: "customer_id", DataType: "bigint"},
				{Name: "total_cents", DataType: "bigint"},
				{Name: "status", DataType: "text"},
			}, Indexes: []string{"orders_pkey", "orders_customer_id_idx"}},
			{Name: "customers", RowEstimate: 50_000, Columns: []execiface.Column{
				{Name: "customer_id", DataType: "bigint"},
				{Name: "region", DataType: "text"},
			}, Indexes: []string{"customers_pkey"}},
		},
	}

	const original = `SELECT c.region, COUNT(*) FROM orders o WHERE o.customer_id IN (SELECT customer_id FROM customers c WHERE c.region = 'west') GROUP BY c.region`
	const rewrite = `SELECT c.region, COUNT(*) FROM orders o JOIN customers c ON o.customer_id = c.customer_id WHERE c.region = 'west' GROUP BY c.region`

	return execiface.NewScriptedExecutor(schema, "demo-env-v1").
		WithExplain(original, execiface.Plan{Raw: "Seq Scan on orders; SubPlan (customers)", EstimatedCost: 9200}).
		WithExplain(rewrite, execiface.Plan{Raw: "Hash Join (orders, customers)", EstimatedCost: 2100}).
		WithResult(original, execiface.Result{Rows: 1, ElapsedMs: 420, ResultHash: "west-count-v1"}).
		WithResult(rewrite, execiface.Result{Rows: 1, ElapsedMs: 95, ResultHash: "west-count-v1"})
}

// demoCorpus builds a minimal gold-example/engine-profile corpus so Layer K
// has something real to match against for the demo query.
func demoCorpus() (*knowledge.Corpus, error) {
	examples := []knowledge.GoldExample{
		{
			ExampleID:        "ex-in-to-join",
			Dialect:          string(demoDialect),
			BeforeSQL:        `SELECT * FROM orders WHERE customer_id IN (SELECT customer_id FROM customers WHERE region = 'west')`,
			AfterSQL:         `SELECT o.* FROM orders o JOIN customers c ON o.customer_id = c.customer_id WHERE c.region = 'west'`,
			WhatTransformed:  "uncorrelated IN-subquery rewritten as an inner join",
			WhyItHelps:       "lets the planner choose a hash or merge join instead of a subplan re-executed per outer row",
			WhenToApply:      "the subquery is uncorrelated and only filters on an equality predicate",
			WhenNotTo:        "the subquery de-duplicates rows the join would otherwise multiply",
			DemonstratesGaps: []string{"gap-subquery-as-join"},
			Tags:             []string{"subquery", "join"},
			Archetype:        "correlated_subquery",
			ValidatedSpeedup: 3.8,
		},
	}
	profiles := []knowledge.EngineProfile{
		{
			Dialect: string(demoDialect),
			Gaps: []knowledge.GapDef{
				{
					GapID:      "gap-subquery-as-join",
					Priority:   1,
					Mechanism:  "planner materializes IN-subqueries as a re-executed subplan instead of flattening to a join",
					Confidence: "high",
					Predicate:  knowledge.FeaturePredicate{RequireSubquery: true},
					PositiveEvidence: []string{"ex-in-to-join"},
				},
			},
			Strengths: []knowledge.StrengthDef{
				{StrengthID: "str-hash-join", Mechanism: "cost-based hash join selection for equality joins on large tables"},
			},
		},
	}
	return knowledge.LoadCorpus(examples, profiles)
}
