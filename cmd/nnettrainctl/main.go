package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"nnetcore/internal/storage"
	"nnetcore/pkg/nnetcore"
)

const (
	runsDir       = "runs"
	exportsDir    = "exports"
	defaultDBPath = "nnettrain.db"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "tasks":
		return runTasks(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "phases":
		return runPhases(ctx, args[1:])
	case "totals":
		return runTotals(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	kind   *string
	dbPath *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind:   fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath: fs.String("db-path", defaultDBPath, "sqlite database path"),
	}
}

func newClient(sf storeFlags, logLevel string) (*nnetcore.Client, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	return nnetcore.New(nnetcore.Options{
		StoreKind:  *sf.kind,
		DBPath:     *sf.dbPath,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(sf, "warn")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *sf.kind)
	return nil
}

func runTasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := nnetcore.New(nnetcore.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	tasks, err := client.Tasks(ctx)
	if err != nil {
		return err
	}
	for _, name := range tasks {
		fmt.Printf("task=%s\n", name)
	}
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	task := fs.String("task", "frames", "dataset task: frames|regression")
	seed := fs.Int64("seed", 1, "rng seed")
	minibatches := fs.Int("minibatches", 200, "number of minibatches to train on")
	minibatchSize := fs.Int("minibatch-size", 8, "examples merged into each minibatch")
	compress := fs.Bool("compress", false, "compress merged input features")
	learningRate := fs.Float64("learning-rate", 0.01, "network learning rate")
	initScale := fs.Float64("init-scale", 0.1, "bound of the uniform initial weights")
	momentum := fs.Float64("momentum", 0.0, "momentum constant in [0, 1)")
	maxParamChange := fs.Float64("max-param-change", 2.0, "max parameter change per minibatch (0 disables)")
	printInterval := fs.Int("print-interval", 100, "minibatches per objective report phase")
	storeStats := fs.Bool("store-component-stats", true, "keep per-component activation statistics")
	zeroStats := fs.Bool("zero-component-stats", true, "zero component statistics before training")
	perturbProportion := fs.Float64("perturb-proportion", 0.0, "proportion of minibatches trained on perturbed inputs")
	epsilon := fs.Float64("epsilon", 0.0, "perturbation size")
	sizeInput := fs.String("minibatch-size-input", "ivector", "input with exactly one row per sub-example")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		req = nnetcore.RunRequest{
			RunID:               *runID,
			Task:                *task,
			Seed:                *seed,
			Minibatches:         *minibatches,
			MinibatchSize:       *minibatchSize,
			Compress:            *compress,
			LearningRate:        *learningRate,
			InitScale:           *initScale,
			Momentum:            *momentum,
			MaxParamChange:      maxParamChange,
			PrintInterval:       *printInterval,
			StoreComponentStats: storeStats,
			ZeroComponentStats:  zeroStats,
			PerturbProportion:   *perturbProportion,
			Epsilon:             *epsilon,
			MinibatchSizeInput:  *sizeInput,
		}
	} else {
		flagValues := map[string]any{
			"run-id":                *runID,
			"task":                  *task,
			"seed":                  *seed,
			"minibatches":           *minibatches,
			"minibatch-size":        *minibatchSize,
			"compress":              *compress,
			"learning-rate":         *learningRate,
			"init-scale":            *initScale,
			"momentum":              *momentum,
			"max-param-change":      *maxParamChange,
			"print-interval":        *printInterval,
			"store-component-stats": *storeStats,
			"zero-component-stats":  *zeroStats,
			"perturb-proportion":    *perturbProportion,
			"epsilon":               *epsilon,
			"minibatch-size-input":  *sizeInput,
		}
		if err := overrideFromFlags(&req, setFlags, flagValues); err != nil {
			return err
		}
	}

	client, err := newClient(sf, *logLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	started := time.Now()
	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Printf("run_id=%s minibatches=%s perturbed=%s final_avg_objf=%.6f compiled=%d cache_hits=%s elapsed=%s artifacts=%s\n",
		summary.RunID,
		humanize.Comma(int64(summary.Minibatches)),
		humanize.Comma(int64(summary.Perturbed)),
		summary.FinalAvgObjf,
		summary.CompilerMisses,
		humanize.Comma(int64(summary.CompilerHits)),
		time.Since(started).Round(time.Millisecond),
		summary.ArtifactsDir,
	)
	for _, t := range summary.Totals {
		fmt.Printf("output=%s weight=%s avg_objf=%.6f\n", t.Output, humanize.Commaf(t.TotWeight), t.AvgObjf)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := nnetcore.New(nnetcore.Options{StoreKind: "memory", RunsDir: runsDir})
	if err != nil {
		return err
	}
	items, err := client.Runs(ctx, nnetcore.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	for _, item := range items {
		fmt.Printf("run_id=%s created=%s task=%s seed=%d minibatches=%s minibatch_size=%d perturbed=%s final_avg_objf=%.6f\n",
			item.RunID,
			createdDisplay(item.CreatedAtUTC),
			item.Task,
			item.Seed,
			humanize.Comma(int64(item.Minibatches)),
			item.MinibatchSize,
			humanize.Comma(int64(item.Perturbed)),
			item.FinalAvgObjf,
		)
	}
	return nil
}

func createdDisplay(createdAtUTC string) string {
	created, err := time.Parse(time.RFC3339, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return strings.ReplaceAll(humanize.Time(created), " ", "_")
}

func runPhases(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("phases", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show phases for the most recent run from run index")
	output := fs.String("output", "", "only show this output")
	limit := fs.Int("limit", 0, "max phase rows to print, newest last (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit phase reports as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		*limit = 0
	}

	client, err := newClient(sf, "warn")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	reports, err := client.Phases(ctx, nnetcore.PhasesRequest{
		RunSelector: nnetcore.RunSelector{RunID: *runID, Latest: *latest},
		Output:      *output,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for _, r := range reports {
		fmt.Printf("output=%s phase=%d minibatches=%d-%d weight=%s avg_objf=%.6f\n",
			r.Output, r.Phase, r.StartMinibatch, r.EndMinibatch, humanize.Commaf(r.Weight), r.AvgObjective)
	}
	return nil
}

func runTotals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("totals", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show totals for the most recent run from run index")
	jsonOut := fs.Bool("json", false, "emit totals as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(sf, "warn")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	totals, err := client.Totals(ctx, nnetcore.RunSelector{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(totals)
	}
	for _, t := range totals {
		fmt.Printf("output=%s minibatches=%s weight=%s objf=%.6f avg_objf=%.6f has_weights=%t\n",
			t.Output, humanize.Comma(int64(t.Minibatch)), humanize.Commaf(t.TotWeight), t.TotObjf, t.AvgObjf, t.HasWeights)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := nnetcore.New(nnetcore.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	summary, err := client.Export(ctx, nnetcore.ExportRequest{
		RunSelector: nnetcore.RunSelector{RunID: *runID, Latest: *latest},
		OutDir:      *outDir,
	})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: nnettrainctl <init|tasks|train|runs|phases|totals|export> [flags]", msg)
}
