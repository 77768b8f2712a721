package nnetcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"nnetcore/internal/dataset"
	"nnetcore/internal/model"
	"nnetcore/internal/platform"
	"nnetcore/internal/stats"
	"nnetcore/internal/storage"
	"nnetcore/internal/training"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "nnettrain.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store  storage.Store
	polis  *platform.Polis
	logger *slog.Logger

	runsDir    string
	exportsDir string
}

type RunRequest struct {
	RunID               string
	Task                string
	Seed                int64
	Minibatches         int
	MinibatchSize       int
	Compress            bool
	LearningRate        float64
	InitScale           float64
	Momentum            float64
	MaxParamChange      *float64
	PrintInterval       int
	StoreComponentStats *bool
	ZeroComponentStats  *bool
	PerturbProportion   float64
	Epsilon             float64
	MinibatchSizeInput  string
}

type RunSummary struct {
	RunID          string
	ArtifactsDir   string
	Minibatches    int
	Perturbed      int
	FinalAvgObjf   float64
	Totals         []model.ObjectiveTotals
	CompilerHits   int
	CompilerMisses int
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Task          string
	Seed          int64
	Minibatches   int
	MinibatchSize int
	Perturbed     int
	FinalAvgObjf  float64
}

// RunSelector names a run either directly or as the latest indexed run.
type RunSelector struct {
	RunID  string
	Latest bool
}

type PhasesRequest struct {
	RunSelector
	Output string
	Limit  int
}

type ExportRequest struct {
	RunSelector
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensurePolis(ctx)
	return err
}

func (c *Client) Tasks(ctx context.Context) ([]string, error) {
	p, err := c.ensurePolis(ctx)
	if err != nil {
		return nil, err
	}
	return p.RegisteredTasks(), nil
}

// Run trains one network, persists it to the store and writes its artifacts
// under the runs directory.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	req = withRunDefaults(req)
	if req.Minibatches <= 0 {
		return RunSummary{}, errors.New("minibatches must be > 0")
	}
	if req.MinibatchSize <= 0 {
		return RunSummary{}, errors.New("minibatch size must be > 0")
	}
	if req.LearningRate <= 0 {
		return RunSummary{}, errors.New("learning rate must be > 0")
	}

	p, err := c.ensurePolis(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	trainCfg := training.DefaultConfig()
	trainCfg.Momentum = req.Momentum
	trainCfg.PrintInterval = req.PrintInterval
	if req.MaxParamChange != nil {
		trainCfg.MaxParamChange = *req.MaxParamChange
	}
	if req.StoreComponentStats != nil {
		trainCfg.StoreComponentStats = *req.StoreComponentStats
	}
	if req.ZeroComponentStats != nil {
		trainCfg.ZeroComponentStats = *req.ZeroComponentStats
	}

	result, err := p.RunTraining(ctx, platform.TrainingConfig{
		RunID:              req.RunID,
		Task:               req.Task,
		Seed:               req.Seed,
		Minibatches:        req.Minibatches,
		MinibatchSize:      req.MinibatchSize,
		Compress:           req.Compress,
		LearningRate:       req.LearningRate,
		InitScale:          req.InitScale,
		Training:           trainCfg,
		PerturbProportion:  req.PerturbProportion,
		Epsilon:            req.Epsilon,
		MinibatchSizeInput: req.MinibatchSizeInput,
	})
	if err != nil {
		return RunSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:               req.RunID,
			Task:                result.Run.Task,
			Seed:                req.Seed,
			Minibatches:         req.Minibatches,
			MinibatchSize:       req.MinibatchSize,
			Compress:            req.Compress,
			LearningRate:        req.LearningRate,
			Momentum:            trainCfg.Momentum,
			MaxParamChange:      trainCfg.MaxParamChange,
			PrintInterval:       trainCfg.PrintInterval,
			StoreComponentStats: trainCfg.StoreComponentStats,
			ZeroComponentStats:  trainCfg.ZeroComponentStats,
			PerturbProportion:   req.PerturbProportion,
			Epsilon:             req.Epsilon,
			MinibatchSizeInput:  req.MinibatchSizeInput,
		},
		PhaseReports: result.PhaseReports,
		Totals:       result.Totals,
		ProbeTotals:  result.ProbeTotals,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:         req.RunID,
		Task:          result.Run.Task,
		Minibatches:   result.Run.Minibatches,
		MinibatchSize: req.MinibatchSize,
		Seed:          req.Seed,
		Perturbed:     result.Perturbed,
		FinalAvgObjf:  result.FinalAvgObjf,
		CreatedAtUTC:  result.Run.CreatedAtUTC,
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:          req.RunID,
		ArtifactsDir:   filepath.Clean(runDir),
		Minibatches:    result.Run.Minibatches,
		Perturbed:      result.Perturbed,
		FinalAvgObjf:   result.FinalAvgObjf,
		Totals:         result.Totals,
		CompilerHits:   result.CompilerHits,
		CompilerMisses: result.CompilerMisses,
	}, nil
}

func withRunDefaults(req RunRequest) RunRequest {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Task == "" {
		req.Task = dataset.TaskFrames
	}
	if req.Minibatches == 0 {
		req.Minibatches = 200
	}
	if req.MinibatchSize == 0 {
		req.MinibatchSize = 8
	}
	if req.LearningRate == 0 {
		req.LearningRate = 0.01
	}
	if req.InitScale == 0 {
		req.InitScale = 0.1
	}
	if req.PrintInterval == 0 {
		req.PrintInterval = 100
	}
	return req
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Task:          e.Task,
			Seed:          e.Seed,
			Minibatches:   e.Minibatches,
			MinibatchSize: e.MinibatchSize,
			Perturbed:     e.Perturbed,
			FinalAvgObjf:  e.FinalAvgObjf,
		})
	}
	return out, nil
}

// Phases returns the stored phase reports of a run, falling back to the
// run's phase_reports.csv when the store has none (for example after a
// process restart with the memory store).
func (c *Client) Phases(ctx context.Context, req PhasesRequest) ([]model.PhaseReport, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunSelector)
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}

	reports, ok, err := c.store.ListPhaseReports(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		reports, ok, err = stats.ReadPhaseReports(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("phase reports not found for run %s", runID)
		}
	}

	if req.Output != "" {
		filtered := make([]model.PhaseReport, 0, len(reports))
		for _, r := range reports {
			if r.Output == req.Output {
				filtered = append(filtered, r)
			}
		}
		reports = filtered
	}
	if req.Limit > 0 && len(reports) > req.Limit {
		reports = reports[len(reports)-req.Limit:]
	}
	return reports, nil
}

// Totals returns the final per-output totals of a run, with the same store
// then artifact fallback as Phases.
func (c *Client) Totals(ctx context.Context, sel RunSelector) ([]model.ObjectiveTotals, error) {
	runID, err := c.resolveRunID(sel)
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}

	totals, ok, err := c.store.GetTotals(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return totals, nil
	}
	file, ok, err := stats.ReadTotals(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("totals not found for run %s", runID)
	}
	return file.Totals, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunSelector)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(sel RunSelector) (string, error) {
	if sel.RunID != "" && sel.Latest {
		return "", errors.New("use either run id or latest")
	}
	if sel.RunID != "" {
		return sel.RunID, nil
	}
	if !sel.Latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func (c *Client) ensurePolis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{Store: c.store, Logger: c.logger})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	if err := registerDefaultTasks(p); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}

func registerDefaultTasks(p *platform.Polis) error {
	for _, name := range dataset.Names() {
		task, err := dataset.Get(name)
		if err != nil {
			return err
		}
		if err := p.RegisterTask(task); err != nil {
			return err
		}
	}
	return nil
}
