package platform

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"nnetcore/internal/dataset"
	"nnetcore/internal/example"
	"nnetcore/internal/model"
	"nnetcore/internal/nn"
	"nnetcore/internal/storage"
	"nnetcore/internal/training"
)

type Config struct {
	Store  storage.Store
	Logger *slog.Logger
}

type TrainingConfig struct {
	RunID         string
	Task          string
	Seed          int64
	Minibatches   int
	MinibatchSize int
	Compress      bool
	LearningRate  float64
	InitScale     float64
	Training      training.Config

	PerturbProportion  float64
	Epsilon            float64
	MinibatchSizeInput string
}

type TrainingResult struct {
	Run            model.RunRecord
	Perturbed      int
	PhaseReports   []model.PhaseReport
	Totals         []model.ObjectiveTotals
	ProbeTotals    []model.ObjectiveTotals
	FinalAvgObjf   float64
	CompilerHits   int
	CompilerMisses int
}

// Polis owns the store and the registered dataset tasks, and runs training
// jobs against them.
type Polis struct {
	store  storage.Store
	logger *slog.Logger

	mu      sync.RWMutex
	tasks   map[string]dataset.Task
	started bool
	runs    map[string]struct{}
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Polis{
		store:  cfg.Store,
		logger: logger,
		tasks:  make(map[string]dataset.Task),
		runs:   make(map[string]struct{}),
	}
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Polis) RegisterTask(task dataset.Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	name := dataset.Normalize(task.Name())
	if name == "" {
		return fmt.Errorf("task name is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("polis is not initialized")
	}
	p.tasks[name] = task
	return nil
}

func (p *Polis) GetTask(name string) (dataset.Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	task, ok := p.tasks[dataset.Normalize(name)]
	return task, ok
}

func (p *Polis) RegisteredTasks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.tasks))
	for name := range p.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunTraining trains a fresh network on cfg.Task and persists the run
// record, every completed phase report, and the final totals.
func (p *Polis) RunTraining(ctx context.Context, cfg TrainingConfig) (TrainingResult, error) {
	if cfg.RunID == "" {
		return TrainingResult{}, fmt.Errorf("run id is required")
	}
	if cfg.Minibatches <= 0 {
		return TrainingResult{}, fmt.Errorf("minibatches must be > 0")
	}
	if cfg.MinibatchSize <= 0 {
		return TrainingResult{}, fmt.Errorf("minibatch size must be > 0")
	}
	if !p.Started() {
		return TrainingResult{}, fmt.Errorf("polis is not initialized")
	}
	task, ok := p.GetTask(cfg.Task)
	if !ok {
		return TrainingResult{}, fmt.Errorf("task not registered: %s", cfg.Task)
	}
	if err := p.registerRun(cfg.RunID); err != nil {
		return TrainingResult{}, err
	}
	defer p.unregisterRun(cfg.RunID)

	logger := p.logger.With("run_id", cfg.RunID, "task", task.Name())
	rng := rand.New(rand.NewSource(cfg.Seed))
	net, err := nn.NewSimpleNet(nn.SimpleConfig{
		Inputs:       task.Inputs(),
		Outputs:      task.Outputs(),
		LearningRate: cfg.LearningRate,
		InitScale:    cfg.InitScale,
		Rand:         rng,
	})
	if err != nil {
		return TrainingResult{}, err
	}

	var (
		reports []model.PhaseReport
		saveErr error
	)
	trainCfg := cfg.Training
	trainCfg.Logger = logger
	trainCfg.OnPhaseReport = func(report model.PhaseReport) {
		report.VersionedRecord = storage.Versioned()
		reports = append(reports, report)
		if saveErr == nil {
			saveErr = p.store.SavePhaseReport(ctx, cfg.RunID, report)
		}
	}
	trainer, err := training.NewPerturbedTrainer(training.PerturbConfig{
		Config:             trainCfg,
		PerturbProportion:  cfg.PerturbProportion,
		Epsilon:            cfg.Epsilon,
		MinibatchSizeInput: cfg.MinibatchSizeInput,
		Rand:               rand.New(rand.NewSource(cfg.Seed + 1)),
	}, net, net, net)
	if err != nil {
		return TrainingResult{}, err
	}

	batcher, err := example.NewBatcher(cfg.MinibatchSize, cfg.Compress)
	if err != nil {
		return TrainingResult{}, err
	}
	for trainer.Minibatches() < cfg.Minibatches {
		if err := ctx.Err(); err != nil {
			return TrainingResult{}, err
		}
		eg, err := task.Example(rng)
		if err != nil {
			return TrainingResult{}, err
		}
		minibatch, ready, err := batcher.Add(eg)
		if err != nil {
			return TrainingResult{}, err
		}
		if !ready {
			continue
		}
		if err := trainer.Train(minibatch); err != nil {
			return TrainingResult{}, fmt.Errorf("minibatch %d: %w", trainer.Minibatches(), err)
		}
		if saveErr != nil {
			return TrainingResult{}, fmt.Errorf("persist phase report: %w", saveErr)
		}
	}

	if !trainer.PrintTotalStats() {
		logger.Warn("no objective weight was observed")
	}
	totals := trainer.Totals()
	if err := p.store.SaveTotals(ctx, cfg.RunID, totals); err != nil {
		return TrainingResult{}, err
	}

	run := model.RunRecord{
		VersionedRecord:   storage.Versioned(),
		ID:                cfg.RunID,
		Task:              task.Name(),
		Minibatches:       trainer.Minibatches(),
		MinibatchSize:     cfg.MinibatchSize,
		Momentum:          trainCfg.Momentum,
		MaxParamChange:    trainCfg.MaxParamChange,
		PerturbProportion: cfg.PerturbProportion,
		Epsilon:           cfg.Epsilon,
		Seed:              cfg.Seed,
		CreatedAtUTC:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.store.SaveRun(ctx, run); err != nil {
		return TrainingResult{}, err
	}

	hits, misses := trainer.CompilerStats()
	return TrainingResult{
		Run:            run,
		Perturbed:      trainer.Perturbed(),
		PhaseReports:   reports,
		Totals:         totals,
		ProbeTotals:    trainer.ProbeTotals(),
		FinalAvgObjf:   overallAverage(totals),
		CompilerHits:   hits,
		CompilerMisses: misses,
	}, nil
}

// overallAverage pools every output's totals into one weighted average.
func overallAverage(totals []model.ObjectiveTotals) float64 {
	var objf, weight float64
	for _, t := range totals {
		objf += t.TotObjf
		weight += t.TotWeight
	}
	if weight == 0 {
		return 0
	}
	return objf / weight
}

func (p *Polis) registerRun(runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("run already active: %s", runID)
	}
	p.runs[runID] = struct{}{}
	return nil
}

func (p *Polis) unregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}
