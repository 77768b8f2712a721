package platform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"nnetcore/internal/dataset"
	"nnetcore/internal/storage"
	"nnetcore/internal/training"
)

func newStartedPolis(t *testing.T) (*Polis, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	p := NewPolis(Config{Store: store, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, name := range dataset.Names() {
		task, err := dataset.Get(name)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if err := p.RegisterTask(task); err != nil {
			t.Fatalf("register task: %v", err)
		}
	}
	return p, store
}

func testTrainingConfig(runID, task string) TrainingConfig {
	cfg := training.DefaultConfig()
	cfg.PrintInterval = 5
	return TrainingConfig{
		RunID:         runID,
		Task:          task,
		Seed:          3,
		Minibatches:   12,
		MinibatchSize: 4,
		LearningRate:  0.02,
		InitScale:     0.1,
		Training:      cfg,
	}
}

func TestPolisRequiresStore(t *testing.T) {
	if err := NewPolis(Config{}).Init(context.Background()); err == nil {
		t.Fatal("expected missing store error")
	}
}

func TestRegisterTaskRequiresInit(t *testing.T) {
	p := NewPolis(Config{Store: storage.NewMemoryStore()})
	if err := p.RegisterTask(dataset.DefaultFramesTask()); err == nil {
		t.Fatal("expected error before init")
	}
}

func TestRegisteredTasksSorted(t *testing.T) {
	p, _ := newStartedPolis(t)
	got := p.RegisteredTasks()
	if len(got) != 2 || got[0] != dataset.TaskFrames || got[1] != dataset.TaskRegression {
		t.Fatalf("unexpected tasks: %v", got)
	}
	if _, ok := p.GetTask("Frame_Classification"); !ok {
		t.Fatal("expected alias lookup to resolve")
	}
}

func TestRunTrainingPersistsRun(t *testing.T) {
	ctx := context.Background()
	p, store := newStartedPolis(t)

	result, err := p.RunTraining(ctx, testTrainingConfig("run-frames", "frames"))
	if err != nil {
		t.Fatalf("run training: %v", err)
	}
	if result.Run.Minibatches != 12 || result.Run.Task != dataset.TaskFrames {
		t.Fatalf("unexpected run record: %+v", result.Run)
	}
	if len(result.PhaseReports) != 2 {
		t.Fatalf("unexpected phase reports: got=%d want=2", len(result.PhaseReports))
	}
	if result.CompilerMisses != 1 || result.CompilerHits != 11 {
		t.Fatalf("unexpected compiler stats: hits=%d misses=%d", result.CompilerHits, result.CompilerMisses)
	}
	if result.FinalAvgObjf >= 0 {
		t.Fatalf("log-likelihood average should be negative, got=%f", result.FinalAvgObjf)
	}

	reports, ok, err := store.ListPhaseReports(ctx, "run-frames")
	if err != nil || !ok || len(reports) != 2 {
		t.Fatalf("unexpected stored reports: ok=%t n=%d err=%v", ok, len(reports), err)
	}
	if reports[0].SchemaVersion != storage.CurrentSchemaVersion {
		t.Fatalf("stored report is not versioned: %+v", reports[0])
	}
	totals, ok, err := store.GetTotals(ctx, "run-frames")
	if err != nil || !ok || len(totals) != 1 || totals[0].Minibatch != 12 {
		t.Fatalf("unexpected stored totals: ok=%t %+v err=%v", ok, totals, err)
	}
	run, ok, err := store.GetRun(ctx, "run-frames")
	if err != nil || !ok || run.CreatedAtUTC == "" {
		t.Fatalf("unexpected stored run: ok=%t %+v err=%v", ok, run, err)
	}
}

func TestRunTrainingWithPerturbation(t *testing.T) {
	p, _ := newStartedPolis(t)
	cfg := testTrainingConfig("run-perturbed", "regression")
	cfg.PerturbProportion = 1
	cfg.Epsilon = 0.05
	result, err := p.RunTraining(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run training: %v", err)
	}
	if result.Perturbed != 12 || len(result.ProbeTotals) != 1 {
		t.Fatalf("unexpected perturbation result: perturbed=%d probe=%+v", result.Perturbed, result.ProbeTotals)
	}
}

func TestRunTrainingValidation(t *testing.T) {
	p, _ := newStartedPolis(t)
	cases := []TrainingConfig{
		func() TrainingConfig { c := testTrainingConfig("", "frames"); return c }(),
		func() TrainingConfig { c := testTrainingConfig("r", "frames"); c.Minibatches = 0; return c }(),
		func() TrainingConfig { c := testTrainingConfig("r", "frames"); c.MinibatchSize = 0; return c }(),
		testTrainingConfig("r", "mnist"),
	}
	for i, cfg := range cases {
		if _, err := p.RunTraining(context.Background(), cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestRunTrainingHonorsCancellation(t *testing.T) {
	p, _ := newStartedPolis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.RunTraining(ctx, testTrainingConfig("run-cancel", "frames"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

type renamedTask struct {
	dataset.Task
	name string
}

func (r renamedTask) Name() string {
	return r.name
}

func TestRegisterTaskNormalizesName(t *testing.T) {
	p, _ := newStartedPolis(t)
	if err := p.RegisterTask(renamedTask{Task: dataset.DefaultFramesTask(), name: " Noisy_Frames "}); err != nil {
		t.Fatalf("register task: %v", err)
	}
	for _, lookup := range []string{"noisy-frames", "Noisy Frames", " Noisy_Frames "} {
		if _, ok := p.GetTask(lookup); !ok {
			t.Fatalf("expected %q to resolve", lookup)
		}
	}
	got := p.RegisteredTasks()
	if len(got) != 3 || got[1] != "noisy-frames" {
		t.Fatalf("unexpected tasks: %v", got)
	}
	if err := p.RegisterTask(renamedTask{Task: dataset.DefaultFramesTask(), name: "__"}); err == nil {
		t.Fatal("expected error for a name that normalizes to empty")
	}
}
