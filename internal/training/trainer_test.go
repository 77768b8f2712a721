package training

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
	"nnetcore/internal/nn"
)

func newTestNet(t *testing.T, seed int64) *nn.SimpleNet {
	t.Helper()
	net, err := nn.NewSimpleNet(nn.SimpleConfig{
		Inputs:       []nn.NodeSpec{{Name: "input", Dim: 2}, {Name: "ivector", Dim: 1}},
		Outputs:      []nn.NodeSpec{{Name: "output", Dim: 3, Objective: model.ObjectiveLinear}},
		LearningRate: 0.1,
		InitScale:    0.5,
		Rand:         rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		t.Fatalf("new simple net: %v", err)
	}
	return net
}

func testMinibatch(t *testing.T) model.Example {
	t.Helper()
	frames := []model.Index{{N: 0, T: 0}, {N: 0, T: 1}, {N: 1, T: 0}, {N: 1, T: 1}}
	labels, err := matrix.OneHot(3, []int{0, 2, 1, 1})
	if err != nil {
		t.Fatalf("one hot: %v", err)
	}
	return model.Example{IO: []model.IO{
		{Name: "input", Features: matrix.FromDense(mat.NewDense(4, 2, []float64{0.1, -0.2, 0.3, 0.4, -0.5, 0.6, 0.7, -0.8})), Indexes: frames},
		{Name: "ivector", Features: matrix.FromDense(mat.NewDense(2, 1, []float64{1, -1})), Indexes: []model.Index{{N: 0}, {N: 1}}},
		{Name: "output", Features: matrix.FromSparse(labels), Indexes: frames},
	}}
}

func newTestTrainer(t *testing.T, cfg Config, net *nn.SimpleNet) *Trainer {
	t.Helper()
	tr, err := NewTrainer(cfg, net, net, net)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	return tr
}

func paramsChange(before, after *nn.Params) float64 {
	diff := after.Copy()
	diff.AddScaled(-1, before)
	return diff.Norm()
}

func TestConfigValidate(t *testing.T) {
	cases := []Config{
		{Momentum: 1, PrintInterval: 1},
		{Momentum: -0.1, PrintInterval: 1},
		{MaxParamChange: -1, PrintInterval: 1},
		{PrintInterval: 0},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, cfg)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestNewTrainerRequiresCollaborators(t *testing.T) {
	net := newTestNet(t, 1)
	if _, err := NewTrainer(DefaultConfig(), nil, net, net); err == nil {
		t.Fatal("expected error for nil network")
	}
	if _, err := NewTrainer(DefaultConfig(), net, net, nil); err == nil {
		t.Fatal("expected error for nil executor")
	}
}

func TestTrainWithoutDeltaWritesParamsDirectly(t *testing.T) {
	net := newTestNet(t, 1)
	cfg := DefaultConfig()
	cfg.MaxParamChange = 0
	tr := newTestTrainer(t, cfg, net)
	if tr.delta != nil {
		t.Fatal("expected no momentum buffer without momentum or max param change")
	}
	before := net.Params().Copy()
	if err := tr.Train(testMinibatch(t)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if paramsChange(before, net.Params()) == 0 {
		t.Fatal("expected parameters to change")
	}
	if tr.Minibatches() != 1 {
		t.Fatalf("unexpected minibatch count: got=%d want=1", tr.Minibatches())
	}
	totals := tr.Totals()
	if len(totals) != 1 || totals[0].Output != "output" || totals[0].TotWeight != 4 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if totals[0].TotObjf >= 0 {
		t.Fatalf("log-softmax objective should be negative, got=%f", totals[0].TotObjf)
	}
}

func TestUnclippedDeltaMatchesDirectUpdate(t *testing.T) {
	direct := newTestNet(t, 3)
	buffered := newTestNet(t, 3)

	cfg := DefaultConfig()
	cfg.MaxParamChange = 0
	trDirect := newTestTrainer(t, cfg, direct)
	cfg.MaxParamChange = 1e6
	trBuffered := newTestTrainer(t, cfg, buffered)

	for i := 0; i < 3; i++ {
		if err := trDirect.Train(testMinibatch(t)); err != nil {
			t.Fatalf("direct train: %v", err)
		}
		if err := trBuffered.Train(testMinibatch(t)); err != nil {
			t.Fatalf("buffered train: %v", err)
		}
	}
	if d := paramsChange(direct.Params(), buffered.Params()); d > 1e-12 {
		t.Fatalf("buffered update diverged from direct update: diff=%g", d)
	}
	if n := trBuffered.delta.Norm(); n != 0 {
		t.Fatalf("delta should be cleared with zero momentum, norm=%g", n)
	}
}

func TestMaxParamChangeClipsStep(t *testing.T) {
	net := newTestNet(t, 5)
	cfg := DefaultConfig()
	cfg.MaxParamChange = 1e-3
	tr := newTestTrainer(t, cfg, net)

	before := net.Params().Copy()
	if err := tr.Train(testMinibatch(t)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if got := paramsChange(before, net.Params()); math.Abs(got-1e-3) > 1e-12 {
		t.Fatalf("unexpected clipped change: got=%g want=%g", got, 1e-3)
	}
}

func TestMomentumKeepsDecayedDelta(t *testing.T) {
	net := newTestNet(t, 5)
	cfg := DefaultConfig()
	cfg.Momentum = 0.5
	cfg.MaxParamChange = 0
	tr := newTestTrainer(t, cfg, net)

	before := net.Params().Copy()
	if err := tr.Train(testMinibatch(t)); err != nil {
		t.Fatalf("train: %v", err)
	}
	applied := paramsChange(before, net.Params())
	if applied == 0 {
		t.Fatal("expected a parameter change")
	}
	// half the step was applied, the other half stays in the buffer
	if kept := tr.delta.Norm(); math.Abs(kept-applied) > 1e-12 {
		t.Fatalf("unexpected momentum buffer: kept=%g applied=%g", kept, applied)
	}
}

type infExecutor struct {
	inner nn.Executor
}

func (e infExecutor) NewComputer(comp nn.Computation, toUpdate *nn.Params) (nn.Computer, error) {
	c, err := e.inner.NewComputer(comp, toUpdate)
	if err != nil {
		return nil, err
	}
	return &infComputer{Computer: c, toUpdate: toUpdate}, nil
}

type infComputer struct {
	nn.Computer
	toUpdate *nn.Params
}

func (c *infComputer) Backward() error {
	if err := c.Computer.Backward(); err != nil {
		return err
	}
	for _, name := range c.toUpdate.Names() {
		block, _ := c.toUpdate.Block(name)
		block.Set(0, 0, math.Inf(1))
		break
	}
	return nil
}

func TestNonFiniteChangeIsDiscarded(t *testing.T) {
	net := newTestNet(t, 9)
	cfg := DefaultConfig()
	tr, err := NewTrainer(cfg, net, net, infExecutor{inner: net})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	before := net.Params().Copy()
	if err := tr.Train(testMinibatch(t)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if d := paramsChange(before, net.Params()); d != 0 {
		t.Fatalf("parameters changed despite non-finite delta: diff=%g", d)
	}
	if n := tr.delta.Norm(); n != 0 {
		t.Fatalf("delta should be zeroed, norm=%g", n)
	}
	if tr.Minibatches() != 1 {
		t.Fatalf("minibatch should still count: got=%d", tr.Minibatches())
	}
}

func TestPhaseReportsReachSink(t *testing.T) {
	net := newTestNet(t, 11)
	cfg := DefaultConfig()
	cfg.PrintInterval = 2
	var reports []model.PhaseReport
	cfg.OnPhaseReport = func(r model.PhaseReport) { reports = append(reports, r) }
	tr := newTestTrainer(t, cfg, net)

	for i := 0; i < 5; i++ {
		if err := tr.Train(testMinibatch(t)); err != nil {
			t.Fatalf("train %d: %v", i, err)
		}
	}
	if len(reports) != 2 {
		t.Fatalf("unexpected report count: got=%d want=2", len(reports))
	}
	if reports[1].Phase != 1 || reports[1].StartMinibatch != 2 || reports[1].EndMinibatch != 3 {
		t.Fatalf("unexpected second report: %+v", reports[1])
	}
	if reports[0].Weight != 8 {
		t.Fatalf("unexpected phase weight: got=%f want=8", reports[0].Weight)
	}
	if !tr.PrintTotalStats() {
		t.Fatal("expected total stats to report weight")
	}
}

func TestTrainReusesCompiledComputation(t *testing.T) {
	net := newTestNet(t, 13)
	tr := newTestTrainer(t, DefaultConfig(), net)
	for i := 0; i < 3; i++ {
		if err := tr.Train(testMinibatch(t)); err != nil {
			t.Fatalf("train: %v", err)
		}
	}
	hits, misses := tr.CompilerStats()
	if hits != 2 || misses != 1 {
		t.Fatalf("unexpected cache stats: hits=%d misses=%d", hits, misses)
	}
}

func TestTrainRejectsUnknownBlock(t *testing.T) {
	net := newTestNet(t, 1)
	tr := newTestTrainer(t, DefaultConfig(), net)
	eg := testMinibatch(t)
	eg.IO[0].Name = "mfcc"
	before := net.Params().Copy()
	if err := tr.Train(eg); !errors.Is(err, nn.ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
	if paramsChange(before, net.Params()) != 0 || tr.Minibatches() != 0 {
		t.Fatal("failed minibatch must not touch the network")
	}
}
