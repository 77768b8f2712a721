package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
)

func newTestNet(t *testing.T, objective model.ObjectiveType) *SimpleNet {
	t.Helper()
	net, err := NewSimpleNet(SimpleConfig{
		Inputs:       []NodeSpec{{Name: "input", Dim: 2}, {Name: "ivector", Dim: 1}},
		Outputs:      []NodeSpec{{Name: "output", Dim: 3, Objective: objective}},
		LearningRate: 0.1,
		InitScale:    0.5,
		Rand:         rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("new simple net: %v", err)
	}
	return net
}

// testMinibatch has two sub-examples of two frames each plus one ivector row
// per sub-example.
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

func TestGetComputationRequestSplitsBlocks(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	req, err := GetComputationRequest(net, testMinibatch(t), true, false, true)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(req.Inputs) != 2 || len(req.Outputs) != 1 {
		t.Fatalf("unexpected split: inputs=%d outputs=%d", len(req.Inputs), len(req.Outputs))
	}
	if req.Inputs[0].HasDeriv || !req.Outputs[0].HasDeriv {
		t.Fatalf("unexpected deriv flags: %+v", req)
	}
	if !req.StoreComponentStats || !req.NeedModelDerivative {
		t.Fatalf("unexpected request flags: %+v", req)
	}
}

func TestGetComputationRequestUnknownName(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	eg := testMinibatch(t)
	eg.IO[0].Name = "mfcc"
	_, err := GetComputationRequest(net, eg, true, false, false)
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
}

func TestGetComputationRequestNoOutputs(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	eg := testMinibatch(t)
	eg.IO = eg.IO[:2]
	_, err := GetComputationRequest(net, eg, true, false, false)
	if !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected empty request error, got %v", err)
	}
}

func TestCompileBroadcastsPerUtteranceInput(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	req, err := GetComputationRequest(net, testMinibatch(t), true, false, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	comp, err := net.Compile(req)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rows := comp.(*simpleComputation).outputs[0].rows["ivector"]
	want := []int{0, 0, 1, 1}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("unexpected ivector rows: got=%v want=%v", rows, want)
		}
	}
}

func TestCompileMissingInputRow(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	eg := testMinibatch(t)
	eg.IO[1].Indexes = []model.Index{{N: 0}, {N: 5}}
	req, err := GetComputationRequest(net, eg, true, false, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := net.Compile(req); err == nil {
		t.Fatal("expected unresolved row error")
	}
}

func forwardObjective(t *testing.T, net *SimpleNet, eg model.Example, comp Computation, objective func(*mat.Dense) float64) float64 {
	t.Helper()
	computer, err := net.NewComputer(comp, nil)
	if err != nil {
		t.Fatalf("new computer: %v", err)
	}
	if err := computer.AcceptInputs(eg.IO); err != nil {
		t.Fatalf("accept inputs: %v", err)
	}
	if err := computer.Forward(); err != nil {
		t.Fatalf("forward: %v", err)
	}
	out, err := computer.Output("output")
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	return objective(out)
}

func objectiveFor(kind model.ObjectiveType, sup *mat.Dense) func(*mat.Dense) float64 {
	return func(out *mat.Dense) float64 {
		if kind == model.ObjectiveLinear {
			var prod mat.Dense
			prod.MulElem(out, sup)
			return mat.Sum(&prod)
		}
		var diff, sq mat.Dense
		diff.Sub(sup, out)
		sq.MulElem(&diff, &diff)
		return -0.5 * mat.Sum(&sq)
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, kind := range []model.ObjectiveType{model.ObjectiveLinear, model.ObjectiveQuadratic} {
		t.Run(kind.String(), func(t *testing.T) {
			net := newTestNet(t, kind)
			eg := testMinibatch(t)
			sup := eg.IO[2].Features.Dense()
			objf := objectiveFor(kind, sup)

			req, err := GetComputationRequest(net, eg, true, true, false)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			comp, err := net.Compile(req)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}

			grad := net.Params().Copy()
			grad.SetZero(true)
			computer, err := net.NewComputer(comp, grad)
			if err != nil {
				t.Fatalf("new computer: %v", err)
			}
			if err := computer.AcceptInputs(eg.IO); err != nil {
				t.Fatalf("accept inputs: %v", err)
			}
			if err := computer.Forward(); err != nil {
				t.Fatalf("forward: %v", err)
			}
			out, _ := computer.Output("output")
			deriv := mat.DenseCopyOf(sup)
			if kind == model.ObjectiveQuadratic {
				deriv.Sub(sup, out)
			}
			if err := computer.AcceptOutputDeriv("output", deriv); err != nil {
				t.Fatalf("accept deriv: %v", err)
			}
			if err := computer.Backward(); err != nil {
				t.Fatalf("backward: %v", err)
			}

			settings := &fd.Settings{Formula: fd.Central, Step: 1e-6}
			for _, name := range net.Params().Names() {
				block, _ := net.Params().Block(name)
				analytic, _ := grad.Block(name)
				orig := mat.DenseCopyOf(block)
				numeric := fd.Gradient(nil, func(x []float64) float64 {
					copy(block.RawMatrix().Data, x)
					return forwardObjective(t, net, eg, comp, objf)
				}, mat.DenseCopyOf(orig).RawMatrix().Data, settings)
				block.Copy(orig)

				_, c := block.Dims()
				for k, want := range numeric {
					if got := analytic.At(k/c, k%c); math.Abs(want-got) > 1e-5 {
						t.Fatalf("%s(%d,%d): analytic=%f numeric=%f", name, k/c, k%c, got, want)
					}
				}
			}

			ivecDeriv, err := computer.InputDeriv("ivector")
			if err != nil {
				t.Fatalf("input deriv: %v", err)
			}
			ivec := eg.IO[1].Features.Dense()
			numeric := fd.Gradient(nil, func(x []float64) float64 {
				shifted := eg
				shifted.IO = append([]model.IO(nil), eg.IO...)
				shifted.IO[1].Features = matrix.FromDense(mat.NewDense(2, 1, append([]float64(nil), x...)))
				return forwardObjective(t, net, shifted, comp, objf)
			}, mat.Col(nil, 0, ivec), settings)
			for row, want := range numeric {
				if got := ivecDeriv.At(row, 0); math.Abs(want-got) > 1e-5 {
					t.Fatalf("ivector row %d: analytic=%f numeric=%f", row, got, want)
				}
			}
		})
	}
}

func TestBackwardUsesLearningRateForNonGradientTarget(t *testing.T) {
	net := newTestNet(t, model.ObjectiveQuadratic)
	eg := testMinibatch(t)
	req, _ := GetComputationRequest(net, eg, true, false, false)
	comp, err := net.Compile(req)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	run := func(target *Params) {
		computer, err := net.NewComputer(comp, target)
		if err != nil {
			t.Fatalf("new computer: %v", err)
		}
		_ = computer.AcceptInputs(eg.IO)
		_ = computer.Forward()
		out, _ := computer.Output("output")
		var deriv mat.Dense
		deriv.Sub(eg.IO[2].Features.Dense(), out)
		_ = computer.AcceptOutputDeriv("output", &deriv)
		if err := computer.Backward(); err != nil {
			t.Fatalf("backward: %v", err)
		}
	}

	grad := net.Params().Copy()
	grad.SetZero(true)
	run(grad)
	delta := net.Params().Copy()
	delta.SetZero(false)
	run(delta)

	if math.Abs(delta.Norm()-0.1*grad.Norm()) > 1e-12 {
		t.Fatalf("expected delta scaled by learning rate: delta=%f grad=%f", delta.Norm(), grad.Norm())
	}
}

func TestInputDerivNotRequested(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	eg := testMinibatch(t)
	req, _ := GetComputationRequest(net, eg, true, false, false)
	comp, _ := net.Compile(req)
	computer, _ := net.NewComputer(comp, nil)
	_ = computer.AcceptInputs(eg.IO)
	_ = computer.Forward()
	_ = computer.Backward()
	if _, err := computer.InputDeriv("input"); err == nil {
		t.Fatal("expected error for input without requested derivative")
	}
}

func TestComponentStats(t *testing.T) {
	net := newTestNet(t, model.ObjectiveLinear)
	eg := testMinibatch(t)
	req, _ := GetComputationRequest(net, eg, true, false, true)
	comp, _ := net.Compile(req)
	computer, _ := net.NewComputer(comp, nil)
	_ = computer.AcceptInputs(eg.IO)
	if err := computer.Forward(); err != nil {
		t.Fatalf("forward: %v", err)
	}

	stats, ok := net.ComponentStats("output")
	if !ok || stats.Count != 4 {
		t.Fatalf("unexpected component stats: %+v", stats)
	}
	net.ZeroComponentStats()
	stats, _ = net.ComponentStats("output")
	if stats.Count != 0 {
		t.Fatalf("expected zeroed stats, got %+v", stats)
	}
}

func TestNewSimpleNetValidation(t *testing.T) {
	if _, err := NewSimpleNet(SimpleConfig{LearningRate: 1}); err == nil {
		t.Fatal("expected missing nodes error")
	}
	_, err := NewSimpleNet(SimpleConfig{
		Inputs:       []NodeSpec{{Name: "x", Dim: 1}},
		Outputs:      []NodeSpec{{Name: "x", Dim: 1}},
		LearningRate: 1,
	})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
	_, err = NewSimpleNet(SimpleConfig{
		Inputs:       []NodeSpec{{Name: "x", Dim: 1}},
		Outputs:      []NodeSpec{{Name: "y", Dim: 1, Nonlinearity: "softsign"}},
		LearningRate: 1,
	})
	if !errors.Is(err, ErrNonlinearityNotFound) {
		t.Fatalf("expected unknown nonlinearity error, got %v", err)
	}
}
