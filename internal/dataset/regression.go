package dataset

import (
	"errors"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
	"nnetcore/internal/nn"
)

// RegressionTask asks for y = w·x + ivector on every frame, trained with the
// quadratic objective.
type RegressionTask struct {
	Frames  int
	Weights []float64
	Noise   float64
}

func DefaultRegressionTask() RegressionTask {
	return RegressionTask{Frames: 4, Weights: []float64{0.5, -1}, Noise: 0.01}
}

func (RegressionTask) Name() string {
	return TaskRegression
}

func (r RegressionTask) Inputs() []nn.NodeSpec {
	return []nn.NodeSpec{
		{Name: "input", Dim: len(r.Weights)},
		{Name: "ivector", Dim: 1},
	}
}

func (RegressionTask) Outputs() []nn.NodeSpec {
	return []nn.NodeSpec{{Name: "output", Dim: 1, Objective: model.ObjectiveQuadratic}}
}

func (r RegressionTask) Example(rng *rand.Rand) (model.Example, error) {
	if r.Frames <= 0 || len(r.Weights) == 0 {
		return model.Example{}, errors.New("regression task needs frames and weights")
	}
	bias := rng.NormFloat64()
	features := mat.NewDense(r.Frames, len(r.Weights), nil)
	targets := mat.NewDense(r.Frames, 1, nil)
	for t := 0; t < r.Frames; t++ {
		row := features.RawRowView(t)
		for d := range row {
			row[d] = 2*rng.Float64() - 1
		}
		targets.Set(t, 0, floats.Dot(r.Weights, row)+bias+r.Noise*rng.NormFloat64())
	}
	return model.Example{IO: []model.IO{
		model.NewIO("input", 0, matrix.FromDense(features)),
		model.NewIO("ivector", 0, matrix.FromDense(mat.NewDense(1, 1, []float64{bias}))),
		model.NewIO("output", 0, matrix.FromDense(targets)),
	}}, nil
}
