package dataset

import (
	"errors"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
	"nnetcore/internal/nn"
)

// FramesTask is a frame-level classification problem. Each utterance has a
// speaker offset, given to the network as a one-dimensional ivector, that
// shifts every frame's features; labels are drawn per frame and supervised
// with sparse one-hot posteriors.
type FramesTask struct {
	Frames     int
	FeatureDim int
	Classes    int
	Noise      float64
}

func DefaultFramesTask() FramesTask {
	return FramesTask{Frames: 8, FeatureDim: 2, Classes: 3, Noise: 0.1}
}

func (FramesTask) Name() string {
	return TaskFrames
}

func (f FramesTask) Inputs() []nn.NodeSpec {
	return []nn.NodeSpec{
		{Name: "input", Dim: f.FeatureDim},
		{Name: "ivector", Dim: 1},
	}
}

func (f FramesTask) Outputs() []nn.NodeSpec {
	return []nn.NodeSpec{{Name: "output", Dim: f.Classes, Objective: model.ObjectiveLinear}}
}

func (f FramesTask) Example(rng *rand.Rand) (model.Example, error) {
	if f.Frames <= 0 || f.FeatureDim <= 0 || f.Classes <= 1 {
		return model.Example{}, errors.New("frames task needs frames, feature dim and at least two classes")
	}
	offset := rng.NormFloat64()
	features := mat.NewDense(f.Frames, f.FeatureDim, nil)
	labels := make([]int, f.Frames)
	for t := 0; t < f.Frames; t++ {
		label := rng.Intn(f.Classes)
		labels[t] = label
		row := features.RawRowView(t)
		for d := range row {
			row[d] = f.centroid(label, d) + offset + f.Noise*rng.NormFloat64()
		}
	}
	supervision, err := matrix.OneHot(f.Classes, labels)
	if err != nil {
		return model.Example{}, err
	}
	return model.Example{IO: []model.IO{
		model.NewIO("input", 0, matrix.FromDense(features)),
		model.NewIO("ivector", 0, matrix.FromDense(mat.NewDense(1, 1, []float64{offset}))),
		model.NewIO("output", 0, matrix.FromSparse(supervision)),
	}}, nil
}

// centroid places the classes on alternating corners so every dimension
// separates at least two of them.
func (f FramesTask) centroid(label, dim int) float64 {
	if (label>>uint(dim%3))&1 == 1 {
		return 1
	}
	return -1
}
