package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
	"nnetcore/internal/nn"
	"nnetcore/internal/stats"
)

var (
	ErrNoMinibatchSizeInput = errors.New("minibatch size input missing or empty")
	ErrRaggedInput          = errors.New("input rows not divisible by minibatch size")
)

type PerturbConfig struct {
	Config
	// PerturbProportion is the probability that a minibatch is trained on
	// its adversarially perturbed version.
	PerturbProportion float64
	Epsilon           float64
	// MinibatchSizeInput names the input that carries exactly one row per
	// sub-example.
	MinibatchSizeInput string
	Rand               *rand.Rand
}

func (c PerturbConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.PerturbProportion < 0 || c.PerturbProportion > 1 {
		return errors.New("perturb proportion must be in [0, 1]")
	}
	if c.Epsilon < 0 {
		return errors.New("epsilon must be >= 0")
	}
	if c.PerturbProportion > 0 && c.Rand == nil {
		return errors.New("random source is required")
	}
	return nil
}

// PerturbedTrainer trains on inputs pushed along the normalized input
// gradient (a fast-gradient-sign style perturbation, using the L2 direction)
// for a random proportion of minibatches.
type PerturbedTrainer struct {
	*Trainer
	perturb PerturbConfig
	// probe objectives are kept apart from the training objectives so
	// neither pollutes the other's phase counters.
	probeObjf *stats.ObjectiveSet
	perturbed int
	mu        sync.Mutex
}

func NewPerturbedTrainer(cfg PerturbConfig, net nn.Network, compiler nn.Compiler, exec nn.Executor) (*PerturbedTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinibatchSizeInput == "" {
		cfg.MinibatchSizeInput = DefaultMinibatchSizeInput
	}
	base, err := NewTrainer(cfg.Config, net, compiler, exec)
	if err != nil {
		return nil, err
	}
	return &PerturbedTrainer{
		Trainer:   base,
		perturb:   cfg,
		probeObjf: stats.NewObjectiveSet(cfg.PrintInterval, base.logger.With("pass", "probe"), nil),
	}, nil
}

func (p *PerturbedTrainer) Train(eg model.Example) error {
	if p.perturb.PerturbProportion > 0 && p.randFloat64() < p.perturb.PerturbProportion {
		p.logger.Info("training with adversarial perturbation", "epsilon", p.perturb.Epsilon)
		perturbed, err := p.PerturbExample(eg)
		if err != nil {
			return err
		}
		p.perturbed++
		eg = perturbed
	}
	return p.Trainer.Train(eg)
}

// PerturbExample runs a probe pass on a throwaway copy of the parameters and
// returns eg with every network input moved by -Epsilon along the input
// gradient, normalized per sub-example. eg itself is not modified.
func (p *PerturbedTrainer) PerturbExample(eg model.Example) (model.Example, error) {
	sizeIO, ok := eg.Find(p.perturb.MinibatchSizeInput)
	if !ok || sizeIO.Features.NumRows() == 0 {
		return model.Example{}, fmt.Errorf("%q: %w", p.perturb.MinibatchSizeInput, ErrNoMinibatchSizeInput)
	}
	subExamples := sizeIO.Features.NumRows()

	probeParams := p.net.Params().Copy()
	computer, err := p.runCycle(eg, probeParams, p.probeObjf, true)
	if err != nil {
		return model.Example{}, fmt.Errorf("probe: %w", err)
	}

	type inputDeriv struct {
		pos       int
		deriv     *mat.Dense
		blockRows int
	}
	var derivs []inputDeriv
	sumSq := make([]float64, subExamples)
	for i, io := range eg.IO {
		node := p.net.NodeIndex(io.Name)
		if node < 0 || !p.net.IsInputNode(node) {
			continue
		}
		deriv, err := computer.InputDeriv(io.Name)
		if err != nil {
			return model.Example{}, err
		}
		rows, _ := deriv.Dims()
		if rows%subExamples != 0 {
			return model.Example{}, fmt.Errorf("input %q has %d rows for %d sub-examples: %w", io.Name, rows, subExamples, ErrRaggedInput)
		}
		blockRows := rows / subExamples
		for j := 0; j < subExamples; j++ {
			for r := j * blockRows; r < (j+1)*blockRows; r++ {
				row := deriv.RawRowView(r)
				sumSq[j] += floats.Dot(row, row)
			}
		}
		derivs = append(derivs, inputDeriv{pos: i, deriv: deriv, blockRows: blockRows})
	}

	norms := make([]float64, subExamples)
	for j, s := range sumSq {
		norms[j] = math.Sqrt(s)
	}
	if floats.Sum(norms) == 0 {
		return eg, nil
	}

	out := model.Example{IO: append([]model.IO(nil), eg.IO...)}
	for _, d := range derivs {
		features := eg.IO[d.pos].Features.Dense()
		for j, norm := range norms {
			if norm == 0 {
				continue
			}
			scale := -p.perturb.Epsilon / norm
			for r := j * d.blockRows; r < (j+1)*d.blockRows; r++ {
				floats.AddScaled(features.RawRowView(r), scale, d.deriv.RawRowView(r))
			}
		}
		out.IO[d.pos].Features = matrix.FromDense(features)
	}
	return out, nil
}

// PrintTotalStats logs totals for the training pass and, when any
// minibatch was perturbed, for the probe pass.
func (p *PerturbedTrainer) PrintTotalStats() bool {
	ok := p.Trainer.PrintTotalStats()
	if p.perturbed > 0 {
		p.probeObjf.PrintTotalStats()
	}
	return ok
}

func (p *PerturbedTrainer) ProbeTotals() []model.ObjectiveTotals {
	return p.probeObjf.Totals()
}

func (p *PerturbedTrainer) Perturbed() int {
	return p.perturbed
}

func (p *PerturbedTrainer) randFloat64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perturb.Rand.Float64()
}
