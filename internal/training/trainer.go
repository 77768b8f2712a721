package training

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"nnetcore/internal/model"
	"nnetcore/internal/nn"
	"nnetcore/internal/objective"
	"nnetcore/internal/stats"
)

// Trainer runs the forward/backward/update cycle for one minibatch at a time.
// It is not safe for concurrent use.
type Trainer struct {
	cfg      Config
	net      nn.Network
	compiler *nn.CachingCompiler
	exec     nn.Executor
	logger   *slog.Logger

	// delta is the momentum buffer; nil when neither momentum nor
	// MaxParamChange is in use, in which case backprop writes straight into
	// the network parameters.
	delta *nn.Params
	objf  *stats.ObjectiveSet

	minibatches int
}

func NewTrainer(cfg Config, net nn.Network, compiler nn.Compiler, exec nn.Executor) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if net == nil || compiler == nil || exec == nil {
		return nil, errors.New("network, compiler and executor are required")
	}

	logger := cfg.logger()
	t := &Trainer{
		cfg:      cfg,
		net:      net,
		compiler: nn.NewCachingCompiler(compiler, cfg.CompilerCacheCapacity),
		exec:     exec,
		logger:   logger,
		objf:     stats.NewObjectiveSet(cfg.PrintInterval, logger, cfg.OnPhaseReport),
	}
	if cfg.ZeroComponentStats {
		if z, ok := net.(nn.ComponentStatsZeroer); ok {
			z.ZeroComponentStats()
		}
	}
	if cfg.Momentum != 0 || cfg.MaxParamChange != 0 {
		t.delta = net.Params().Copy()
		t.delta.SetZero(false)
	}
	return t, nil
}

// Train processes one (normally merged) example and updates the network.
// On error the parameters keep their last applied values.
func (t *Trainer) Train(eg model.Example) error {
	toUpdate := t.delta
	if toUpdate == nil {
		toUpdate = t.net.Params()
	}
	if _, err := t.runCycle(eg, toUpdate, t.objf, false); err != nil {
		return err
	}
	t.applyDelta()
	t.minibatches++
	return nil
}

// runCycle builds and compiles the request for eg, runs forward, feeds the
// objective derivatives back and runs backward. The parameter change lands in
// toUpdate.
func (t *Trainer) runCycle(eg model.Example, toUpdate *nn.Params, objf *stats.ObjectiveSet, needInputDerivs bool) (nn.Computer, error) {
	req, err := nn.GetComputationRequest(t.net, eg, true, needInputDerivs, t.cfg.StoreComponentStats)
	if err != nil {
		return nil, err
	}
	comp, err := t.compiler.Compile(req)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	computer, err := t.exec.NewComputer(comp, toUpdate)
	if err != nil {
		return nil, err
	}
	if err := computer.AcceptInputs(eg.IO); err != nil {
		return nil, fmt.Errorf("accept inputs: %w", err)
	}
	if err := computer.Forward(); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if err := t.processOutputs(eg, computer, objf); err != nil {
		return nil, err
	}
	if err := computer.Backward(); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	return computer, nil
}

type outputResult struct {
	name string
	res  objective.Result
}

func (t *Trainer) processOutputs(eg model.Example, computer nn.Computer, objf *stats.ObjectiveSet) error {
	var results []outputResult
	for _, io := range eg.IO {
		node := t.net.NodeIndex(io.Name)
		if node < 0 {
			return fmt.Errorf("block %q vanished from the network: %w", io.Name, nn.ErrUnknownNode)
		}
		if !t.net.IsOutputNode(node) {
			continue
		}
		output, err := computer.Output(io.Name)
		if err != nil {
			return err
		}
		res, err := objective.Compute(output, io.Features, t.net.ObjectiveType(node), true)
		if err != nil {
			return fmt.Errorf("output %q: %w", io.Name, err)
		}
		if err := computer.AcceptOutputDeriv(io.Name, res.Deriv); err != nil {
			return err
		}
		results = append(results, outputResult{name: io.Name, res: res})
	}
	for _, r := range results {
		objf.Update(r.name, r.res.TotWeight, r.res.TotObjf)
	}
	return nil
}

// applyDelta adds the momentum buffer into the parameters, scaled by
// (1-momentum) and clipped to MaxParamChange, then decays the buffer.
func (t *Trainer) applyDelta() {
	if t.delta == nil {
		return
	}
	scale := 1 - t.cfg.Momentum
	if t.cfg.MaxParamChange > 0 {
		paramDelta := t.delta.Norm() * scale
		if math.IsNaN(paramDelta) || math.IsInf(paramDelta, 0) {
			t.logger.Warn("infinite parameter change, will not apply", "minibatch", t.minibatches)
			t.delta.SetZero(false)
			return
		}
		if paramDelta > t.cfg.MaxParamChange {
			factor := t.cfg.MaxParamChange / paramDelta
			scale *= factor
			t.logger.Info("parameter change too big",
				"param_delta", paramDelta,
				"max_param_change", t.cfg.MaxParamChange,
				"scaling_factor", factor,
			)
		}
	}
	t.net.Params().AddScaled(scale, t.delta)
	t.delta.Scale(t.cfg.Momentum)
}

// PrintTotalStats logs the lifetime average objective of every output and
// reports whether any output saw nonzero weight.
func (t *Trainer) PrintTotalStats() bool {
	return t.objf.PrintTotalStats()
}

func (t *Trainer) Totals() []model.ObjectiveTotals {
	return t.objf.Totals()
}

func (t *Trainer) Minibatches() int {
	return t.minibatches
}

// CompilerStats reports compiled-computation cache hits and misses.
func (t *Trainer) CompilerStats() (hits, misses int) {
	return t.compiler.Stats()
}
