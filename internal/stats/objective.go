package stats

import (
	"fmt"
	"log/slog"
	"sort"

	"nnetcore/internal/model"
)

// ReportFunc receives every completed phase.
type ReportFunc func(model.PhaseReport)

// ObjectiveInfo accumulates the objective of one output. Minibatches are
// grouped into phases of minibatchesPerPhase; each completed phase is logged
// and handed to the report sink, then its accumulators are reset.
type ObjectiveInfo struct {
	output              string
	minibatchesPerPhase int
	logger              *slog.Logger
	report              ReportFunc

	minibatches  int
	currentPhase int

	totWeightThisPhase float64
	totObjfThisPhase   float64
	totWeight          float64
	totObjf            float64
}

func NewObjectiveInfo(output string, minibatchesPerPhase int, logger *slog.Logger, report ReportFunc) *ObjectiveInfo {
	if minibatchesPerPhase <= 0 {
		minibatchesPerPhase = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectiveInfo{
		output:              output,
		minibatchesPerPhase: minibatchesPerPhase,
		logger:              logger,
		report:              report,
	}
}

// Update adds one minibatch's totals.
func (o *ObjectiveInfo) Update(weight, objf float64) {
	o.totWeightThisPhase += weight
	o.totObjfThisPhase += objf
	o.totWeight += weight
	o.totObjf += objf
	o.minibatches++

	if o.minibatches%o.minibatchesPerPhase == 0 {
		o.advance(o.minibatches / o.minibatchesPerPhase)
	}
}

func (o *ObjectiveInfo) advance(phase int) {
	if phase != o.currentPhase+1 {
		panic(fmt.Sprintf("stats: output %q jumped from phase %d to %d", o.output, o.currentPhase, phase))
	}
	o.reportPhase()
	o.currentPhase = phase
	o.totWeightThisPhase = 0
	o.totObjfThisPhase = 0
}

func (o *ObjectiveInfo) reportPhase() {
	start := o.currentPhase * o.minibatchesPerPhase
	report := model.PhaseReport{
		Output:         o.output,
		Phase:          o.currentPhase,
		StartMinibatch: start,
		EndMinibatch:   start + o.minibatchesPerPhase - 1,
		Weight:         o.totWeightThisPhase,
		Objective:      o.totObjfThisPhase,
		AvgObjective:   average(o.totObjfThisPhase, o.totWeightThisPhase),
	}
	o.logger.Info("average objective function",
		"output", report.Output,
		"phase", report.Phase,
		"start_minibatch", report.StartMinibatch,
		"end_minibatch", report.EndMinibatch,
		"avg_objf", report.AvgObjective,
		"weight", report.Weight,
	)
	if o.report != nil {
		o.report(report)
	}
}

// FinalReport returns the lifetime weighted average. ok is false when no
// weight was ever observed, in which case the average is meaningless.
func (o *ObjectiveInfo) FinalReport() (avg float64, ok bool) {
	return average(o.totObjf, o.totWeight), o.totWeight != 0
}

func (o *ObjectiveInfo) PrintTotalStats() bool {
	avg, ok := o.FinalReport()
	o.logger.Info("overall average objective function",
		"output", o.output,
		"avg_objf", avg,
		"weight", o.totWeight,
	)
	o.logger.Info(fmt.Sprintf("log-prob-per-frame=%g", avg), "output", o.output)
	return ok
}

func (o *ObjectiveInfo) Totals() model.ObjectiveTotals {
	avg, ok := o.FinalReport()
	return model.ObjectiveTotals{
		Output:     o.output,
		Minibatch:  o.minibatches,
		TotWeight:  o.totWeight,
		TotObjf:    o.totObjf,
		AvgObjf:    avg,
		HasWeights: ok,
	}
}

func average(objf, weight float64) float64 {
	if weight == 0 {
		return 0
	}
	return objf / weight
}

// ObjectiveSet keys ObjectiveInfo entries by output name.
type ObjectiveSet struct {
	minibatchesPerPhase int
	logger              *slog.Logger
	report              ReportFunc
	infos               map[string]*ObjectiveInfo
}

func NewObjectiveSet(minibatchesPerPhase int, logger *slog.Logger, report ReportFunc) *ObjectiveSet {
	return &ObjectiveSet{
		minibatchesPerPhase: minibatchesPerPhase,
		logger:              logger,
		report:              report,
		infos:               make(map[string]*ObjectiveInfo),
	}
}

func (s *ObjectiveSet) Update(output string, weight, objf float64) {
	info, ok := s.infos[output]
	if !ok {
		info = NewObjectiveInfo(output, s.minibatchesPerPhase, s.logger, s.report)
		s.infos[output] = info
	}
	info.Update(weight, objf)
}

func (s *ObjectiveSet) Get(output string) (*ObjectiveInfo, bool) {
	info, ok := s.infos[output]
	return info, ok
}

func (s *ObjectiveSet) Outputs() []string {
	names := make([]string, 0, len(s.infos))
	for name := range s.infos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrintTotalStats logs every output's lifetime average and reports whether
// any output saw nonzero weight.
func (s *ObjectiveSet) PrintTotalStats() bool {
	seen := false
	for _, name := range s.Outputs() {
		if s.infos[name].PrintTotalStats() {
			seen = true
		}
	}
	return seen
}

func (s *ObjectiveSet) Totals() []model.ObjectiveTotals {
	names := s.Outputs()
	out := make([]model.ObjectiveTotals, 0, len(names))
	for _, name := range names {
		out = append(out, s.infos[name].Totals())
	}
	return out
}
