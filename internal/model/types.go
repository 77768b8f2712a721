package model

import (
	"fmt"

	"nnetcore/internal/matrix"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Index identifies one row of an IO block: sub-example N, time T and an
// auxiliary coordinate X.
type Index struct {
	N int `json:"n"`
	T int `json:"t"`
	X int `json:"x"`
}

// IO is a named feature or supervision block. Row i of Features belongs to
// Indexes[i].
type IO struct {
	Name     string
	Features matrix.General
	Indexes  []Index
}

// NewIO labels the rows of features with consecutive time offsets starting
// at tBegin; N and X are zero.
func NewIO(name string, tBegin int, features matrix.General) IO {
	rows := features.NumRows()
	indexes := make([]Index, rows)
	for i := range indexes {
		indexes[i] = Index{T: tBegin + i}
	}
	return IO{Name: name, Features: features, Indexes: indexes}
}

func (io IO) Validate() error {
	if io.Name == "" {
		return fmt.Errorf("io block name is required")
	}
	if rows := io.Features.NumRows(); rows != len(io.Indexes) {
		return fmt.Errorf("io %q: %d feature rows vs. %d indexes", io.Name, rows, len(io.Indexes))
	}
	return nil
}

type Example struct {
	IO []IO
}

// Find returns the block named name.
func (e Example) Find(name string) (IO, bool) {
	for _, io := range e.IO {
		if io.Name == name {
			return io, true
		}
	}
	return IO{}, false
}

type ObjectiveType int

const (
	ObjectiveLinear ObjectiveType = iota
	ObjectiveQuadratic
)

func (o ObjectiveType) String() string {
	switch o {
	case ObjectiveLinear:
		return "linear"
	case ObjectiveQuadratic:
		return "quadratic"
	default:
		return fmt.Sprintf("objective(%d)", int(o))
	}
}

func ParseObjectiveType(name string) (ObjectiveType, error) {
	switch name {
	case "linear":
		return ObjectiveLinear, nil
	case "quadratic":
		return ObjectiveQuadratic, nil
	default:
		return 0, fmt.Errorf("unknown objective type: %s", name)
	}
}

// PhaseReport is the average objective of one output over a completed phase
// of minibatches.
type PhaseReport struct {
	VersionedRecord
	Output         string  `json:"output"`
	Phase          int     `json:"phase"`
	StartMinibatch int     `json:"start_minibatch"`
	EndMinibatch   int     `json:"end_minibatch"`
	Weight         float64 `json:"weight"`
	Objective      float64 `json:"objective"`
	AvgObjective   float64 `json:"avg_objective"`
}

// ObjectiveTotals are the lifetime sums for one output.
type ObjectiveTotals struct {
	Output     string  `json:"output"`
	Minibatch  int     `json:"minibatches"`
	TotWeight  float64 `json:"tot_weight"`
	TotObjf    float64 `json:"tot_objf"`
	AvgObjf    float64 `json:"avg_objf"`
	HasWeights bool    `json:"has_weights"`
}

// RunRecord summarizes one training run for listing.
type RunRecord struct {
	VersionedRecord
	ID                string  `json:"id"`
	Task              string  `json:"task"`
	Minibatches       int     `json:"minibatches"`
	MinibatchSize     int     `json:"minibatch_size"`
	Momentum          float64 `json:"momentum"`
	MaxParamChange    float64 `json:"max_param_change"`
	PerturbProportion float64 `json:"perturb_proportion"`
	Epsilon           float64 `json:"epsilon"`
	Seed              int64   `json:"seed"`
	CreatedAtUTC      string  `json:"created_at_utc"`
}
