package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/model"
)

var (
	ErrUnknownNode  = errors.New("no such input or output node in network")
	ErrEmptyRequest = errors.New("computation request has no inputs or no outputs")
)

// Network is the node-level view of a network graph the trainer consults.
type Network interface {
	// NodeIndex returns -1 when no node has that name.
	NodeIndex(name string) int
	IsInputNode(node int) bool
	IsOutputNode(node int) bool
	ObjectiveType(node int) model.ObjectiveType
	Params() *Params
}

// ComponentStatsZeroer is implemented by networks that keep per-component
// activation statistics.
type ComponentStatsZeroer interface {
	ZeroComponentStats()
}

type IOSpec struct {
	Name     string
	Indexes  []model.Index
	HasDeriv bool
}

type ComputationRequest struct {
	Inputs              []IOSpec
	Outputs             []IOSpec
	NeedModelDerivative bool
	StoreComponentStats bool
}

// Computation is a compiled, executable plan for one request.
type Computation interface {
	Request() *ComputationRequest
}

type Compiler interface {
	Compile(req *ComputationRequest) (Computation, error)
}

// Executor creates a Computer that runs comp. Backward adds the parameter
// update into toUpdate.
type Executor interface {
	NewComputer(comp Computation, toUpdate *Params) (Computer, error)
}

type Computer interface {
	AcceptInputs(ios []model.IO) error
	Forward() error
	Output(name string) (*mat.Dense, error)
	AcceptOutputDeriv(name string, deriv *mat.Dense) error
	Backward() error
	InputDeriv(name string) (*mat.Dense, error)
}

// GetComputationRequest splits the blocks of eg into inputs and outputs using
// the node classification of net. Outputs always carry derivatives; inputs
// only when needInputDerivs is set.
func GetComputationRequest(net Network, eg model.Example, needModelDerivative, needInputDerivs, storeComponentStats bool) (*ComputationRequest, error) {
	req := &ComputationRequest{
		Inputs:              make([]IOSpec, 0, len(eg.IO)),
		Outputs:             make([]IOSpec, 0, len(eg.IO)),
		NeedModelDerivative: needModelDerivative,
		StoreComponentStats: storeComponentStats,
	}
	for _, io := range eg.IO {
		node := net.NodeIndex(io.Name)
		switch {
		case node >= 0 && net.IsInputNode(node):
			req.Inputs = append(req.Inputs, IOSpec{Name: io.Name, Indexes: io.Indexes, HasDeriv: needInputDerivs})
		case node >= 0 && net.IsOutputNode(node):
			req.Outputs = append(req.Outputs, IOSpec{Name: io.Name, Indexes: io.Indexes, HasDeriv: needModelDerivative})
		default:
			return nil, fmt.Errorf("example has input or output named %q: %w", io.Name, ErrUnknownNode)
		}
	}
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("no inputs: %w", ErrEmptyRequest)
	}
	if len(req.Outputs) == 0 {
		return nil, fmt.Errorf("no outputs: %w", ErrEmptyRequest)
	}
	return req, nil
}
