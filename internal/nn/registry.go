package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrNonlinearityExists   = errors.New("nonlinearity already registered")
	ErrNonlinearityNotFound = errors.New("nonlinearity not found")
)

const (
	NonlinearityIdentity   = "identity"
	NonlinearityLogSoftmax = "log-softmax"
	NonlinearityTanh       = "tanh"
)

// Nonlinearity is applied row by row to an output's affine values.
// Forward rewrites a row in place; Backward turns d(objf)/d(output) into
// d(objf)/d(input) in place given the forward output row.
type Nonlinearity struct {
	Name     string
	Forward  func(row []float64)
	Backward func(output, deriv []float64)
}

var nonlinearityRegistry = struct {
	mu sync.RWMutex
	m  map[string]Nonlinearity
}{
	m: make(map[string]Nonlinearity),
}

func init() {
	initializeBuiltInNonlinearities()
}

func initializeBuiltInNonlinearities() {
	MustRegisterNonlinearity(Nonlinearity{
		Name:     NonlinearityIdentity,
		Forward:  func([]float64) {},
		Backward: func([]float64, []float64) {},
	})
	MustRegisterNonlinearity(Nonlinearity{
		Name:    NonlinearityLogSoftmax,
		Forward: logSoftmax,
		Backward: func(output, deriv []float64) {
			total := floats.Sum(deriv)
			for j, logp := range output {
				deriv[j] -= math.Exp(logp) * total
			}
		},
	})
	MustRegisterNonlinearity(Nonlinearity{
		Name: NonlinearityTanh,
		Forward: func(row []float64) {
			for i, v := range row {
				row[i] = math.Tanh(v)
			}
		},
		Backward: func(output, deriv []float64) {
			for i, y := range output {
				deriv[i] *= 1 - y*y
			}
		},
	})
}

func RegisterNonlinearity(nl Nonlinearity) error {
	if nl.Name == "" {
		return errors.New("nonlinearity name is required")
	}
	if nl.Forward == nil || nl.Backward == nil {
		return errors.New("nonlinearity forward and backward are required")
	}

	nonlinearityRegistry.mu.Lock()
	defer nonlinearityRegistry.mu.Unlock()

	if _, exists := nonlinearityRegistry.m[nl.Name]; exists {
		return fmt.Errorf("%w: %s", ErrNonlinearityExists, nl.Name)
	}
	nonlinearityRegistry.m[nl.Name] = nl
	return nil
}

func MustRegisterNonlinearity(nl Nonlinearity) {
	if err := RegisterNonlinearity(nl); err != nil {
		panic(err)
	}
}

func GetNonlinearity(name string) (Nonlinearity, error) {
	nonlinearityRegistry.mu.RLock()
	nl, ok := nonlinearityRegistry.m[name]
	nonlinearityRegistry.mu.RUnlock()
	if !ok {
		return Nonlinearity{}, fmt.Errorf("%w: %s", ErrNonlinearityNotFound, name)
	}
	return nl, nil
}

func ListNonlinearities() []string {
	nonlinearityRegistry.mu.RLock()
	defer nonlinearityRegistry.mu.RUnlock()

	names := make([]string, 0, len(nonlinearityRegistry.m))
	for name := range nonlinearityRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetNonlinearityRegistryForTests() {
	nonlinearityRegistry.mu.Lock()
	nonlinearityRegistry.m = make(map[string]Nonlinearity)
	nonlinearityRegistry.mu.Unlock()
	initializeBuiltInNonlinearities()
}

func logSoftmax(row []float64) {
	m := floats.Max(row)
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - m)
	}
	floats.AddConst(-(m + math.Log(sum)), row)
}
