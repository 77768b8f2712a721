package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Params is an ordered set of named dense parameter blocks. Two Params
// produced by Copy share the same layout and can be combined.
type Params struct {
	names  []string
	blocks []*mat.Dense
	index  map[string]int
	// asGradient marks a buffer that receives raw gradients: engines update it
	// with a learning rate of 1.
	asGradient bool
}

func NewParams() *Params {
	return &Params{index: make(map[string]int)}
}

// Add registers a copy of block under name.
func (p *Params) Add(name string, block *mat.Dense) error {
	if _, exists := p.index[name]; exists {
		return fmt.Errorf("parameter block %q already exists", name)
	}
	p.index[name] = len(p.blocks)
	p.names = append(p.names, name)
	p.blocks = append(p.blocks, mat.DenseCopyOf(block))
	return nil
}

func (p *Params) Block(name string) (*mat.Dense, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.blocks[i], true
}

func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

func (p *Params) NumParams() int {
	total := 0
	for _, b := range p.blocks {
		r, c := b.Dims()
		total += r * c
	}
	return total
}

func (p *Params) IsGradient() bool {
	return p.asGradient
}

func (p *Params) Copy() *Params {
	out := &Params{
		names:      append([]string(nil), p.names...),
		blocks:     make([]*mat.Dense, len(p.blocks)),
		index:      make(map[string]int, len(p.index)),
		asGradient: p.asGradient,
	}
	for i, b := range p.blocks {
		out.blocks[i] = mat.DenseCopyOf(b)
	}
	for k, v := range p.index {
		out.index[k] = v
	}
	return out
}

// Dot returns the sum over all blocks of the elementwise product with other.
func (p *Params) Dot(other *Params) float64 {
	p.mustMatch(other)
	total := 0.0
	for i, b := range p.blocks {
		total += floats.Dot(raw(b), raw(other.blocks[i]))
	}
	return total
}

func (p *Params) Norm() float64 {
	return math.Sqrt(p.Dot(p))
}

func (p *Params) Scale(alpha float64) {
	for _, b := range p.blocks {
		floats.Scale(alpha, raw(b))
	}
}

// AddScaled sets p += alpha * src.
func (p *Params) AddScaled(alpha float64, src *Params) {
	p.mustMatch(src)
	for i, b := range p.blocks {
		floats.AddScaled(raw(b), alpha, raw(src.blocks[i]))
	}
}

// SetZero zeroes every block. asGradient records whether the buffer will
// accumulate raw gradients rather than learning-rate scaled updates.
func (p *Params) SetZero(asGradient bool) {
	for _, b := range p.blocks {
		b.Zero()
	}
	p.asGradient = asGradient
}

func (p *Params) mustMatch(other *Params) {
	if len(p.blocks) != len(other.blocks) {
		panic(fmt.Sprintf("nn: parameter layout mismatch: %d vs. %d blocks", len(p.blocks), len(other.blocks)))
	}
	for i, b := range p.blocks {
		r1, c1 := b.Dims()
		r2, c2 := other.blocks[i].Dims()
		if r1 != r2 || c1 != c2 {
			panic(fmt.Sprintf("nn: parameter block %q is %dx%d vs. %dx%d", p.names[i], r1, c1, r2, c2))
		}
	}
}

// raw returns the backing slice of b. Blocks are always allocated by this
// package, so rows are contiguous.
func raw(b *mat.Dense) []float64 {
	return b.RawMatrix().Data
}
