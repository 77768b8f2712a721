package matrix

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const compressedLevels = math.MaxUint16

// Compressed stores a matrix as 16-bit codes over one global [min, min+span]
// range.
type Compressed struct {
	numRows int
	numCols int
	min     float64
	span    float64
	codes   []uint16
}

func Compress(m mat.Matrix) *Compressed {
	r, c := m.Dims()
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	codes := make([]uint16, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			q := math.Round((m.At(i, j) - lo) / span * compressedLevels)
			codes[i*c+j] = uint16(math.Max(0, math.Min(compressedLevels, q)))
		}
	}
	return &Compressed{numRows: r, numCols: c, min: lo, span: span, codes: codes}
}

func (c *Compressed) Dims() (int, int) {
	return c.numRows, c.numCols
}

func (c *Compressed) ToDense() *mat.Dense {
	data := make([]float64, len(c.codes))
	for i, q := range c.codes {
		data[i] = c.min + c.span*float64(q)/compressedLevels
	}
	return mat.NewDense(c.numRows, c.numCols, data)
}
