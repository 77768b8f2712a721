package matrix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type Entry struct {
	Col   int
	Value float64
}

// Sparse is a row-major posterior matrix: each row lists its nonzero
// (column, value) pairs.
type Sparse struct {
	cols int
	data [][]Entry
}

func NewSparse(cols int, rowEntries [][]Entry) (*Sparse, error) {
	if cols <= 0 || len(rowEntries) == 0 {
		return nil, ErrEmpty
	}
	for r, row := range rowEntries {
		for _, e := range row {
			if e.Col < 0 || e.Col >= cols {
				return nil, fmt.Errorf("row %d: column %d out of range [0,%d)", r, e.Col, cols)
			}
		}
	}
	return &Sparse{cols: cols, data: rowEntries}, nil
}

// OneHot builds a sparse matrix with a single weight-1 entry per row.
func OneHot(cols int, labels []int) (*Sparse, error) {
	rows := make([][]Entry, len(labels))
	for i, label := range labels {
		rows[i] = []Entry{{Col: label, Value: 1}}
	}
	return NewSparse(cols, rows)
}

func (s *Sparse) Dims() (int, int) {
	return len(s.data), s.cols
}

func (s *Sparse) rows() int {
	return len(s.data)
}

func (s *Sparse) Row(i int) []Entry {
	return s.data[i]
}

func (s *Sparse) Sum() float64 {
	total := 0.0
	for _, row := range s.data {
		for _, e := range row {
			total += e.Value
		}
	}
	return total
}

func (s *Sparse) ToDense() *mat.Dense {
	d := mat.NewDense(len(s.data), s.cols, nil)
	for r, row := range s.data {
		for _, e := range row {
			d.Set(r, e.Col, d.At(r, e.Col)+e.Value)
		}
	}
	return d
}

// TraceMul returns trace(dᵀ·s), i.e. the sum of d[r,c]*s[r,c] over the
// nonzero entries of s.
func (s *Sparse) TraceMul(d mat.Matrix) float64 {
	total := 0.0
	for r, row := range s.data {
		for _, e := range row {
			total += d.At(r, e.Col) * e.Value
		}
	}
	return total
}
