package matrix

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmpty        = errors.New("matrix has no rows or columns")
	ErrDimMismatch  = errors.New("matrix dimension mismatch")
	ErrNothingToAdd = errors.New("no matrices to append")
)

type Kind int

const (
	KindFull Kind = iota
	KindSparse
	KindCompressed
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindSparse:
		return "sparse"
	case KindCompressed:
		return "compressed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// General holds feature or supervision data in one of three storage forms.
// The zero value is an empty full matrix.
type General struct {
	kind       Kind
	full       *mat.Dense
	sparse     *Sparse
	compressed *Compressed
}

// FromDense wraps d without copying it.
func FromDense(d *mat.Dense) General {
	return General{kind: KindFull, full: d}
}

func FromSparse(s *Sparse) General {
	return General{kind: KindSparse, sparse: s}
}

func FromCompressed(c *Compressed) General {
	return General{kind: KindCompressed, compressed: c}
}

func (g General) Kind() Kind {
	return g.kind
}

func (g General) IsEmpty() bool {
	r, c := g.Dims()
	return r == 0 || c == 0
}

func (g General) Dims() (rows, cols int) {
	switch g.kind {
	case KindSparse:
		if g.sparse != nil {
			return g.sparse.Dims()
		}
	case KindCompressed:
		if g.compressed != nil {
			return g.compressed.Dims()
		}
	default:
		if g.full != nil {
			return g.full.Dims()
		}
	}
	return 0, 0
}

func (g General) NumRows() int {
	r, _ := g.Dims()
	return r
}

func (g General) NumCols() int {
	_, c := g.Dims()
	return c
}

// Full returns the wrapped dense matrix when g is full.
func (g General) Full() (*mat.Dense, bool) {
	return g.full, g.kind == KindFull && g.full != nil
}

func (g General) Sparse() (*Sparse, bool) {
	return g.sparse, g.kind == KindSparse && g.sparse != nil
}

// Dense materializes g into a freshly allocated dense matrix. It returns nil
// for an empty matrix.
func (g General) Dense() *mat.Dense {
	if g.IsEmpty() {
		return nil
	}
	switch g.kind {
	case KindSparse:
		return g.sparse.ToDense()
	case KindCompressed:
		return g.compressed.ToDense()
	default:
		return mat.DenseCopyOf(g.full)
	}
}

func (g General) Sum() float64 {
	if g.IsEmpty() {
		return 0
	}
	switch g.kind {
	case KindSparse:
		return g.sparse.Sum()
	case KindCompressed:
		return mat.Sum(g.compressed.ToDense())
	default:
		return mat.Sum(g.full)
	}
}

// Compress returns a compressed copy of full matrices; sparse and already
// compressed matrices are returned unchanged.
func (g General) Compress() General {
	if g.kind != KindFull || g.IsEmpty() {
		return g
	}
	return FromCompressed(Compress(g.full))
}

// AppendRows stacks src vertically in order. The result is sparse when every
// input is sparse and full otherwise.
func AppendRows(src []General) (General, error) {
	if len(src) == 0 {
		return General{}, ErrNothingToAdd
	}

	cols := -1
	rows := 0
	allSparse := true
	for i, g := range src {
		r, c := g.Dims()
		if r == 0 || c == 0 {
			return General{}, fmt.Errorf("append block %d: %w", i, ErrEmpty)
		}
		if cols == -1 {
			cols = c
		} else if cols != c {
			return General{}, fmt.Errorf("append block %d: %d vs. %d columns: %w", i, cols, c, ErrDimMismatch)
		}
		rows += r
		if g.kind != KindSparse {
			allSparse = false
		}
	}

	if allSparse {
		out := make([][]Entry, 0, rows)
		for _, g := range src {
			for i := 0; i < g.sparse.rows(); i++ {
				out = append(out, append([]Entry(nil), g.sparse.Row(i)...))
			}
		}
		s, err := NewSparse(cols, out)
		if err != nil {
			return General{}, err
		}
		return FromSparse(s), nil
	}

	dst := mat.NewDense(rows, cols, nil)
	offset := 0
	for _, g := range src {
		offset += copyRowsInto(dst, offset, g)
	}
	return FromDense(dst), nil
}

func copyRowsInto(dst *mat.Dense, offset int, g General) int {
	switch g.kind {
	case KindSparse:
		for i := 0; i < g.sparse.rows(); i++ {
			for _, e := range g.sparse.Row(i) {
				dst.Set(offset+i, e.Col, e.Value)
			}
		}
		return g.sparse.rows()
	case KindCompressed:
		d := g.compressed.ToDense()
		r, _ := d.Dims()
		for i := 0; i < r; i++ {
			dst.SetRow(offset+i, d.RawRowView(i))
		}
		return r
	default:
		r, _ := g.full.Dims()
		for i := 0; i < r; i++ {
			dst.SetRow(offset+i, g.full.RawRowView(i))
		}
		return r
	}
}
