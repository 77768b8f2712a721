// Package objective computes per-output training objectives and the
// derivative of the objective with respect to the network output.
package objective

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"nnetcore/internal/matrix"
	"nnetcore/internal/model"
)

var (
	ErrDimMismatch          = errors.New("output versus supervision dimension mismatch")
	ErrUnsupportedObjective = errors.New("unsupported objective type")
)

type Result struct {
	TotWeight float64
	TotObjf   float64
	// Deriv is d(objf)/d(output); nil unless requested.
	Deriv *mat.Dense
}

// Compute evaluates the objective of output against supervision.
//
// Linear assumes output already holds normalized log-probabilities, so the
// cross-entropy reduces to the sum of output weighted by supervision.
// Quadratic is -0.5 * ||supervision - output||².
func Compute(output *mat.Dense, supervision matrix.General, kind model.ObjectiveType, wantDeriv bool) (Result, error) {
	if output == nil || supervision.IsEmpty() {
		return Result{}, fmt.Errorf("objective %s: empty output or supervision", kind)
	}
	outRows, outCols := output.Dims()
	supRows, supCols := supervision.Dims()
	if outCols != supCols {
		return Result{}, fmt.Errorf("%d (nnet) vs. %d (egs) columns: %w", outCols, supCols, ErrDimMismatch)
	}
	if outRows != supRows {
		return Result{}, fmt.Errorf("%d (nnet) vs. %d (egs) rows: %w", outRows, supRows, ErrDimMismatch)
	}

	switch kind {
	case model.ObjectiveLinear:
		return linear(output, supervision, wantDeriv), nil
	case model.ObjectiveQuadratic:
		return quadratic(output, supervision, wantDeriv), nil
	default:
		return Result{}, fmt.Errorf("objective %s: %w", kind, ErrUnsupportedObjective)
	}
}

func linear(output *mat.Dense, supervision matrix.General, wantDeriv bool) Result {
	if post, ok := supervision.Sparse(); ok {
		res := Result{TotWeight: post.Sum(), TotObjf: post.TraceMul(output)}
		if wantDeriv {
			res.Deriv = post.ToDense()
		}
		return res
	}

	post := supervision.Dense()
	var prod mat.Dense
	prod.MulElem(output, post)
	res := Result{TotWeight: mat.Sum(post), TotObjf: mat.Sum(&prod)}
	if wantDeriv {
		res.Deriv = post
	}
	return res
}

func quadratic(output *mat.Dense, supervision matrix.General, wantDeriv bool) Result {
	diff := supervision.Dense()
	diff.Sub(diff, output)
	rows, _ := diff.Dims()

	var sq mat.Dense
	sq.MulElem(diff, diff)
	res := Result{TotWeight: float64(rows), TotObjf: -0.5 * mat.Sum(&sq)}
	if wantDeriv {
		res.Deriv = diff
	}
	return res
}
