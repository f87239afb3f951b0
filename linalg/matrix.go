// Package linalg is the small dense linear-algebra kernel shared by the
// calibration, projective-geometry and triangulation packages. It keeps the
// fixed-size routines (3x3 inverses, Jacobi sweeps, Gaussian elimination)
// explicit so callers get typed failures instead of panics, and delegates
// general storage to gonum.
package linalg

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingularMatrix is returned when a matrix cannot be inverted.
	ErrSingularMatrix = errors.New("singular matrix")
	// ErrSingularSystem is returned when Gaussian elimination finds a dead pivot column.
	ErrSingularSystem = errors.New("singular linear system")
)

const singularTol = 1e-10

// Multiply3x3 returns the product A*B of two 3x3 matrices.
func Multiply3x3(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// Invert3x3 inverts a 3x3 matrix through its adjugate. It returns
// ErrSingularMatrix when the determinant magnitude falls below 1e-10.
func Invert3x3(m *mat.Dense) (*mat.Dense, error) {
	a, b, c := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	d, e, f := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	g, h, i := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	det := a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
	if math.Abs(det) < singularTol {
		return nil, errors.Wrapf(ErrSingularMatrix, "determinant %g", det)
	}

	inv := mat.NewDense(3, 3, []float64{
		e*i - f*h, c*h - b*i, b*f - c*e,
		f*g - d*i, a*i - c*g, c*d - a*f,
		d*h - e*g, b*g - a*h, a*e - b*d,
	})
	inv.Scale(1/det, inv)
	return inv, nil
}

// SolveLinear solves the square system A*x = b by Gaussian elimination with
// partial pivoting. It returns ErrSingularSystem when a pivot column is
// entirely ~0 after pivoting.
func SolveLinear(a *mat.Dense, b []float64) ([]float64, error) {
	n, cols := a.Dims()
	if n != cols || n != len(b) {
		return nil, errors.Errorf("system shape mismatch: %dx%d matrix, %d-element rhs", n, cols, len(b))
	}

	// work on copies, callers own their buffers
	work := mat.DenseCopyOf(a)
	rhs := make([]float64, n)
	copy(rhs, b)

	for col := 0; col < n; col++ {
		pivot := col
		maxAbs := math.Abs(work.At(col, col))
		for r := col + 1; r < n; r++ {
			if v := math.Abs(work.At(r, col)); v > maxAbs {
				maxAbs = v
				pivot = r
			}
		}
		if maxAbs < 1e-12 {
			return nil, errors.Wrapf(ErrSingularSystem, "pivot column %d", col)
		}
		if pivot != col {
			swapRows(work, pivot, col)
			rhs[pivot], rhs[col] = rhs[col], rhs[pivot]
		}
		for r := col + 1; r < n; r++ {
			factor := work.At(r, col) / work.At(col, col)
			if factor == 0 {
				continue
			}
			for c := col; c < n; c++ {
				work.Set(r, c, work.At(r, c)-factor*work.At(col, c))
			}
			rhs[r] -= factor * rhs[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := rhs[r]
		for c := r + 1; c < n; c++ {
			sum -= work.At(r, c) * x[c]
		}
		x[r] = sum / work.At(r, r)
	}
	return x, nil
}

func swapRows(m *mat.Dense, i, j int) {
	_, cols := m.Dims()
	for c := 0; c < cols; c++ {
		vi, vj := m.At(i, c), m.At(j, c)
		m.Set(i, c, vj)
		m.Set(j, c, vi)
	}
}

// Identity returns the n x n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
