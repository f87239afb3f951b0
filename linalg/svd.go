package linalg

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	jacobiMaxSweeps = 100
	jacobiTol       = 1e-10
)

// SVD holds the factors of A = U * diag(S) * V^T. The singular values are in
// the order the Jacobi sweep leaves them, not sorted.
type SVD struct {
	U *mat.Dense
	S []float64
	V *mat.Dense
}

// SVD3x3 decomposes a 3x3 matrix with one-sided Jacobi rotations. V starts as
// the identity and accumulates the column rotations; the sweep stops after
// 100 iterations or once every off-diagonal column product is below 1e-10,
// whichever comes first.
func SVD3x3(m *mat.Dense) SVD {
	u, s, v, _ := jacobiSVD(m)
	return SVD{U: u, S: s, V: v}
}

// SmallestSingularVector solves the homogeneous least-squares problem
// A*x ~= 0, ||x|| = 1 for an m x n system with m >= n, returning the right
// singular vector of the smallest singular value.
func SmallestSingularVector(a *mat.Dense) ([]float64, error) {
	x, _, err := HomogeneousSolve(a)
	return x, err
}

// HomogeneousSolve is SmallestSingularVector plus the full set of singular
// values, so callers can judge how well-determined the null space is (more
// than one vanishing singular value means the solution is ambiguous). The
// primary path is the Jacobi sweep; if it fails to settle within its
// iteration cap the system is handed to gonum's SVD, which copes with
// ill-conditioned input.
func HomogeneousSolve(a *mat.Dense) ([]float64, []float64, error) {
	rows, cols := a.Dims()
	if rows < cols-1 {
		return nil, nil, errors.Errorf("underdetermined homogeneous system: %d rows for %d unknowns", rows, cols)
	}

	_, s, v, converged := jacobiSVD(a)
	if converged {
		min := 0
		for j := 1; j < len(s); j++ {
			if s[j] < s[min] {
				min = j
			}
		}
		out := make([]float64, cols)
		for i := range out {
			out[i] = v.At(i, min)
		}
		return out, s, nil
	}

	// Jacobi did not settle, fall back to gonum's Golub-Kahan SVD.
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, nil, errors.Wrap(ErrSingularSystem, "SVD factorization failed")
	}
	var matrixV mat.Dense
	svd.VTo(&matrixV)
	_, vCols := matrixV.Dims()
	out := make([]float64, cols)
	// gonum sorts singular values in decreasing order
	for i := range out {
		out[i] = matrixV.At(i, vCols-1)
	}
	return out, svd.Values(nil), nil
}

// jacobiSVD runs one-sided Jacobi rotations on the columns of a. On return
// the columns of u are orthonormal, s holds the column norms (the singular
// values) and v accumulates the applied rotations.
func jacobiSVD(a *mat.Dense) (u *mat.Dense, s []float64, v *mat.Dense, converged bool) {
	rows, cols := a.Dims()
	work := mat.DenseCopyOf(a)
	v = Identity(cols)

	for sweep := 0; sweep < jacobiMaxSweeps; sweep++ {
		off := 0.0
		for p := 0; p < cols-1; p++ {
			for q := p + 1; q < cols; q++ {
				var alpha, beta, gamma float64
				for r := 0; r < rows; r++ {
					ap, aq := work.At(r, p), work.At(r, q)
					alpha += ap * ap
					beta += aq * aq
					gamma += ap * aq
				}
				scaled := math.Abs(gamma) / math.Sqrt(alpha*beta+1e-300)
				if scaled > off {
					off = scaled
				}
				if math.Abs(gamma) < jacobiTol*math.Sqrt(alpha*beta)+1e-300 {
					continue
				}

				zeta := (beta - alpha) / (2 * gamma)
				t := math.Copysign(1, zeta) / (math.Abs(zeta) + math.Sqrt(1+zeta*zeta))
				c := 1 / math.Sqrt(1+t*t)
				sn := c * t

				for r := 0; r < rows; r++ {
					ap, aq := work.At(r, p), work.At(r, q)
					work.Set(r, p, c*ap-sn*aq)
					work.Set(r, q, sn*ap+c*aq)
				}
				for r := 0; r < cols; r++ {
					vp, vq := v.At(r, p), v.At(r, q)
					v.Set(r, p, c*vp-sn*vq)
					v.Set(r, q, sn*vp+c*vq)
				}
			}
		}
		if off < jacobiTol {
			converged = true
			break
		}
	}

	s = make([]float64, cols)
	u = mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		norm := 0.0
		for r := 0; r < rows; r++ {
			norm += work.At(r, j) * work.At(r, j)
		}
		norm = math.Sqrt(norm)
		s[j] = norm
		if norm > 1e-300 {
			for r := 0; r < rows; r++ {
				u.Set(r, j, work.At(r, j)/norm)
			}
		} else if j < rows {
			u.Set(j, j, 1)
		}
	}
	return u, s, v, converged
}
