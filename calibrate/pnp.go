// Package calibrate estimates camera intrinsics and per-view poses from
// 3D-to-2D point correspondences: a DLT perspective-n-point solve per view
// bootstraps the poses, and Levenberg-Marquardt refines the nine intrinsic
// unknowns (fx, fy, cx, cy, k1, k2, p1, p2, k3) against the reprojection
// residual.
package calibrate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cammeasure.pro/vision/linalg"
	"cammeasure.pro/vision/transform"
)

// minPnPPoints is the smallest correspondence count for a stable 11-dof DLT
// pose solve.
const minPnPPoints = 6

// EstimatePoseDLT recovers a camera pose from world points and their observed
// pixels. Each correspondence contributes two rows to a 2Nx12 homogeneous
// system over normalized image coordinates; the null-space vector is reshaped
// into [R|t] and the rotation block snapped to the nearest orthonormal matrix.
func EstimatePoseDLT(world []r3.Vector, image []r2.Point, intr *transform.PinholeCameraIntrinsics) (*transform.Extrinsics, error) {
	if len(world) != len(image) {
		return nil, errors.Errorf("correspondence sets differ in length: %d vs %d", len(world), len(image))
	}
	if len(world) < minPnPPoints {
		return nil, errors.Wrapf(transform.ErrInsufficientCorrespondences, "%d points, PnP needs %d", len(world), minPnPPoints)
	}
	if err := intr.CheckValid(); err != nil {
		return nil, err
	}

	a := mat.NewDense(2*len(world), 12, nil)
	for i, wp := range world {
		n := intr.NormalizePixel(image[i])
		a.SetRow(2*i, []float64{
			wp.X, wp.Y, wp.Z, 1,
			0, 0, 0, 0,
			-n.X * wp.X, -n.X * wp.Y, -n.X * wp.Z, -n.X,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, 0,
			wp.X, wp.Y, wp.Z, 1,
			-n.Y * wp.X, -n.Y * wp.Y, -n.Y * wp.Z, -n.Y,
		})
	}

	p, err := linalg.SmallestSingularVector(a)
	if err != nil {
		return nil, errors.Wrap(err, "PnP null-space solve")
	}

	rraw := mat.NewDense(3, 3, []float64{
		p[0], p[1], p[2],
		p[4], p[5], p[6],
		p[8], p[9], p[10],
	})
	traw := r3.Vector{X: p[3], Y: p[7], Z: p[11]}

	// the null-space vector has arbitrary scale; the rotation rows fix it
	scale := 0.0
	for r := 0; r < 3; r++ {
		scale += math.Hypot(math.Hypot(rraw.At(r, 0), rraw.At(r, 1)), rraw.At(r, 2))
	}
	scale = 3 / scale
	rraw.Scale(scale, rraw)
	traw = traw.Mul(scale)

	// cheirality: the first world point must sit in front of the camera
	depth := rraw.At(2, 0)*world[0].X + rraw.At(2, 1)*world[0].Y + rraw.At(2, 2)*world[0].Z + traw.Z
	if depth < 0 {
		rraw.Scale(-1, rraw)
		traw = traw.Mul(-1)
	}

	rot, err := nearestRotation(rraw)
	if err != nil {
		return nil, err
	}
	return transform.NewExtrinsics(rot, traw), nil
}

// nearestRotation projects a 3x3 matrix onto SO(3) via its SVD: R = U*V^T
// with the last column of V flipped if the determinant comes out negative.
func nearestRotation(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.Wrap(linalg.ErrSingularMatrix, "rotation factorization")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		flip := linalg.Identity(3)
		flip.Set(2, 2, -1)
		rot.Mul(&u, flip)
		rot.Mul(&rot, v.T())
	}
	return mat.DenseCopyOf(&rot), nil
}
