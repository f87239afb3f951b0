// Package stereo recovers 3D structure from two or more calibrated views:
// projection-matrix construction, DLT point triangulation, dense
// block-matching disparity and disparity-to-depth conversion.
package stereo

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cammeasure.pro/vision/linalg"
	"cammeasure.pro/vision/transform"
)

// ErrTriangulationFailure is returned when the triangulated point has no
// finite position: the views do not constrain it (identical cameras) or the
// homogeneous coordinate vanishes (point at infinity).
var ErrTriangulationFailure = errors.New("triangulation failure")

// Observation pairs a camera's 3x4 projection matrix with the pixel where the
// point was seen, undistorted by the caller if the camera has lens distortion.
type Observation struct {
	Projection *mat.Dense
	Point      r2.Point
}

// ProjectionMatrix builds the 3x4 matrix P = K * [R|t].
func ProjectionMatrix(intr *transform.PinholeCameraIntrinsics, ext *transform.Extrinsics) *mat.Dense {
	var p mat.Dense
	p.Mul(intr.Matrix(), ext.Matrix())
	return &p
}

// TriangulatePoint recovers the 3D point seen by two or more views. Each
// observation contributes two rows to a homogeneous system whose null-space
// vector is the point in homogeneous coordinates.
func TriangulatePoint(observations []Observation) (r3.Vector, error) {
	if len(observations) < 2 {
		return r3.Vector{}, errors.Wrapf(transform.ErrInsufficientCorrespondences, "%d views, triangulation needs 2", len(observations))
	}

	a := mat.NewDense(2*len(observations), 4, nil)
	for i, obs := range observations {
		p := obs.Projection
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, obs.Point.Y*p.At(2, c)-p.At(1, c))
			a.Set(2*i+1, c, p.At(0, c)-obs.Point.X*p.At(2, c))
		}
	}

	x, singular, err := linalg.HomogeneousSolve(a)
	if err != nil {
		return r3.Vector{}, errors.Wrap(err, "triangulation")
	}

	// a second vanishing singular value means the rays do not intersect in a
	// single point (duplicate or near-duplicate views)
	maxSV := 0.0
	for _, s := range singular {
		maxSV = math.Max(maxSV, s)
	}
	vanishing := 0
	for _, s := range singular {
		if s < 1e-9*maxSV {
			vanishing++
		}
	}
	if vanishing > 1 {
		return r3.Vector{}, errors.Wrap(ErrTriangulationFailure, "non-diverse views")
	}

	norm := math.Sqrt(x[0]*x[0] + x[1]*x[1] + x[2]*x[2] + x[3]*x[3])
	if math.Abs(x[3]) < 1e-10*norm {
		return r3.Vector{}, errors.Wrap(ErrTriangulationFailure, "point at infinity")
	}
	return r3.Vector{X: x[0] / x[3], Y: x[1] / x[3], Z: x[2] / x[3]}, nil
}

// Triangulate is the two-view case: the same point observed in a left and a
// right camera.
func Triangulate(left, right r2.Point, p1, p2 *mat.Dense) (r3.Vector, error) {
	return TriangulatePoint([]Observation{
		{Projection: p1, Point: left},
		{Projection: p2, Point: right},
	})
}

// MultiViewTriangulate triangulates a batch of points observed across the
// same N views. points2D is indexed [view][point]; every view must observe
// every point.
func MultiViewTriangulate(points2D [][]r2.Point, projections []*mat.Dense) ([]r3.Vector, error) {
	if len(points2D) != len(projections) {
		return nil, errors.Errorf("%d point sets for %d cameras", len(points2D), len(projections))
	}
	if len(projections) < 2 {
		return nil, errors.Wrapf(transform.ErrInsufficientCorrespondences, "%d views, triangulation needs 2", len(projections))
	}
	numPoints := len(points2D[0])
	for v, pts := range points2D {
		if len(pts) != numPoints {
			return nil, errors.Errorf("view %d observes %d points, view 0 observes %d", v, len(pts), numPoints)
		}
	}

	out := make([]r3.Vector, numPoints)
	obs := make([]Observation, len(projections))
	for i := 0; i < numPoints; i++ {
		for v := range projections {
			obs[v] = Observation{Projection: projections[v], Point: points2D[v][i]}
		}
		pt, err := TriangulatePoint(obs)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		out[i] = pt
	}
	return out, nil
}
