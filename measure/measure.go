// Package measure orchestrates the geometric core into object measurements:
// it triangulates landmark correspondences across calibrated views, scales
// the result with one known real-world reference distance, and scores the
// outcome by reprojection error.
package measure

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cammeasure.pro/vision/stereo"
	"cammeasure.pro/vision/transform"
)

// Camera is one view's full calibration.
type Camera struct {
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Extrinsics *transform.Extrinsics              `json:"extrinsics"`
}

// View is one camera's observation of the landmark set. Points are indexed
// consistently across views: Points[i] in every view is the same landmark.
type View struct {
	Camera Camera     `json:"camera"`
	Points []r2.Point `json:"points"`
}

// Reference anchors the metric scale: the real-world distance between two of
// the landmarks, identified by index.
type Reference struct {
	IndexA   int     `json:"indexA"`
	IndexB   int     `json:"indexB"`
	Distance float64 `json:"distance"`
}

// Measurement is the scaled output of a measurement request.
type Measurement struct {
	WorldCoordinates  []r3.Vector  `json:"worldCoordinates"`
	ImageCoordinates  [][]r2.Point `json:"imageCoordinates"`
	ReprojectionError float64      `json:"reprojectionError"` // mean px
	ScaleFactor       float64      `json:"scaleFactor"`
	Confidence        float64      `json:"confidence"` // in [0,1]
}

// Quality buckets the reprojection error the way the measurement UI reports
// it: under 1px is high, under 2px medium, anything above low.
func (m *Measurement) Quality() string {
	switch {
	case m.ReprojectionError < 1.0:
		return "high"
	case m.ReprojectionError < 2.0:
		return "medium"
	default:
		return "low"
	}
}

// DistanceBetween returns the scaled distance between two landmarks.
func (m *Measurement) DistanceBetween(i, j int) float64 {
	return Distance(m.WorldCoordinates[i], m.WorldCoordinates[j])
}

// Distance is the Euclidean distance between two 3D points.
func Distance(a, b r3.Vector) float64 {
	return a.Sub(b).Norm()
}

// MeasureObject triangulates every landmark from N calibrated views, scales
// the cloud so that the reference pair spans its known real-world distance,
// and scores the result: mean reprojection error in pixels and a linear
// confidence that reaches zero at 10px.
func MeasureObject(views []View, ref Reference) (*Measurement, error) {
	if len(views) < 2 {
		return nil, errors.Wrapf(transform.ErrInsufficientCorrespondences, "%d views, measurement needs 2", len(views))
	}
	numPoints := len(views[0].Points)
	if numPoints < 2 {
		return nil, errors.Wrap(transform.ErrInsufficientCorrespondences, "measurement needs at least the two reference landmarks")
	}
	for i, v := range views {
		if len(v.Points) != numPoints {
			return nil, errors.Errorf("view %d observes %d points, view 0 observes %d", i, len(v.Points), numPoints)
		}
		if err := v.Camera.Intrinsics.CheckValid(); err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		if err := v.Camera.Extrinsics.CheckValid(); err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
	}
	if ref.IndexA == ref.IndexB || ref.IndexA < 0 || ref.IndexB < 0 || ref.IndexA >= numPoints || ref.IndexB >= numPoints {
		return nil, errors.Errorf("reference indices (%d, %d) out of range for %d landmarks", ref.IndexA, ref.IndexB, numPoints)
	}
	if ref.Distance <= 0 {
		return nil, errors.Errorf("reference distance must be positive, got %v", ref.Distance)
	}

	// triangulation expects undistorted pixels and P = K*[R|t]
	projections := make([]*mat.Dense, len(views))
	undistorted := make([][]r2.Point, len(views))
	for v, view := range views {
		projections[v] = stereo.ProjectionMatrix(view.Camera.Intrinsics, view.Camera.Extrinsics)
		undistorted[v] = make([]r2.Point, numPoints)
		for i, p := range view.Points {
			undistorted[v][i] = undistortPixel(view.Camera.Intrinsics, p)
		}
	}

	points3D, err := stereo.MultiViewTriangulate(undistorted, projections)
	if err != nil {
		return nil, errors.Wrap(err, "measurement triangulation")
	}

	unscaled := Distance(points3D[ref.IndexA], points3D[ref.IndexB])
	if unscaled < 1e-12 {
		return nil, errors.Errorf("reference landmarks %d and %d triangulate to the same point", ref.IndexA, ref.IndexB)
	}
	scale := ref.Distance / unscaled

	scaled := make([]r3.Vector, numPoints)
	for i, p := range points3D {
		scaled[i] = p.Mul(scale)
	}

	// reprojection happens in the calibration's own unit: the pixel residual
	// is scale-invariant, so the unscaled cloud is the one to project
	pixelErrors := make([]float64, 0, numPoints*len(views))
	for _, view := range views {
		for i, p := range points3D {
			predicted, projErr := transform.ProjectPoint(p, view.Camera.Intrinsics, view.Camera.Extrinsics)
			if projErr != nil {
				return nil, errors.Wrapf(projErr, "reprojecting landmark %d", i)
			}
			pixelErrors = append(pixelErrors, math.Hypot(predicted.X-view.Points[i].X, predicted.Y-view.Points[i].Y))
		}
	}
	reprojErr := stat.Mean(pixelErrors, nil)

	imageCoords := make([][]r2.Point, len(views))
	for v, view := range views {
		imageCoords[v] = append([]r2.Point(nil), view.Points...)
	}

	return &Measurement{
		WorldCoordinates:  scaled,
		ImageCoordinates:  imageCoords,
		ReprojectionError: reprojErr,
		ScaleFactor:       scale,
		Confidence:        math.Max(0, 1-reprojErr/10),
	}, nil
}

// undistortPixel removes the lens distortion from an observed pixel, keeping
// it in pixel units.
func undistortPixel(intr *transform.PinholeCameraIntrinsics, p r2.Point) r2.Point {
	n := intr.NormalizePixel(p)
	return r2.Point{X: n.X*intr.Fx + intr.Ppx, Y: n.Y*intr.Fy + intr.Ppy}
}
