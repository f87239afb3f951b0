package calibrate

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"cammeasure.pro/vision/transform"
)

// RefinePose polishes a single view's 6-dof pose against the reprojection
// error, holding the intrinsics fixed. The pose is parameterized as three
// Euler angles plus translation and minimized by gradient descent with a
// finite-difference gradient. The refined pose is returned only when it beats
// the initial one.
func RefinePose(world []r3.Vector, image []r2.Point, intr *transform.PinholeCameraIntrinsics, initial *transform.Extrinsics, logger golog.Logger) (*transform.Extrinsics, error) {
	if len(world) != len(image) {
		return nil, errors.Errorf("correspondence sets differ in length: %d vs %d", len(world), len(image))
	}
	if len(world) < 4 {
		return nil, errors.Wrapf(transform.ErrInsufficientCorrespondences, "%d points, pose refinement needs 4", len(world))
	}

	roll, pitch, yaw := eulerFromMatrix(initial.Rotation())
	t := initial.Translation()
	init := []float64{roll, pitch, yaw, t.X, t.Y, t.Z}

	fcn := func(p []float64) float64 {
		pose := poseFromParams(p)
		mse := 0.0
		for i, wp := range world {
			predicted, err := transform.ProjectPoint(wp, intr, pose)
			if err != nil {
				return math.Inf(1)
			}
			mse += math.Pow(predicted.X-image[i].X, 2)
			mse += math.Pow(predicted.Y-image[i].Y, 2)
		}
		return mse / float64(len(world))
	}
	grad := func(grad, x []float64) {
		fd.Gradient(grad, fcn, x, nil)
	}
	problem := optimize.Problem{Func: fcn, Grad: grad}

	method := &optimize.GradientDescent{
		StepSizer:         &optimize.FirstOrderStepSize{},
		GradStopThreshold: 1e-8,
	}
	settings := &optimize.Settings{
		GradientThreshold: 0,
		Converger: &optimize.FunctionConverge{
			Relative:   0.005,
			Absolute:   1e-8,
			Iterations: 100,
		},
	}

	res, err := optimize.Minimize(problem, init, settings, method)
	if err != nil {
		return nil, errors.Wrap(err, "pose refinement")
	}
	logger.Debugf("pose refinement: %g -> %g (%v)", fcn(init), res.F, res.Status)
	if res.F >= fcn(init) {
		return initial, nil
	}
	return poseFromParams(res.X), nil
}

// poseFromParams builds [R|t] from (roll, pitch, yaw, tx, ty, tz) with the
// Z*Y*X rotation order.
func poseFromParams(p []float64) *transform.Extrinsics {
	cr, sr := math.Cos(p[0]), math.Sin(p[0])
	cp, sp := math.Cos(p[1]), math.Sin(p[1])
	cy, sy := math.Cos(p[2]), math.Sin(p[2])

	rot := mat.NewDense(3, 3, []float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	})
	return transform.NewExtrinsics(rot, r3.Vector{X: p[3], Y: p[4], Z: p[5]})
}

// eulerFromMatrix inverts poseFromParams' rotation convention.
func eulerFromMatrix(rot *mat.Dense) (roll, pitch, yaw float64) {
	sp := -rot.At(2, 0)
	sp = math.Max(-1, math.Min(1, sp))
	pitch = math.Asin(sp)
	if math.Abs(math.Cos(pitch)) > 1e-9 {
		roll = math.Atan2(rot.At(2, 1), rot.At(2, 2))
		yaw = math.Atan2(rot.At(1, 0), rot.At(0, 0))
	} else {
		// gimbal lock, fold yaw into roll
		roll = math.Atan2(-rot.At(0, 1), rot.At(1, 1))
		yaw = 0
	}
	return roll, pitch, yaw
}
