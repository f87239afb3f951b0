package calibrate

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"cammeasure.pro/vision/linalg"
	"cammeasure.pro/vision/transform"
)

// ErrCalibrationDivergence reports that the refinement never met its step
// tolerance. It is a soft failure: Calibrate still returns its best-effort
// result alongside this error, flagged unconverged.
var ErrCalibrationDivergence = errors.New("calibration did not converge")

// numIntrinsicParams covers fx, fy, cx, cy, k1, k2, p1, p2, k3.
const numIntrinsicParams = 9

// View is one calibration image: known world reference points and their
// observed pixel projections.
type View struct {
	WorldPoints []r3.Vector
	ImagePoints []r2.Point
}

// Options tune the Levenberg-Marquardt refinement.
type Options struct {
	MaxIterations int     // default 100
	StepTolerance float64 // stop when the parameter update norm falls below this; default 1e-6
	InitialLambda float64 // default 1e-3
	RefinePoses   bool    // polish each view's pose after the intrinsics settle
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.StepTolerance <= 0 {
		o.StepTolerance = 1e-6
	}
	if o.InitialLambda <= 0 {
		o.InitialLambda = 1e-3
	}
	return o
}

// Result is the calibration output: shared intrinsics, one pose per view and
// the mean reprojection error in pixels. Converged is false when the result
// came back through ErrCalibrationDivergence and deserves low confidence.
type Result struct {
	Intrinsics            *transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Extrinsics            []*transform.Extrinsics            `json:"extrinsics"`
	MeanReprojectionError float64                            `json:"meanReprojectionError"`
	Converged             bool                               `json:"converged"`
}

// Calibrate estimates camera intrinsics and per-view poses from K views of
// known reference geometry. It starts from a naive guess (fx = fy = width,
// principal point at the image center, zero distortion), bootstraps each
// view's pose with EstimatePoseDLT, and alternates pose re-estimation with
// damped normal-equation steps on the nine intrinsic parameters until the
// update norm drops below the step tolerance or the iteration cap is hit.
// On divergence the best-effort result is returned together with
// ErrCalibrationDivergence rather than discarded.
func Calibrate(views []View, width, height int, opts Options, logger golog.Logger) (*Result, error) {
	if len(views) == 0 {
		return nil, errors.New("no calibration views")
	}
	totalPoints := 0
	for i, v := range views {
		if len(v.WorldPoints) != len(v.ImagePoints) {
			return nil, errors.Errorf("view %d: %d world points but %d image points", i, len(v.WorldPoints), len(v.ImagePoints))
		}
		if len(v.WorldPoints) < minPnPPoints {
			return nil, errors.Wrapf(transform.ErrInsufficientCorrespondences, "view %d has %d points, calibration needs %d", i, len(v.WorldPoints), minPnPPoints)
		}
		totalPoints += len(v.WorldPoints)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size (%d, %d)", width, height)
	}
	opts = opts.withDefaults()

	params := []float64{float64(width), float64(width), float64(width) / 2, float64(height) / 2, 0, 0, 0, 0, 0}
	poses, err := estimatePoses(views, intrinsicsFromParams(params, width, height))
	if err != nil {
		return nil, err
	}

	lambda := opts.InitialLambda
	converged := false
	cost := reprojectionCost(views, poses, params, width, height)
	jac := mat.NewDense(2*totalPoints, numIntrinsicParams, nil)

	for iter := 0; iter < opts.MaxIterations; iter++ {
		residualFunc := func(dst, x []float64) {
			fillResiduals(dst, views, poses, x, width, height)
		}
		fd.Jacobian(jac, residualFunc, params, &fd.JacobianSettings{Formula: fd.Central})

		residuals := make([]float64, 2*totalPoints)
		residualFunc(residuals, params)

		// (J^T J + lambda I) delta = J^T r
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		jtr := make([]float64, numIntrinsicParams)
		for c := 0; c < numIntrinsicParams; c++ {
			sum := 0.0
			for r := 0; r < 2*totalPoints; r++ {
				sum += jac.At(r, c) * residuals[r]
			}
			jtr[c] = sum
		}

		var delta []float64
		accepted := false
		for try := 0; try < 10; try++ {
			damped := mat.DenseCopyOf(&jtj)
			for i := 0; i < numIntrinsicParams; i++ {
				damped.Set(i, i, damped.At(i, i)+lambda)
			}
			step, solveErr := linalg.SolveLinear(damped, jtr)
			if solveErr != nil {
				lambda *= 10
				continue
			}
			trial := make([]float64, numIntrinsicParams)
			for i := range trial {
				trial[i] = params[i] - step[i]
			}
			if trialCost := reprojectionCost(views, poses, trial, width, height); trialCost < cost {
				params = trial
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				delta = step
				accepted = true
				break
			}
			lambda *= 10
		}

		logger.Debugf("iteration %d: cost %g lambda %g accepted %t", iter, cost, lambda, accepted)

		if !accepted {
			break
		}

		// poses were solved under the previous intrinsics; refit them
		if newPoses, poseErr := estimatePoses(views, intrinsicsFromParams(params, width, height)); poseErr == nil {
			if newCost := reprojectionCost(views, newPoses, params, width, height); newCost <= cost {
				poses = newPoses
				cost = newCost
			}
		}

		if stepNorm(delta) < opts.StepTolerance {
			converged = true
			break
		}
	}

	intr := intrinsicsFromParams(params, width, height)
	if opts.RefinePoses {
		for i := range poses {
			refined, refineErr := RefinePose(views[i].WorldPoints, views[i].ImagePoints, intr, poses[i], logger)
			if refineErr == nil {
				poses[i] = refined
			}
		}
	}

	meanErr := meanPixelError(views, poses, params, width, height)
	result := &Result{
		Intrinsics:            intr,
		Extrinsics:            poses,
		MeanReprojectionError: meanErr,
		Converged:             converged,
	}
	logger.Infof("calibration finished: mean reprojection error %.4fpx, converged %t", meanErr, converged)
	if !converged {
		return result, errors.Wrapf(ErrCalibrationDivergence, "after %d iterations, error %.4fpx", opts.MaxIterations, meanErr)
	}
	return result, nil
}

func estimatePoses(views []View, intr *transform.PinholeCameraIntrinsics) ([]*transform.Extrinsics, error) {
	poses := make([]*transform.Extrinsics, len(views))
	for i, v := range views {
		pose, err := EstimatePoseDLT(v.WorldPoints, v.ImagePoints, intr)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		poses[i] = pose
	}
	return poses, nil
}

func intrinsicsFromParams(p []float64, width, height int) *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     p[0],
		Fy:     p[1],
		Ppx:    p[2],
		Ppy:    p[3],
		Distortion: transform.DistortionModel{
			RadialK1:     p[4],
			RadialK2:     p[5],
			TangentialP1: p[6],
			TangentialP2: p[7],
			RadialK3:     p[8],
		},
	}
}

// fillResiduals writes predicted-minus-observed pixel residuals for every
// point of every view, poses held fixed.
func fillResiduals(dst []float64, views []View, poses []*transform.Extrinsics, params []float64, width, height int) {
	intr := intrinsicsFromParams(params, width, height)
	idx := 0
	for v, view := range views {
		for i, wp := range view.WorldPoints {
			predicted, err := transform.ProjectPoint(wp, intr, poses[v])
			if err != nil {
				// behind-camera geometry during a trial step: huge residual,
				// the step gets rejected
				dst[idx] = 1e6
				dst[idx+1] = 1e6
				idx += 2
				continue
			}
			dst[idx] = predicted.X - view.ImagePoints[i].X
			dst[idx+1] = predicted.Y - view.ImagePoints[i].Y
			idx += 2
		}
	}
}

// reprojectionCost is the mean squared pixel residual.
func reprojectionCost(views []View, poses []*transform.Extrinsics, params []float64, width, height int) float64 {
	total := 0
	for _, v := range views {
		total += len(v.WorldPoints)
	}
	residuals := make([]float64, 2*total)
	fillResiduals(residuals, views, poses, params, width, height)
	sum := 0.0
	for _, r := range residuals {
		sum += r * r
	}
	return sum / float64(total)
}

// meanPixelError is the mean Euclidean pixel distance between observed and
// reprojected points across all views.
func meanPixelError(views []View, poses []*transform.Extrinsics, params []float64, width, height int) float64 {
	total := 0
	for _, v := range views {
		total += len(v.WorldPoints)
	}
	residuals := make([]float64, 2*total)
	fillResiduals(residuals, views, poses, params, width, height)
	sum := 0.0
	for i := 0; i < total; i++ {
		sum += math.Hypot(residuals[2*i], residuals[2*i+1])
	}
	return sum / float64(total)
}

func stepNorm(delta []float64) float64 {
	if delta == nil {
		return math.Inf(1)
	}
	sum := 0.0
	for _, d := range delta {
		sum += d * d
	}
	return math.Sqrt(sum)
}
