package transform

import (
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r2"
	"github.com/maorshutman/lm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cammeasure.pro/vision/linalg"
)

var (
	// ErrNoValidHomography is returned when RANSAC never finds a model with
	// at least 4 inliers.
	ErrNoValidHomography = errors.New("no valid homography found")
	// ErrDegenerateTransform is returned when a homogeneous transform sends a
	// point to infinity.
	ErrDegenerateTransform = errors.New("degenerate homogeneous transform")
	// ErrInsufficientCorrespondences is returned when a solver receives fewer
	// points than its minimal sample.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
)

const minHomographyPoints = 4

// Homography is a planar projective transform between two point sets with the
// RANSAC consensus that produced it.
type Homography struct {
	Matrix     *mat.Dense `json:"matrix"`
	Confidence float64    `json:"confidence"` // inliers / total, in [0,1]
	Inliers    int        `json:"inliers"`
	Outliers   int        `json:"outliers"`
}

// Apply transforms a point through the homography.
func (h *Homography) Apply(p r2.Point) (r2.Point, error) {
	return ApplyHomography(h.Matrix, p)
}

// Inverse returns the inverse transform. The homography must be non-singular.
func (h *Homography) Inverse() (*mat.Dense, error) {
	return linalg.Invert3x3(h.Matrix)
}

// ApplyHomography transforms the point p by the 3x3 matrix h in homogeneous
// coordinates. It returns ErrDegenerateTransform when the homogeneous
// denominator is ~0.
func ApplyHomography(h *mat.Dense, p r2.Point) (r2.Point, error) {
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	if math.Abs(w) < 1e-12 {
		return r2.Point{}, errors.Wrapf(ErrDegenerateTransform, "point (%v, %v)", p.X, p.Y)
	}
	return r2.Point{
		X: (h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)) / w,
		Y: (h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)) / w,
	}, nil
}

// HomographyParams configures RANSAC homography estimation.
type HomographyParams struct {
	// ReprojectionThreshold is the pixel distance below which a
	// correspondence counts as an inlier.
	ReprojectionThreshold float64
	MaxIterations         int
	// Seed fixes the sampling sequence; 0 seeds from the clock.
	Seed int64
}

// DefaultHomographyParams mirror the thresholds commonly used for pixel data.
func DefaultHomographyParams() HomographyParams {
	return HomographyParams{ReprojectionThreshold: 3.0, MaxIterations: 500}
}

// EstimateHomographyRANSAC estimates the homography mapping src[i] to dst[i],
// robust to outliers. It repeatedly fits a minimal 4-point DLT model, keeps
// the model with the largest consensus, and refines that model over all its
// inliers with Levenberg-Marquardt. If the refinement fails or degrades the
// inlier fit, the unrefined model is returned.
func EstimateHomographyRANSAC(src, dst []r2.Point, params HomographyParams) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point sets differ in length: %d vs %d", len(src), len(dst))
	}
	if len(src) < minHomographyPoints {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "%d points, need %d", len(src), minHomographyPoints)
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = DefaultHomographyParams().MaxIterations
	}
	if params.ReprojectionThreshold <= 0 {
		params.ReprojectionThreshold = DefaultHomographyParams().ReprojectionThreshold
	}
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	//nolint:gosec
	rng := rand.New(rand.NewSource(seed))

	var bestH *mat.Dense
	var bestInliers []int

	sample := make([]int, minHomographyPoints)
	for iter := 0; iter < params.MaxIterations; iter++ {
		sampleIndices(rng, len(src), sample)
		h, err := estimateHomographyDLT(pick(src, sample), pick(dst, sample))
		if err != nil {
			continue
		}
		inliers := consensus(src, dst, h, params.ReprojectionThreshold)
		if len(inliers) > len(bestInliers) {
			bestH = h
			bestInliers = inliers
		}
	}
	if bestH == nil || len(bestInliers) < minHomographyPoints {
		return nil, errors.Wrapf(ErrNoValidHomography, "%d correspondences", len(src))
	}

	inSrc := pick(src, bestInliers)
	inDst := pick(dst, bestInliers)
	if refined, err := refineHomography(bestH, inSrc, inDst); err == nil {
		if meanReprojection(inSrc, inDst, refined) <= meanReprojection(inSrc, inDst, bestH) {
			bestH = refined
		}
	}

	return &Homography{
		Matrix:     bestH,
		Confidence: float64(len(bestInliers)) / float64(len(src)),
		Inliers:    len(bestInliers),
		Outliers:   len(src) - len(bestInliers),
	}, nil
}

// estimateHomographyDLT solves the stacked 2Nx9 homogeneous system for the
// Hartley-normalized correspondences and denormalizes the result.
func estimateHomographyDLT(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) < minHomographyPoints {
		return nil, errors.Wrap(ErrInsufficientCorrespondences, "homography DLT")
	}
	normSrc, tSrc := normalizePoints(src)
	normDst, tDst := normalizePoints(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range normSrc {
		x, y := normSrc[i].X, normSrc[i].Y
		u, v := normDst[i].X, normDst[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	hvec, err := linalg.SmallestSingularVector(a)
	if err != nil {
		return nil, err
	}
	hNorm := mat.NewDense(3, 3, hvec)

	// H = T_dst^-1 * H_norm * T_src
	tDstInv, err := linalg.Invert3x3(tDst)
	if err != nil {
		return nil, err
	}
	h := linalg.Multiply3x3(linalg.Multiply3x3(tDstInv, hNorm), tSrc)
	if math.Abs(h.At(2, 2)) > 1e-12 {
		h.Scale(1/h.At(2, 2), h)
	}
	return h, nil
}

// normalizePoints centers a point set on the origin and scales it to a mean
// distance of sqrt(2), from Multiple View Geometry, Hartley and Zisserman,
// Alg 4.2 p109. It returns the transformed points and the transform.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, pt := range pts {
		xs[i] = pt.X
		ys[i] = pt.Y
	}
	avgX := stat.Mean(xs, nil)
	avgY := stat.Mean(ys, nil)
	floats.AddConst(-avgX, xs)
	floats.AddConst(-avgY, ys)

	norms := make([]float64, len(pts))
	for i := range pts {
		norms[i] = math.Hypot(xs[i], ys[i])
	}
	meanNorm := stat.Mean(norms, nil)
	scale := math.Sqrt2
	if meanNorm > 1e-12 {
		scale = math.Sqrt2 / meanNorm
	}

	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * avgX,
		0, scale, -scale * avgY,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i := range pts {
		out[i] = r2.Point{X: scale * xs[i], Y: scale * ys[i]}
	}
	return out, t
}

// refineHomography minimizes the squared transfer error over the inlier set,
// starting from the RANSAC estimate.
func refineHomography(h *mat.Dense, src, dst []r2.Point) (*mat.Dense, error) {
	n := len(src)
	world := mat.NewDense(3, n, nil)
	img := mat.NewDense(3, n, nil)
	for i := 0; i < n; i++ {
		world.SetCol(i, []float64{src[i].X, src[i].Y, 1})
		img.SetCol(i, []float64{dst[i].X, dst[i].Y, 1})
	}

	residuals := func(out, x []float64) {
		var projected mat.Dense
		projected.Mul(mat.NewDense(3, 3, x), world)
		for i := 0; i < n; i++ {
			w := projected.At(2, i)
			if math.Abs(w) < 1e-12 {
				w = 1e-12
			}
			out[2*i] = img.At(0, i) - projected.At(0, i)/w
			out[2*i+1] = img.At(1, i) - projected.At(1, i)/w
		}
	}

	init := make([]float64, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			init[r*3+c] = h.At(r, c)
		}
	}
	jacobian := lm.NumJac{Func: residuals}
	problem := lm.LMProblem{
		Dim:        9,
		Size:       2 * n,
		Func:       residuals,
		Jac:        jacobian.Jac,
		InitParams: init,
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}
	results, err := lm.LM(problem, &lm.Settings{Iterations: 100, ObjectiveTol: 1e-16})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(3, 3, results.X)
	if math.Abs(out.At(2, 2)) > 1e-12 {
		out.Scale(1/out.At(2, 2), out)
	}
	return out, nil
}

func consensus(src, dst []r2.Point, h *mat.Dense, threshold float64) []int {
	inliers := make([]int, 0, len(src))
	for i := range src {
		mapped, err := ApplyHomography(h, src[i])
		if err != nil {
			continue
		}
		if math.Hypot(mapped.X-dst[i].X, mapped.Y-dst[i].Y) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func meanReprojection(src, dst []r2.Point, h *mat.Dense) float64 {
	total := 0.0
	for i := range src {
		mapped, err := ApplyHomography(h, src[i])
		if err != nil {
			return math.Inf(1)
		}
		total += math.Hypot(mapped.X-dst[i].X, mapped.Y-dst[i].Y)
	}
	return total / float64(len(src))
}

func sampleIndices(rng *rand.Rand, n int, out []int) {
	for i := range out {
	retry:
		out[i] = rng.Intn(n)
		for j := 0; j < i; j++ {
			if out[j] == out[i] {
				goto retry
			}
		}
	}
}

func pick(pts []r2.Point, indices []int) []r2.Point {
	out := make([]r2.Point, len(indices))
	for i, idx := range indices {
		out[i] = pts[idx]
	}
	return out
}
