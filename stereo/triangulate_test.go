package stereo

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"cammeasure.pro/vision/transform"
)

func stereoIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  1280,
		Height: 960,
		Fx:     1000,
		Fy:     1000,
		Ppx:    640,
		Ppy:    480,
	}
}

func identityRotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// stereoRig returns left/right projection matrices for two parallel cameras
// separated by baseline along x.
func stereoRig(intr *transform.PinholeCameraIntrinsics, baseline float64) (*mat.Dense, *mat.Dense, *transform.Extrinsics, *transform.Extrinsics) {
	left := transform.NewExtrinsics(identityRotation(), r3.Vector{})
	right := transform.NewExtrinsics(identityRotation(), r3.Vector{X: -baseline})
	return ProjectionMatrix(intr, left), ProjectionMatrix(intr, right), left, right
}

func TestProjectionMatrix(t *testing.T) {
	intr := stereoIntrinsics()
	ext := transform.NewExtrinsics(identityRotation(), r3.Vector{X: 1, Y: 2, Z: 3})
	p := ProjectionMatrix(intr, ext)
	rows, cols := p.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 4, cols)
	// P = K [I|t]: the last column is K*t
	assert.InDelta(t, 1000*1+640*3, p.At(0, 3), 1e-10)
	assert.InDelta(t, 1000*2+480*3, p.At(1, 3), 1e-10)
	assert.InDelta(t, 3, p.At(2, 3), 1e-10)
}

func TestTriangulateNoiseless(t *testing.T) {
	intr := stereoIntrinsics()
	p1, p2, leftExt, rightExt := stereoRig(intr, 100)

	points := []r3.Vector{
		{X: 0, Y: 0, Z: 2000},
		{X: 150, Y: -80, Z: 1800},
		{X: -200, Y: 120, Z: 2500},
		{X: 40, Y: 40, Z: 3000},
	}
	for _, want := range points {
		lpx, err := transform.ProjectPoint(want, intr, leftExt)
		require.NoError(t, err)
		rpx, err := transform.ProjectPoint(want, intr, rightExt)
		require.NoError(t, err)

		got, err := Triangulate(lpx, rpx, p1, p2)
		require.NoError(t, err)
		assert.InDelta(t, want.X, got.X, 1e-4)
		assert.InDelta(t, want.Y, got.Y, 1e-4)
		assert.InDelta(t, want.Z, got.Z, 1e-4)
	}
}

func TestTriangulateIdenticalViews(t *testing.T) {
	intr := stereoIntrinsics()
	p, _, _, _ := stereoRig(intr, 100)

	_, err := Triangulate(r2.Point{X: 700, Y: 500}, r2.Point{X: 700, Y: 500}, p, p)
	assert.True(t, errors.Is(err, ErrTriangulationFailure))
}

func TestTriangulateTooFewViews(t *testing.T) {
	intr := stereoIntrinsics()
	p, _, _, _ := stereoRig(intr, 100)

	_, err := TriangulatePoint([]Observation{{Projection: p, Point: r2.Point{X: 640, Y: 480}}})
	assert.True(t, errors.Is(err, transform.ErrInsufficientCorrespondences))
}

func TestMultiViewTriangulate(t *testing.T) {
	intr := stereoIntrinsics()

	exts := []*transform.Extrinsics{
		transform.NewExtrinsics(identityRotation(), r3.Vector{}),
		transform.NewExtrinsics(identityRotation(), r3.Vector{X: -100}),
		transform.NewExtrinsics(identityRotation(), r3.Vector{X: -50, Y: -30}),
	}
	projections := make([]*mat.Dense, len(exts))
	for i, ext := range exts {
		projections[i] = ProjectionMatrix(intr, ext)
	}

	world := []r3.Vector{
		{X: 10, Y: 20, Z: 2000},
		{X: -90, Y: 60, Z: 2400},
		{X: 130, Y: -110, Z: 1700},
	}
	points2D := make([][]r2.Point, len(exts))
	for v, ext := range exts {
		points2D[v] = make([]r2.Point, len(world))
		for i, wp := range world {
			px, err := transform.ProjectPoint(wp, intr, ext)
			require.NoError(t, err)
			points2D[v][i] = px
		}
	}

	got, err := MultiViewTriangulate(points2D, projections)
	require.NoError(t, err)
	require.Len(t, got, len(world))
	for i, want := range world {
		assert.InDelta(t, want.X, got[i].X, 1e-4)
		assert.InDelta(t, want.Y, got[i].Y, 1e-4)
		assert.InDelta(t, want.Z, got[i].Z, 1e-4)
	}
}

func TestMultiViewTriangulateValidation(t *testing.T) {
	intr := stereoIntrinsics()
	p1, p2, _, _ := stereoRig(intr, 100)

	_, err := MultiViewTriangulate([][]r2.Point{{{X: 1, Y: 1}}}, []*mat.Dense{p1, p2})
	assert.Error(t, err)

	_, err = MultiViewTriangulate([][]r2.Point{{{X: 1, Y: 1}}}, []*mat.Dense{p1})
	assert.True(t, errors.Is(err, transform.ErrInsufficientCorrespondences))

	_, err = MultiViewTriangulate([][]r2.Point{{{X: 1, Y: 1}}, {}}, []*mat.Dense{p1, p2})
	assert.Error(t, err)
}
