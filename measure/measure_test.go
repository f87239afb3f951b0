package measure

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

func rigCamera(tx, ty float64) Camera {
	return Camera{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width:  1280,
			Height: 960,
			Fx:     1000,
			Fy:     1000,
			Ppx:    640,
			Ppy:    480,
		},
		Extrinsics: transform.NewExtrinsics(
			mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
			r3.Vector{X: tx, Y: ty},
		),
	}
}

// landmarkViews projects the landmark cloud into each camera.
func landmarkViews(t *testing.T, cameras []Camera, landmarks []r3.Vector) []View {
	t.Helper()
	views := make([]View, len(cameras))
	for v, cam := range cameras {
		pts := make([]r2.Point, len(landmarks))
		for i, wp := range landmarks {
			px, err := transform.ProjectPoint(wp, cam.Intrinsics, cam.Extrinsics)
			require.NoError(t, err)
			pts[i] = px
		}
		views[v] = View{Camera: cam, Points: pts}
	}
	return views
}

// the calibration unit is millimeters: landmarks around 2m in front of a
// 100mm-baseline stereo rig
func testLandmarks() []r3.Vector {
	return []r3.Vector{
		{X: 0, Y: 0, Z: 2000},
		{X: 100, Y: 0, Z: 2000},
		{X: 0, Y: 60, Z: 2000},
		{X: 40, Y: 80, Z: 1900},
	}
}

func TestMeasureObject(t *testing.T) {
	cameras := []Camera{rigCamera(0, 0), rigCamera(-100, 0)}
	landmarks := testLandmarks()
	views := landmarkViews(t, cameras, landmarks)

	// landmarks 0 and 1 are 100 calibration units apart; declaring them
	// 200 apart doubles the whole cloud
	m, err := MeasureObject(views, Reference{IndexA: 0, IndexB: 1, Distance: 200})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, m.ScaleFactor, 1e-4)
	assert.InDelta(t, 200, m.DistanceBetween(0, 1), 1e-3)
	assert.InDelta(t, 2*Distance(landmarks[0], landmarks[2]), m.DistanceBetween(0, 2), 1e-3)
	for i, want := range landmarks {
		assert.InDelta(t, 2*want.X, m.WorldCoordinates[i].X, 1e-3)
		assert.InDelta(t, 2*want.Y, m.WorldCoordinates[i].Y, 1e-3)
		assert.InDelta(t, 2*want.Z, m.WorldCoordinates[i].Z, 1e-3)
	}

	assert.Less(t, m.ReprojectionError, 0.01)
	assert.Equal(t, "high", m.Quality())
	assert.Greater(t, m.Confidence, 0.99)
	assert.Len(t, m.ImageCoordinates, len(views))
}

func TestMeasureObjectWithDistortion(t *testing.T) {
	cameras := []Camera{rigCamera(0, 0), rigCamera(-100, 0)}
	for i := range cameras {
		cameras[i].Intrinsics.Distortion = transform.DistortionModel{RadialK1: 0.08, RadialK2: -0.15, TangentialP1: 0.0004}
	}
	landmarks := testLandmarks()
	views := landmarkViews(t, cameras, landmarks)

	m, err := MeasureObject(views, Reference{IndexA: 0, IndexB: 1, Distance: 100})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.ScaleFactor, 1e-4)
	assert.Less(t, m.ReprojectionError, 0.01)
}

func TestMeasureObjectThreeViews(t *testing.T) {
	cameras := []Camera{rigCamera(0, 0), rigCamera(-100, 0), rigCamera(-50, -40)}
	landmarks := testLandmarks()
	views := landmarkViews(t, cameras, landmarks)

	m, err := MeasureObject(views, Reference{IndexA: 0, IndexB: 2, Distance: 60})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.ScaleFactor, 1e-4)
	assert.InDelta(t, 100, m.DistanceBetween(0, 1), 1e-3)
}

func TestMeasureObjectValidation(t *testing.T) {
	cameras := []Camera{rigCamera(0, 0), rigCamera(-100, 0)}
	landmarks := testLandmarks()
	views := landmarkViews(t, cameras, landmarks)
	ref := Reference{IndexA: 0, IndexB: 1, Distance: 100}

	t.Run("single view", func(t *testing.T) {
		_, err := MeasureObject(views[:1], ref)
		assert.True(t, errors.Is(err, transform.ErrInsufficientCorrespondences))
	})
	t.Run("mismatched point counts", func(t *testing.T) {
		bad := []View{views[0], {Camera: views[1].Camera, Points: views[1].Points[:2]}}
		_, err := MeasureObject(bad, ref)
		assert.Error(t, err)
	})
	t.Run("identical reference indices", func(t *testing.T) {
		_, err := MeasureObject(views, Reference{IndexA: 1, IndexB: 1, Distance: 100})
		assert.Error(t, err)
	})
	t.Run("reference index out of range", func(t *testing.T) {
		_, err := MeasureObject(views, Reference{IndexA: 0, IndexB: 9, Distance: 100})
		assert.Error(t, err)
	})
	t.Run("non-positive reference distance", func(t *testing.T) {
		_, err := MeasureObject(views, Reference{IndexA: 0, IndexB: 1, Distance: 0})
		assert.Error(t, err)
	})
	t.Run("invalid intrinsics", func(t *testing.T) {
		bad := []View{views[0], views[1]}
		badCam := rigCamera(-100, 0)
		badCam.Intrinsics.Fx = 0
		bad[1] = View{Camera: badCam, Points: views[1].Points}
		_, err := MeasureObject(bad, ref)
		assert.Error(t, err)
	})
	t.Run("invalid extrinsics", func(t *testing.T) {
		bad := []View{views[0], views[1]}
		badCam := rigCamera(-100, 0)
		badCam.Extrinsics.RotationMatrix[0] = 3
		bad[1] = View{Camera: badCam, Points: views[1].Points}
		_, err := MeasureObject(bad, ref)
		assert.Error(t, err)
	})
	t.Run("identical cameras cannot triangulate", func(t *testing.T) {
		same := []View{views[0], {Camera: views[0].Camera, Points: views[0].Points}}
		_, err := MeasureObject(same, ref)
		assert.Error(t, err)
	})
}

func TestQualityTiers(t *testing.T) {
	tests := []struct {
		err  float64
		want string
	}{
		{0.2, "high"},
		{0.99, "high"},
		{1.0, "medium"},
		{1.7, "medium"},
		{2.0, "low"},
		{8.5, "low"},
	}
	for _, tt := range tests {
		m := &Measurement{ReprojectionError: tt.err}
		assert.Equal(t, tt.want, m.Quality())
	}
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5, Distance(r3.Vector{X: 3, Y: 4}, r3.Vector{}), 1e-12)
	assert.Equal(t, 0.0, Distance(r3.Vector{X: 1, Y: 1, Z: 1}, r3.Vector{X: 1, Y: 1, Z: 1}))
}
