package stereo

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// texturedImage samples a horizontally aperiodic pattern at the given column
// offset. A right image with offset d matches a left image with offset 0 at a
// disparity of exactly d.
func texturedImage(width, height, offset int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := x + offset
			img.Pix[y*img.Stride+x] = uint8((c*c*3 + y*7) % 256)
		}
	}
	return img
}

func TestComputeDisparityMap(t *testing.T) {
	const (
		width     = 64
		height    = 16
		disparity = 4
	)
	pair := StereoPair{
		Left:     texturedImage(width, height, 0),
		Right:    texturedImage(width, height, disparity),
		Baseline: 100,
	}
	disp, err := ComputeDisparityMap(pair, DisparityParams{WindowSize: 5, MaxDisparity: 10})
	require.NoError(t, err)
	assert.Equal(t, width, disp.Width)
	assert.Equal(t, height, disp.Height)

	// interior pixels far enough from the left edge see the true shift
	for y := 4; y < height-4; y++ {
		for x := 16; x < width-4; x++ {
			assert.InDelta(t, disparity, disp.At(x, y), 0.5, "pixel (%d, %d)", x, y)
		}
	}
	assert.Greater(t, disp.Coverage(), 0.5)
}

func TestComputeDisparityMapValidation(t *testing.T) {
	img := texturedImage(32, 8, 0)
	good := StereoPair{Left: img, Right: img}

	_, err := ComputeDisparityMap(StereoPair{Left: img}, DisparityParams{WindowSize: 5, MaxDisparity: 8})
	assert.Error(t, err)

	_, err = ComputeDisparityMap(good, DisparityParams{WindowSize: 4, MaxDisparity: 8})
	assert.Error(t, err)

	_, err = ComputeDisparityMap(good, DisparityParams{WindowSize: 5, MaxDisparity: 0})
	assert.Error(t, err)

	_, err = ComputeDisparityMap(StereoPair{Left: img, Right: texturedImage(16, 8, 0)},
		DisparityParams{WindowSize: 5, MaxDisparity: 8})
	assert.Error(t, err)
}

func TestComputeDisparityMapDownsample(t *testing.T) {
	const disparity = 8
	pair := StereoPair{
		Left:  texturedImage(128, 32, 0),
		Right: texturedImage(128, 32, disparity),
	}
	disp, err := ComputeDisparityMap(pair, DisparityParams{WindowSize: 3, MaxDisparity: 16, Downsample: 2})
	require.NoError(t, err)
	assert.Equal(t, 64, disp.Width)
	assert.Equal(t, 16, disp.Height)

	// disparities come back rescaled to full-resolution units
	found := 0
	for y := 4; y < disp.Height-4; y++ {
		for x := 20; x < disp.Width-4; x++ {
			if d := disp.At(x, y); d > 0 {
				assert.InDelta(t, disparity, d, 2.1, "pixel (%d, %d)", x, y)
				found++
			}
		}
	}
	assert.Greater(t, found, 0)
}

func TestDepthFromDisparity(t *testing.T) {
	// 100mm baseline, 1000px focal, 50px disparity -> 2000mm
	disp := &DisparityMap{Width: 2, Height: 1, Data: []float64{50, 0}}
	depth, err := DepthFromDisparity(disp, 100, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 2000, depth.At(0, 0), 1e-10)
	assert.Equal(t, 0.0, depth.At(1, 0))
}

func TestDepthScalesWithBaselineAndDisparity(t *testing.T) {
	disp := &DisparityMap{Width: 3, Height: 1, Data: []float64{25, 50, 100}}

	depth, err := DepthFromDisparity(disp, 100, 1000)
	require.NoError(t, err)
	// depth decreases monotonically as disparity grows
	assert.Greater(t, depth.At(0, 0), depth.At(1, 0))
	assert.Greater(t, depth.At(1, 0), depth.At(2, 0))

	// doubling the baseline doubles every depth
	double, err := DepthFromDisparity(disp, 200, 1000)
	require.NoError(t, err)
	for i := range disp.Data {
		assert.InDelta(t, 2*depth.Data[i], double.Data[i], 1e-10)
	}
}

func TestDepthFromDisparityValidation(t *testing.T) {
	disp := &DisparityMap{Width: 1, Height: 1, Data: []float64{10}}
	_, err := DepthFromDisparity(disp, 0, 1000)
	assert.Error(t, err)
	_, err = DepthFromDisparity(disp, 100, -5)
	assert.Error(t, err)
}

func TestDepthStats(t *testing.T) {
	depth := &DepthMap{Width: 5, Height: 1, Data: []float64{1000, 1100, 900, 0, 1000}}
	stats := depth.Stats()
	assert.Equal(t, 4, stats.ValidPixels)
	assert.InDelta(t, 1000, stats.Mean, 1e-10)
	assert.InDelta(t, 1.96*stats.StdDev, stats.Uncertainty95, 1e-12)
	assert.Greater(t, stats.StdDev, 0.0)

	empty := &DepthMap{Width: 2, Height: 1, Data: []float64{0, 0}}
	assert.Equal(t, DepthStats{}, empty.Stats())
}

func TestDisparityCoverage(t *testing.T) {
	disp := &DisparityMap{Width: 4, Height: 1, Data: []float64{0, 3, 5, 0}}
	assert.InDelta(t, 0.5, disp.Coverage(), 1e-12)
}

func TestNewGrayFromBuffer(t *testing.T) {
	// 2x2, 3 channels, averaged to luminance
	buf := []byte{
		10, 20, 30, 90, 90, 90,
		0, 0, 0, 255, 255, 255,
	}
	img, err := NewGrayFromBuffer(2, 2, 3, buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(90), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(0, 1).Y)
	assert.Equal(t, uint8(255), img.GrayAt(1, 1).Y)

	// single channel passes through
	mono, err := NewGrayFromBuffer(2, 1, 1, []byte{7, 8})
	require.NoError(t, err)
	assert.Equal(t, uint8(7), mono.GrayAt(0, 0).Y)

	_, err = NewGrayFromBuffer(2, 2, 0, buf)
	assert.Error(t, err)
	_, err = NewGrayFromBuffer(10, 10, 3, buf)
	assert.Error(t, err)
}
