package stereo

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// StereoPair is a rectified image pair with the physical distance between the
// two optical centers in millimeters.
type StereoPair struct {
	Left     image.Image
	Right    image.Image
	Baseline float64 // mm
}

// DisparityMap is a per-pixel horizontal offset grid matching the source
// image dimensions. Zero marks pixels where no match was found (borders,
// occlusions).
type DisparityMap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float64 `json:"data"` // row-major
}

// At returns the disparity at (x, y).
func (d *DisparityMap) At(x, y int) float64 { return d.Data[y*d.Width+x] }

// Coverage is the fraction of pixels with a valid (positive) disparity.
func (d *DisparityMap) Coverage() float64 {
	valid := 0
	for _, v := range d.Data {
		if v > 0 {
			valid++
		}
	}
	return float64(valid) / float64(len(d.Data))
}

// DepthMap is a per-pixel metric depth grid in the baseline's unit. Zero
// marks pixels with unknown depth.
type DepthMap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float64 `json:"data"`
}

// At returns the depth at (x, y).
func (d *DepthMap) At(x, y int) float64 { return d.Data[y*d.Width+x] }

// DepthStats summarizes a depth map: mean, standard deviation and the 95%
// uncertainty band (1.96 sigma), over valid pixels only.
type DepthStats struct {
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"stdDev"`
	Uncertainty95 float64 `json:"uncertainty95"`
	ValidPixels   int     `json:"validPixels"`
}

// Stats computes summary statistics over the valid pixels.
func (d *DepthMap) Stats() DepthStats {
	valid := make([]float64, 0, len(d.Data))
	for _, v := range d.Data {
		if v > 0 {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return DepthStats{}
	}
	mean, std := stat.MeanStdDev(valid, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return DepthStats{
		Mean:          mean,
		StdDev:        std,
		Uncertainty95: 1.96 * std,
		ValidPixels:   len(valid),
	}
}

// DisparityParams tune the block matcher.
type DisparityParams struct {
	// WindowSize is the odd side length of the SSD comparison patch.
	WindowSize int
	// MaxDisparity bounds the horizontal search in pixels.
	MaxDisparity int
	// Downsample shrinks both images by this integer factor before matching
	// and rescales the result, trading density for speed. The full-resolution
	// search is O(width * height * maxDisparity * windowSize^2) and is not
	// real-time on megapixel input; 0 or 1 means full resolution.
	Downsample int
}

// ComputeDisparityMap runs sum-of-squared-differences block matching along
// horizontal epipolar lines. The pair must already be rectified; both images
// are converted to grayscale before matching.
func ComputeDisparityMap(pair StereoPair, params DisparityParams) (*DisparityMap, error) {
	if pair.Left == nil || pair.Right == nil {
		return nil, errors.New("stereo pair is missing an image")
	}
	if params.WindowSize < 3 || params.WindowSize%2 == 0 {
		return nil, errors.Errorf("window size must be odd and >= 3, got %d", params.WindowSize)
	}
	if params.MaxDisparity < 1 {
		return nil, errors.Errorf("max disparity must be >= 1, got %d", params.MaxDisparity)
	}
	lb, rb := pair.Left.Bounds(), pair.Right.Bounds()
	if lb.Dx() != rb.Dx() || lb.Dy() != rb.Dy() {
		return nil, errors.Errorf("image sizes differ: %dx%d vs %dx%d", lb.Dx(), lb.Dy(), rb.Dx(), rb.Dy())
	}

	left, right := pair.Left, pair.Right
	factor := params.Downsample
	maxDisparity := params.MaxDisparity
	if factor > 1 {
		w, h := lb.Dx()/factor, lb.Dy()/factor
		left = imaging.Resize(left, w, h, imaging.Box)
		right = imaging.Resize(right, w, h, imaging.Box)
		maxDisparity = (maxDisparity + factor - 1) / factor
	} else {
		factor = 1
	}

	lg := grayPlane(left)
	rg := grayPlane(right)
	width, height := lg.Rect.Dx(), lg.Rect.Dy()
	half := params.WindowSize / 2

	disp := &DisparityMap{Width: width, Height: height, Data: make([]float64, width*height)}
	for y := half; y < height-half; y++ {
		for x := half; x < width-half; x++ {
			bestCost := math.MaxFloat64
			bestShift := 0
			limit := maxDisparity
			if x-half-limit < 0 {
				limit = x - half
			}
			for shift := 0; shift <= limit; shift++ {
				cost := 0.0
				for dy := -half; dy <= half; dy++ {
					lrow := (y+dy)*lg.Stride + x - half
					rrow := (y+dy)*rg.Stride + x - shift - half
					for dx := 0; dx < params.WindowSize; dx++ {
						d := float64(lg.Pix[lrow+dx]) - float64(rg.Pix[rrow+dx])
						cost += d * d
					}
				}
				if cost < bestCost {
					bestCost = cost
					bestShift = shift
				}
			}
			disp.Data[y*width+x] = float64(bestShift * factor)
		}
	}
	return disp, nil
}

// DepthFromDisparity converts a disparity map to metric depth with
// depth = baseline * focal / disparity. Depth is 0 where disparity <= 0.
func DepthFromDisparity(disp *DisparityMap, baseline, focalLengthPx float64) (*DepthMap, error) {
	if baseline <= 0 {
		return nil, errors.Errorf("baseline must be positive, got %v", baseline)
	}
	if focalLengthPx <= 0 {
		return nil, errors.Errorf("focal length must be positive, got %v", focalLengthPx)
	}
	depth := &DepthMap{Width: disp.Width, Height: disp.Height, Data: make([]float64, len(disp.Data))}
	for i, d := range disp.Data {
		if d > 0 {
			depth.Data[i] = baseline * focalLengthPx / d
		}
	}
	return depth, nil
}

// NewGrayFromBuffer wraps an 8-bit interleaved pixel buffer from an external
// capture pipeline as a grayscale image. channels is the number of bytes per
// pixel; multi-channel input is averaged down to luminance.
func NewGrayFromBuffer(width, height, channels int, buf []byte) (*image.Gray, error) {
	if channels < 1 {
		return nil, errors.Errorf("channels must be >= 1, got %d", channels)
	}
	if len(buf) < width*height*channels {
		return nil, errors.Errorf("buffer has %d bytes, need %d", len(buf), width*height*channels)
	}
	out := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			base := (y*width + x) * channels
			sum := 0
			for c := 0; c < channels; c++ {
				sum += int(buf[base+c])
			}
			out.Pix[y*out.Stride+x] = uint8(sum / channels)
		}
	}
	return out, nil
}

func grayPlane(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	// imaging works in NRGBA; collapse to a single luminance plane
	flat := imaging.Grayscale(img)
	b := flat.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = flat.Pix[y*flat.Stride+x*4]
		}
	}
	return out
}
