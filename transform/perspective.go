package transform

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cammeasure.pro/vision/linalg"
)

// PerspectiveCorrection is a paired planar mapping between four observed
// corner points and an axis-aligned metric rectangle. Forward maps image
// pixels onto the rectangle; Inverse maps rectangle coordinates back into the
// image, and exists only because Forward was verified non-singular.
type PerspectiveCorrection struct {
	ImagePoints     [4]r2.Point `json:"imagePoints"`
	RectifiedPoints [4]r2.Point `json:"rectifiedPoints"`
	Forward         *mat.Dense  `json:"forward"`
	Inverse         *mat.Dense  `json:"inverse"`
}

// CorrectPerspective builds the rectification for a planar rectangle of the
// given real-world size observed at the four corner pixels, ordered
// top-left, top-right, bottom-right, bottom-left.
func CorrectPerspective(corners [4]r2.Point, width, height float64) (*PerspectiveCorrection, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("rectangle dimensions must be positive, got %vx%v", width, height)
	}
	rect := [4]r2.Point{
		{X: 0, Y: 0},
		{X: width, Y: 0},
		{X: width, Y: height},
		{X: 0, Y: height},
	}
	forward, err := estimateHomographyDLT(corners[:], rect[:])
	if err != nil {
		return nil, errors.Wrap(err, "perspective correction")
	}
	inverse, err := linalg.Invert3x3(forward)
	if err != nil {
		return nil, errors.Wrap(err, "perspective correction is not invertible")
	}
	return &PerspectiveCorrection{
		ImagePoints:     corners,
		RectifiedPoints: rect,
		Forward:         forward,
		Inverse:         inverse,
	}, nil
}

// Rectify maps an image pixel onto the metric rectangle plane.
func (pc *PerspectiveCorrection) Rectify(p r2.Point) (r2.Point, error) {
	return ApplyHomography(pc.Forward, p)
}

// Unrectify maps a rectangle-plane coordinate back into the image.
func (pc *PerspectiveCorrection) Unrectify(p r2.Point) (r2.Point, error) {
	return ApplyHomography(pc.Inverse, p)
}
