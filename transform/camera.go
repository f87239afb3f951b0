// Package transform holds the camera model and the planar projective
// geometry of the measurement core: pinhole intrinsics with Brown-Conrady
// distortion, world poses, homography estimation and perspective correction.
// Image points are r2.Point values in pixel units, world points are
// r3.Vector values in the caller's metric unit.
package transform

import (
	"encoding/json"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PinholeCameraIntrinsics maps camera-space rays to pixels: focal lengths and
// principal point in pixel units plus the lens distortion terms.
type PinholeCameraIntrinsics struct {
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Fx         float64         `json:"fx"`
	Fy         float64         `json:"fy"`
	Ppx        float64         `json:"ppx"`
	Ppy        float64         `json:"ppy"`
	Distortion DistortionModel `json:"distortion"`
}

// CheckValid reports whether the intrinsics describe a usable camera.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return errors.New("pointer to PinholeCameraIntrinsics is nil")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Errorf("invalid image size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 || params.Fy <= 0 {
		return errors.Errorf("focal lengths must be positive, got (%v, %v)", params.Fx, params.Fy)
	}
	return nil
}

// Matrix returns the 3x3 camera matrix K.
func (params *PinholeCameraIntrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		params.Fx, 0, params.Ppx,
		0, params.Fy, params.Ppy,
		0, 0, 1,
	})
}

// NormalizePixel maps a pixel to normalized image coordinates, undoing the
// lens distortion.
func (params *PinholeCameraIntrinsics) NormalizePixel(p r2.Point) r2.Point {
	x := (p.X - params.Ppx) / params.Fx
	y := (p.Y - params.Ppy) / params.Fy
	x, y = params.Distortion.Undistort(x, y)
	return r2.Point{X: x, Y: y}
}

// DenormalizePixel maps a normalized image point back to pixel coordinates,
// applying the lens distortion.
func (params *PinholeCameraIntrinsics) DenormalizePixel(p r2.Point) r2.Point {
	x, y := params.Distortion.Transform(p.X, p.Y)
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}
}

// Extrinsics is a camera pose: a rotation from world to camera coordinates
// and a translation in the same metric unit as triangulated points.
type Extrinsics struct {
	RotationMatrix    []float64 `json:"rotation"`    // row-major 3x3
	TranslationVector []float64 `json:"translation"` // 3 elements
}

// NewExtrinsics builds a pose from a rotation matrix and translation vector.
func NewExtrinsics(rotation *mat.Dense, translation r3.Vector) *Extrinsics {
	rot := make([]float64, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot[r*3+c] = rotation.At(r, c)
		}
	}
	return &Extrinsics{
		RotationMatrix:    rot,
		TranslationVector: []float64{translation.X, translation.Y, translation.Z},
	}
}

// CheckValid verifies the rotation is orthonormal with determinant +1 and the
// translation has three components.
func (ext *Extrinsics) CheckValid() error {
	if ext == nil {
		return errors.New("pointer to Extrinsics is nil")
	}
	if len(ext.RotationMatrix) != 9 {
		return errors.Errorf("rotation must have 9 elements, got %d", len(ext.RotationMatrix))
	}
	if len(ext.TranslationVector) != 3 {
		return errors.Errorf("translation must have 3 elements, got %d", len(ext.TranslationVector))
	}
	rot := ext.Rotation()
	var rtr mat.Dense
	rtr.Mul(rot.T(), rot)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if math.Abs(rtr.At(r, c)-want) > 1e-6 {
				return errors.New("rotation is not orthonormal")
			}
		}
	}
	if det := mat.Det(rot); math.Abs(det-1) > 1e-6 {
		return errors.Errorf("rotation determinant is %v, want +1", det)
	}
	return nil
}

// Rotation returns the 3x3 rotation as a dense matrix.
func (ext *Extrinsics) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), ext.RotationMatrix...))
}

// Translation returns the translation vector.
func (ext *Extrinsics) Translation() r3.Vector {
	return r3.Vector{X: ext.TranslationVector[0], Y: ext.TranslationVector[1], Z: ext.TranslationVector[2]}
}

// Matrix returns the 3x4 pose matrix [R|t].
func (ext *Extrinsics) Matrix() *mat.Dense {
	out := mat.NewDense(3, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Set(r, c, ext.RotationMatrix[r*3+c])
		}
		out.Set(r, 3, ext.TranslationVector[r])
	}
	return out
}

// TransformPointToPoint maps a world point into camera coordinates.
func (ext *Extrinsics) TransformPointToPoint(pt r3.Vector) r3.Vector {
	r := ext.RotationMatrix
	t := ext.TranslationVector
	return r3.Vector{
		X: r[0]*pt.X + r[1]*pt.Y + r[2]*pt.Z + t[0],
		Y: r[3]*pt.X + r[4]*pt.Y + r[5]*pt.Z + t[1],
		Z: r[6]*pt.X + r[7]*pt.Y + r[8]*pt.Z + t[2],
	}
}

// ProjectPoint runs a world point through the full camera model: rigid
// transform, perspective division, distortion, pixel mapping. Points at or
// behind the optical center cannot be projected.
func ProjectPoint(pt r3.Vector, intr *PinholeCameraIntrinsics, ext *Extrinsics) (r2.Point, error) {
	cam := ext.TransformPointToPoint(pt)
	if math.Abs(cam.Z) < 1e-12 {
		return r2.Point{}, errors.Errorf("point (%v, %v, %v) lies on the camera plane", pt.X, pt.Y, pt.Z)
	}
	return intr.DenormalizePixel(r2.Point{X: cam.X / cam.Z, Y: cam.Y / cam.Z}), nil
}

// NewIntrinsicsFromJSONFile loads intrinsics previously produced by
// calibration, so a collaborator can reuse a result across frames.
func NewIntrinsicsFromJSONFile(path string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading intrinsics file")
	}
	var intrinsics PinholeCameraIntrinsics
	if err := json.Unmarshal(raw, &intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing intrinsics")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &intrinsics, nil
}
