package transform

// DistortionModel holds the terms of a modified Brown-Conrady lens model,
// three radial and two tangential coefficients, as described by OpenCV:
// https://docs.opencv.org/3.4/da/d54/group__imgproc__transform.html#ga7dfb72c9cf9780a347fbe3d1c47e5d5a
type DistortionModel struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// Parameters returns the coefficients in OpenCV order (k1, k2, p1, p2, k3).
func (dm *DistortionModel) Parameters() []float64 {
	return []float64{dm.RadialK1, dm.RadialK2, dm.TangentialP1, dm.TangentialP2, dm.RadialK3}
}

// Transform distorts the normalized image point (x, y).
func (dm *DistortionModel) Transform(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radDist := 1. + dm.RadialK1*r2 + dm.RadialK2*r2*r2 + dm.RadialK3*r2*r2*r2
	tanDistX := 2.*dm.TangentialP1*x*y + dm.TangentialP2*(r2+2.*x*x)
	tanDistY := 2.*dm.TangentialP2*x*y + dm.TangentialP1*(r2+2.*y*y)
	return x*radDist + tanDistX, y*radDist + tanDistY
}

// Undistort inverts Transform for the distorted normalized point (xd, yd)
// with a Newton-Raphson iteration on the forward model. When the local 2x2
// Jacobian degenerates it falls back to plain fixed-point iteration, which
// always converges for physically plausible coefficients.
func (dm *DistortionModel) Undistort(xd, yd float64) (float64, float64) {
	const (
		maxIterations = 20
		tolerance     = 1e-12
	)
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		radDist := 1. + dm.RadialK1*r2 + dm.RadialK2*r4 + dm.RadialK3*r4*r2
		tanDistX := 2.*dm.TangentialP1*xu*yu + dm.TangentialP2*(r2+2.*xu*xu)
		tanDistY := 2.*dm.TangentialP2*xu*yu + dm.TangentialP1*(r2+2.*yu*yu)

		errX := xu*radDist + tanDistX - xd
		errY := yu*radDist + tanDistY - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		dRad := 2. * (dm.RadialK1 + 2.*dm.RadialK2*r2 + 3.*dm.RadialK3*r4)
		j00 := radDist + xu*xu*dRad + 2.*dm.TangentialP1*yu + 6.*dm.TangentialP2*xu
		j01 := xu*yu*dRad + 2.*dm.TangentialP1*xu + 2.*dm.TangentialP2*yu
		j10 := xu*yu*dRad + 2.*dm.TangentialP2*yu + 2.*dm.TangentialP1*xu
		j11 := radDist + yu*yu*dRad + 2.*dm.TangentialP2*xu + 6.*dm.TangentialP1*yu

		det := j00*j11 - j01*j10
		if det == 0 {
			// fixed-point update: subtract the tangential shift, divide out the radial gain
			xu = (xd - tanDistX) / radDist
			yu = (yd - tanDistY) / radDist
			continue
		}
		xu -= (j11*errX - j01*errY) / det
		yu -= (-j10*errX + j00*errY) / det
	}
	return xu, yu
}
