// Package geo provides the WGS84 coordinate conversions used by the
// extrapolation engine: geodetic <-> ECEF and ECEF <-> local ENU about a
// reference fix.
package geo

import "math"

// WGS84 ellipsoid.
const (
	semiMajorM = 6378137.0
	flattening = 1 / 298.257223563
)

var ecc2 = flattening * (2 - flattening)

// LLAToECEF converts geodetic coordinates (degrees, ellipsoid height in
// meters) to ECEF meters.
func LLAToECEF(latDeg, lonDeg, h float64) (x, y, z float64) {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	n := semiMajorM / math.Sqrt(1-ecc2*sinLat*sinLat)
	x = (n + h) * cosLat * cosLon
	y = (n + h) * cosLat * sinLon
	z = (n*(1-ecc2) + h) * sinLat
	return x, y, z
}

// ECEFToLLA converts ECEF meters to geodetic coordinates (degrees, ellipsoid
// height in meters). Iterative; converges to sub-millimeter in a few rounds.
func ECEFToLLA(x, y, z float64) (latDeg, lonDeg, h float64) {
	lon := math.Atan2(y, x)
	p := math.Hypot(x, y)

	if p == 0 {
		// On the polar axis.
		lat := math.Pi / 2
		if z < 0 {
			lat = -lat
		}
		b := semiMajorM * (1 - flattening)
		return lat * 180 / math.Pi, lon * 180 / math.Pi, math.Abs(z) - b
	}

	lat := math.Atan2(z, p*(1-ecc2))
	for i := 0; i < 5; i++ {
		sinLat := math.Sin(lat)
		n := semiMajorM / math.Sqrt(1-ecc2*sinLat*sinLat)
		h = p/math.Cos(lat) - n
		lat = math.Atan2(z, p*(1-ecc2*n/(n+h)))
	}

	sinLat := math.Sin(lat)
	n := semiMajorM / math.Sqrt(1-ecc2*sinLat*sinLat)
	h = p/math.Cos(lat) - n
	return lat * 180 / math.Pi, lon * 180 / math.Pi, h
}

// ENU is a local east/north/up frame anchored at a reference fix.
type ENU struct {
	refLatRad float64
	refLonRad float64
	refX      float64
	refY      float64
	refZ      float64
}

// NewENU anchors a local frame at the given geodetic reference point.
func NewENU(latDeg, lonDeg, h float64) *ENU {
	x, y, z := LLAToECEF(latDeg, lonDeg, h)
	return &ENU{
		refLatRad: latDeg * math.Pi / 180,
		refLonRad: lonDeg * math.Pi / 180,
		refX:      x,
		refY:      y,
		refZ:      z,
	}
}

// Forward converts a geodetic point to ENU meters relative to the reference.
func (f *ENU) Forward(latDeg, lonDeg, h float64) (e, n, u float64) {
	x, y, z := LLAToECEF(latDeg, lonDeg, h)
	dx, dy, dz := x-f.refX, y-f.refY, z-f.refZ

	sinPhi, cosPhi := math.Sincos(f.refLatRad)
	sinLam, cosLam := math.Sincos(f.refLonRad)

	e = -sinLam*dx + cosLam*dy
	n = -sinPhi*cosLam*dx - sinPhi*sinLam*dy + cosPhi*dz
	u = cosPhi*cosLam*dx + cosPhi*sinLam*dy + sinPhi*dz
	return e, n, u
}

// Inverse converts ENU meters relative to the reference back to geodetic.
func (f *ENU) Inverse(e, n, u float64) (latDeg, lonDeg, h float64) {
	sinPhi, cosPhi := math.Sincos(f.refLatRad)
	sinLam, cosLam := math.Sincos(f.refLonRad)

	dx := -sinLam*e - sinPhi*cosLam*n + cosPhi*cosLam*u
	dy := cosLam*e - sinPhi*sinLam*n + cosPhi*sinLam*u
	dz := cosPhi*n + sinPhi*u

	return ECEFToLLA(f.refX+dx, f.refY+dy, f.refZ+dz)
}
