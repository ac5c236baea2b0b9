package frames

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// WGS84 ellipsoid.
const (
	wgs84SemiMajor  = 6378137.0
	wgs84Flattening = 1 / 298.257223563
)

var (
	wgs84SemiMinor = wgs84SemiMajor * (1 - wgs84Flattening)
	wgs84E2        = wgs84Flattening * (2 - wgs84Flattening)
)

// Cartographic is a geodetic position on the WGS84 ellipsoid. Angles are radians.
type Cartographic struct {
	Longitude float64
	Latitude  float64
	Height    float64
}

// ToCartographic converts a FIXED-frame (earth-centred, earth-fixed) position
// in metres to WGS84 geodetic coordinates. ok is false at the earth's centre.
func ToCartographic(p r3.Vec) (Cartographic, bool) {
	rho := math.Hypot(p.X, p.Y)
	if rho == 0 && p.Z == 0 {
		return Cartographic{}, false
	}
	lon := math.Atan2(p.Y, p.X)
	if rho < 1e-9 {
		lat := math.Copysign(math.Pi/2, p.Z)
		return Cartographic{Longitude: lon, Latitude: lat, Height: math.Abs(p.Z) - wgs84SemiMinor}, true
	}

	lat := math.Atan2(p.Z, rho*(1-wgs84E2))
	var h float64
	for i := 0; i < 8; i++ {
		sin := math.Sin(lat)
		n := wgs84SemiMajor / math.Sqrt(1-wgs84E2*sin*sin)
		h = rho/math.Cos(lat) - n
		next := math.Atan2(p.Z, rho*(1-wgs84E2*n/(n+h)))
		if math.Abs(next-lat) < 1e-12 {
			lat = next
			break
		}
		lat = next
	}
	return Cartographic{Longitude: lon, Latitude: lat, Height: h}, true
}

// FromCartographic converts WGS84 geodetic coordinates to a FIXED-frame position.
func FromCartographic(c Cartographic) r3.Vec {
	sinLat, cosLat := math.Sincos(c.Latitude)
	sinLon, cosLon := math.Sincos(c.Longitude)
	n := wgs84SemiMajor / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return r3.Vec{
		X: (n + c.Height) * cosLat * cosLon,
		Y: (n + c.Height) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + c.Height) * sinLat,
	}
}

// Cartographic resolves entity id into the FIXED frame at t and converts its
// position to geodetic coordinates. ok is false when the pose is undefined.
func (g *Graph) Cartographic(id string, t time.Time) (Cartographic, bool, error) {
	p, err := g.Resolve(id, Fixed(FixedGlobal), t)
	if err != nil || !p.Defined {
		return Cartographic{}, false, err
	}
	c, ok := ToCartographic(p.Position)
	return c, ok, nil
}
