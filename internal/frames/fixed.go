package frames

import (
	"math"
	"time"
)

const (
	julianDateUnixEpoch = 2440587.5
	julianDateJ2000     = 2451545.0
	secondsPerDay       = 86400.0
)

// EarthRotationAngle returns the IAU 2000 earth rotation angle in radians at
// t, treating UTC as UT1. It is the angle by which the FIXED frame is rotated
// about +Z relative to INERTIAL.
func EarthRotationAngle(t time.Time) float64 {
	jd := float64(t.UnixNano())/1e9/secondsPerDay + julianDateUnixEpoch
	du := jd - julianDateJ2000
	turns := 0.7790572732640 + 1.00273781191135448*du
	angle := 2 * math.Pi * math.Mod(turns, 1)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	return angle
}

// FixedTransform returns the transform taking coordinates in from into to at t.
func FixedTransform(from, to FixedFrame, t time.Time) Transform {
	switch {
	case from == to:
		return Identity()
	case from == FixedGlobal && to == Inertial:
		return ZRotation(EarthRotationAngle(t))
	case from == Inertial && to == FixedGlobal:
		return ZRotation(-EarthRotationAngle(t))
	}
	return Identity()
}
