package frames

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a rigid transform: a rotation given as a unit quaternion,
// then a translation. Applied to a point p it yields
// Orientation*p*conj(Orientation) + Position.
type Transform struct {
	Position    r3.Vec
	Orientation quat.Number
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Orientation: quat.Number{Real: 1}}
}

// NewTransform builds a transform from a position and an [x, y, z, w]
// quaternion. The quaternion is normalised; a zero quaternion becomes identity.
func NewTransform(position [3]float64, orientation [4]float64) Transform {
	return Transform{
		Position:    r3.Vec{X: position[0], Y: position[1], Z: position[2]},
		Orientation: normalize(quat.Number{Real: orientation[3], Imag: orientation[0], Jmag: orientation[1], Kmag: orientation[2]}),
	}
}

// PositionArray returns the position as [x, y, z].
func (t Transform) PositionArray() [3]float64 {
	return [3]float64{t.Position.X, t.Position.Y, t.Position.Z}
}

// OrientationArray returns the orientation as [x, y, z, w].
func (t Transform) OrientationArray() [4]float64 {
	q := t.Orientation
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// Apply maps p from the transform's child frame into its parent frame.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(rotate(t.Orientation, p), t.Position)
}

// Compose returns t∘child: the pose of child's subject in t's parent frame,
// given child expressed in the frame that t places.
func (t Transform) Compose(child Transform) Transform {
	return Transform{
		Position:    t.Apply(child.Position),
		Orientation: normalize(quat.Mul(t.Orientation, child.Orientation)),
	}
}

// Inverse returns the transform mapping parent coordinates back into the child frame.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Orientation)
	return Transform{
		Position:    r3.Scale(-1, rotate(inv, t.Position)),
		Orientation: inv,
	}
}

// PositionDistance is the Euclidean distance between the two positions.
func PositionDistance(a, b Transform) float64 {
	return r3.Norm(r3.Sub(a.Position, b.Position))
}

// OrientationAngle is the rotation angle in radians between the two
// orientations, in [0, π]. q and -q are the same rotation.
func OrientationAngle(a, b Transform) float64 {
	p, q := a.Orientation, b.Orientation
	dot := math.Abs(p.Real*q.Real + p.Imag*q.Imag + p.Jmag*q.Jmag + p.Kmag*q.Kmag)
	if dot > 1 {
		dot = 1
	}
	return 2 * math.Acos(dot)
}

// Interpolate blends linearly between a and b positions and spherically
// between their orientations. s is clamped to [0, 1].
func Interpolate(a, b Transform, s float64) Transform {
	s = math.Max(0, math.Min(1, s))
	return Transform{
		Position:    r3.Add(a.Position, r3.Scale(s, r3.Sub(b.Position, a.Position))),
		Orientation: slerp(a.Orientation, b.Orientation, s),
	}
}

// ZRotation returns a pure rotation of angle radians about +Z.
func ZRotation(angle float64) Transform {
	return Transform{Orientation: quat.Number(r3.NewRotation(angle, r3.Vec{Z: 1}))}
}

func rotate(q quat.Number, p r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(p)
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func slerp(a, b quat.Number, s float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	// Nearly parallel: fall back to normalised lerp.
	if dot > 0.9995 {
		return normalize(quat.Add(a, quat.Scale(s, quat.Sub(b, a))))
	}
	theta := math.Acos(dot)
	sin := math.Sin(theta)
	wa := math.Sin((1-s)*theta) / sin
	wb := math.Sin(s*theta) / sin
	return normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}
