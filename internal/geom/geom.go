// Package geom holds the small amount of rigid-body math the front end needs:
// 3-vectors, unit quaternions (backed by gonum's quat.Number) and poses.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Vec3 is a point or direction, in metres when used as a position.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Scale(f float64) Vec3 { return Vec3{v.X * f, v.Y * f, v.Z * f} }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Lerp linearly interpolates between a and b; t=0 gives a, t=1 gives b.
func Lerp(a, b Vec3, t float64) Vec3 {
	return a.Add(b.Sub(a).Scale(t))
}

// Quaternion is a rotation stored as W + Xi + Yj + Zk. Values produced by this
// package are unit length; values arriving from sensors may not be, so callers
// should Normalize before trusting them.
type Quaternion struct {
	W, X, Y, Z float64
}

// Identity returns the rotation that leaves vectors unchanged.
func Identity() Quaternion { return Quaternion{W: 1} }

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// FromAxisAngle builds the rotation of angle radians about axis. A zero axis
// yields the identity.
func FromAxisAngle(axis Vec3, angle float64) Quaternion {
	n := axis.Norm()
	if n == 0 {
		return Identity()
	}
	s := math.Sin(angle/2) / n
	return Quaternion{W: math.Cos(angle / 2), X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}
}

// Normalize returns q scaled to unit length. ok is false when q has zero or
// non-finite length and cannot represent a rotation.
func (q Quaternion) Normalize() (Quaternion, bool) {
	n := quat.Abs(q.number())
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Quaternion{}, false
	}
	return fromNumber(quat.Scale(1/n, q.number())), true
}

// Mul returns the rotation q applied after o.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return fromNumber(quat.Mul(q.number(), o.number()))
}

// Conj is the inverse rotation for a unit quaternion.
func (q Quaternion) Conj() Quaternion {
	return fromNumber(quat.Conj(q.number()))
}

// Rotate applies q to v.
func (q Quaternion) Rotate(v Vec3) Vec3 {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q.number(), p), quat.Conj(q.number()))
	return Vec3{r.Imag, r.Jmag, r.Kmag}
}

// Dot is the four-dimensional inner product.
func (q Quaternion) Dot(o Quaternion) float64 {
	return q.W*o.W + q.X*o.X + q.Y*o.Y + q.Z*o.Z
}

// AngleTo returns the magnitude of the rotation taking q to o, in radians.
func (q Quaternion) AngleTo(o Quaternion) float64 {
	d := math.Abs(q.Dot(o))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Slerp interpolates along the shortest arc between unit quaternions a and b.
func Slerp(a, b Quaternion, t float64) Quaternion {
	d := a.Dot(b)
	if d < 0 {
		b = Quaternion{-b.W, -b.X, -b.Y, -b.Z}
		d = -d
	}
	// Nearly parallel: fall back to normalized lerp to avoid dividing by sin(~0).
	if d > 0.9995 {
		n := quat.Add(a.number(), quat.Scale(t, quat.Sub(b.number(), a.number())))
		out, ok := fromNumber(n).Normalize()
		if !ok {
			return a
		}
		return out
	}
	theta := math.Acos(d)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return fromNumber(quat.Add(quat.Scale(wa, a.number()), quat.Scale(wb, b.number())))
}

// Pose is a rigid transform taking points expressed in a child frame into its
// parent frame: p_parent = Orientation.Rotate(p_child) + Position.
type Pose struct {
	Position    Vec3
	Orientation Quaternion
}

// IdentityPose is the transform between coincident frames.
func IdentityPose() Pose { return Pose{Orientation: Identity()} }

// Apply maps v from the child frame into the parent frame.
func (p Pose) Apply(v Vec3) Vec3 {
	return p.Orientation.Rotate(v).Add(p.Position)
}

// Compose returns p∘o: first o, then p. If o maps C→B and p maps B→A, the
// result maps C→A.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Position:    p.Orientation.Rotate(o.Position).Add(p.Position),
		Orientation: p.Orientation.Mul(o.Orientation),
	}
}

// Inverse returns the transform mapping parent points back into the child frame.
func (p Pose) Inverse() Pose {
	inv := p.Orientation.Conj()
	return Pose{
		Position:    inv.Rotate(p.Position).Scale(-1),
		Orientation: inv,
	}
}

// Interpolate blends two poses: linear in position, slerp in orientation.
func Interpolate(a, b Pose, t float64) Pose {
	return Pose{
		Position:    Lerp(a.Position, b.Position, t),
		Orientation: Slerp(a.Orientation, b.Orientation, t),
	}
}
