// Package features turns hand landmarks into the fixed-length numeric
// descriptors consumed by gesture classifiers.
//
// Slot order is part of the contract: classifiers are trained against the
// positional meaning of each value, so the concatenation order below must not
// change.
//
// Single hand (33 values):
//
//	[0:10]  bend angles, two per finger (base joint, middle joint)
//	[10:15] wrist to fingertip distances
//	[15:19] spread angles at the wrist between adjacent fingertips
//	[19:22] palm size: index base/pinky base, wrist/middle base, index base/wrist
//	[22]    thumb tip to index tip distance
//	[23:28] fingertip alignment with the palm normal
//	[28:33] fingertip depth (raw z)
//
// Two hands (72 values): left hand [0:33], right hand [33:66], then six
// inter-hand slots [66:72]: wrist distance, index tip distance, the
// right-minus-left wrist displacement (x, y, z) and a reserved slot that is
// always zero.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/ayusman/mudra/internal/detector"
)

// Vector sizes.
const (
	HandSize      = 33
	InterHandSize = 6
	TwoHandSize   = 2*HandSize + InterHandSize
)

// angleEpsilon keeps the angle denominator away from zero.
const angleEpsilon = 1e-8

// ErrInvalidInput is returned when a hand does not have exactly 21 landmarks.
var ErrInvalidInput = errors.New("invalid landmark input")

// Hand is an optional hand slot: either present with 21 landmarks or absent.
// The zero value is absent.
type Hand struct {
	points  [detector.NumLandmarks]r3.Vector
	present bool
}

// Absent returns an empty hand slot.
func Absent() Hand {
	return Hand{}
}

// Present wraps a detected hand.
func Present(h detector.HandLandmarks) Hand {
	return Hand{points: toVectors(h.Points[:]), present: true}
}

// FromPair converts the optional slots of a frame into hand values.
func FromPair(p detector.Pair) (left, right Hand) {
	if p.Left != nil {
		left = Present(*p.Left)
	}
	if p.Right != nil {
		right = Present(*p.Right)
	}
	return left, right
}

// IsPresent reports whether the slot holds a hand.
func (h Hand) IsPresent() bool {
	return h.present
}

// Extract computes the 33-value descriptor of a single hand. The slice must
// contain exactly 21 landmarks; any other length fails with ErrInvalidInput.
func Extract(points []detector.Point3D) ([]float64, error) {
	if len(points) != detector.NumLandmarks {
		return nil, fmt.Errorf("%w: expected %d landmarks, got %d", ErrInvalidInput, detector.NumLandmarks, len(points))
	}
	return extract(toVectors(points)), nil
}

// ExtractHand computes the 33-value descriptor of a detected hand.
func ExtractHand(h detector.HandLandmarks) []float64 {
	return extract(toVectors(h.Points[:]))
}

// ExtractTwoHands computes the 72-value descriptor for a frame. It never
// fails: an absent hand leaves its 33 slots at zero, and the six inter-hand
// slots are only filled when both hands are present.
func ExtractTwoHands(left, right Hand) []float64 {
	out := make([]float64, TwoHandSize)

	if left.present {
		copy(out[0:HandSize], extract(left.points))
	}
	if right.present {
		copy(out[HandSize:2*HandSize], extract(right.points))
	}

	if left.present && right.present {
		lw, rw := left.points[detector.Wrist], right.points[detector.Wrist]
		inter := out[2*HandSize:]
		inter[0] = lw.Distance(rw)
		inter[1] = left.points[detector.IndexTip].Distance(right.points[detector.IndexTip])
		d := rw.Sub(lw)
		inter[2], inter[3], inter[4] = d.X, d.Y, d.Z
		// inter[5] is reserved and stays zero.
	}

	return out
}

func extract(p [detector.NumLandmarks]r3.Vector) []float64 {
	out := make([]float64, 0, HandSize)
	wrist := p[detector.Wrist]

	for _, f := range detector.Fingers {
		out = append(out, fingerAngles(p, f[:])...)
	}

	for _, f := range detector.Fingers {
		out = append(out, wrist.Distance(p[f[3]]))
	}

	for i := 0; i < len(detector.Fingers)-1; i++ {
		tip, next := p[detector.Fingers[i][3]], p[detector.Fingers[i+1][3]]
		out = append(out, angleAt(tip, wrist, next))
	}

	out = append(out,
		p[detector.IndexMCP].Distance(p[detector.PinkyMCP]),
		wrist.Distance(p[detector.MiddleMCP]),
		p[detector.IndexMCP].Distance(wrist),
	)

	out = append(out, p[detector.ThumbTip].Distance(p[detector.IndexTip]))

	normal := palmNormal(p)
	for _, f := range detector.Fingers {
		out = append(out, p[f[3]].Sub(p[f[0]]).Dot(normal))
	}

	for _, f := range detector.Fingers {
		out = append(out, p[f[3]].Z)
	}

	return out
}

// fingerAngles returns the bend at the base joint (wrist, base, next) and at the
// middle joint (base, next, tip-adjacent). Chains shorter than three joints
// have no measurable bend and yield zeros.
func fingerAngles(p [detector.NumLandmarks]r3.Vector, chain []int) []float64 {
	if len(chain) < 3 {
		return []float64{0, 0}
	}
	return []float64{
		angleAt(p[detector.Wrist], p[chain[0]], p[chain[1]]),
		angleAt(p[chain[0]], p[chain[1]], p[chain[2]]),
	}
}

// angleAt returns the angle in radians at b formed by a-b-c, in [0, π].
func angleAt(a, b, c r3.Vector) float64 {
	v1 := a.Sub(b)
	v2 := c.Sub(b)
	cos := v1.Dot(v2) / (v1.Norm()*v2.Norm() + angleEpsilon)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// palmNormal is the unit normal of the plane through the wrist, index base and
// pinky base, or the zero vector when those points are collinear.
func palmNormal(p [detector.NumLandmarks]r3.Vector) r3.Vector {
	wrist := p[detector.Wrist]
	n := p[detector.IndexMCP].Sub(wrist).Cross(p[detector.PinkyMCP].Sub(wrist))
	norm := n.Norm()
	if norm <= angleEpsilon {
		return r3.Vector{}
	}
	return n.Mul(1 / norm)
}

func toVectors(points []detector.Point3D) [detector.NumLandmarks]r3.Vector {
	var out [detector.NumLandmarks]r3.Vector
	for i := range out {
		out[i] = r3.Vector{X: points[i].X, Y: points[i].Y, Z: points[i].Z}
	}
	return out
}
