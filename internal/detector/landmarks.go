// Package detector provides hand detection interfaces and types for hand-sign recognition.
package detector

import "fmt"

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Fingers lists each finger as its chain of landmark indices from base joint to tip,
// ordered thumb, index, middle, ring, pinky.
var Fingers = [5][4]int{
	{ThumbCMC, ThumbMCP, ThumbIP, ThumbTip},
	{IndexMCP, IndexPIP, IndexDIP, IndexTip},
	{MiddleMCP, MiddlePIP, MiddleDIP, MiddleTip},
	{RingMCP, RingPIP, RingDIP, RingTip},
	{PinkyMCP, PinkyPIP, PinkyDIP, PinkyTip},
}

// Handedness tags which hand a landmark set belongs to.
type Handedness string

const (
	Left    Handedness = "Left"
	Right   Handedness = "Right"
	Unknown Handedness = "Unknown"
)

// ParseHandedness maps a tracker label onto a Handedness. Anything other than
// "Left" or "Right" is Unknown.
func ParseHandedness(s string) Handedness {
	switch Handedness(s) {
	case Left:
		return Left
	case Right:
		return Right
	default:
		return Unknown
	}
}

// Point3D represents a landmark position: x, y in normalized image space, z relative depth.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HandLandmarks represents the 21 hand landmarks detected for one hand in one frame.
type HandLandmarks struct {
	Points     [NumLandmarks]Point3D `json:"points"`
	Handedness Handedness            `json:"handedness"`
	Score      float64               `json:"score"`
}

// FromPoints builds HandLandmarks from a slice, which must hold exactly 21 points.
func FromPoints(points []Point3D, handedness Handedness) (HandLandmarks, error) {
	if len(points) != NumLandmarks {
		return HandLandmarks{}, fmt.Errorf("expected %d landmarks, got %d", NumLandmarks, len(points))
	}
	h := HandLandmarks{Handedness: handedness}
	copy(h.Points[:], points)
	return h, nil
}

// Pair holds at most one left and one right hand for a single frame.
// A nil slot means that hand was not detected.
type Pair struct {
	Left  *HandLandmarks
	Right *HandLandmarks
}

// Count returns how many slots are filled.
func (p Pair) Count() int {
	n := 0
	if p.Left != nil {
		n++
	}
	if p.Right != nil {
		n++
	}
	return n
}

// SplitHands assigns the detected hands of one frame to left and right slots.
// Tagged hands take their own slot first; hands tagged Unknown fill whichever
// slot is still free, left before right. When two hands claim the same slot the
// one with the higher score wins. Extra hands are dropped.
func SplitHands(hands []HandLandmarks) Pair {
	var pair Pair
	var unknown []*HandLandmarks

	for i := range hands {
		h := &hands[i]
		switch h.Handedness {
		case Left:
			if pair.Left == nil || h.Score > pair.Left.Score {
				pair.Left = h
			}
		case Right:
			if pair.Right == nil || h.Score > pair.Right.Score {
				pair.Right = h
			}
		default:
			unknown = append(unknown, h)
		}
	}

	for _, h := range unknown {
		switch {
		case pair.Left == nil:
			pair.Left = h
		case pair.Right == nil:
			pair.Right = h
		}
	}

	return pair
}

// Mirror returns a copy of the hand reflected across the vertical image axis
// with its handedness swapped. Useful for building left-hand fixtures from
// right-hand ones.
func (h HandLandmarks) Mirror() HandLandmarks {
	m := h
	for i := range m.Points {
		m.Points[i].X = 1 - m.Points[i].X
	}
	switch h.Handedness {
	case Left:
		m.Handedness = Right
	case Right:
		m.Handedness = Left
	}
	return m
}
