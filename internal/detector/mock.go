package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu    sync.Mutex
	hands []HandLandmarks
	err   error
	calls int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetHands sets the hands that will be returned by Detect.
func (m *MockDetector) SetHands(hands []HandLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hands = hands
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls reports how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns the pre-configured hands or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]HandLandmarks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.hands, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// FistLandmarks returns a right hand with every finger curled toward the palm
// and the thumb folded across the knuckles.
func FistLandmarks() HandLandmarks {
	h := HandLandmarks{
		Handedness: Right,
		Score:      0.95,
	}

	h.Points[Wrist] = Point3D{X: 0.5, Y: 0.8, Z: 0.0}

	h.Points[ThumbCMC] = Point3D{X: 0.55, Y: 0.76, Z: -0.01}
	h.Points[ThumbMCP] = Point3D{X: 0.58, Y: 0.71, Z: -0.02}
	h.Points[ThumbIP] = Point3D{X: 0.55, Y: 0.67, Z: -0.04}
	h.Points[ThumbTip] = Point3D{X: 0.51, Y: 0.66, Z: -0.05}

	h.Points[IndexMCP] = Point3D{X: 0.55, Y: 0.68, Z: -0.02}
	h.Points[IndexPIP] = Point3D{X: 0.55, Y: 0.64, Z: -0.05}
	h.Points[IndexDIP] = Point3D{X: 0.53, Y: 0.67, Z: -0.06}
	h.Points[IndexTip] = Point3D{X: 0.52, Y: 0.70, Z: -0.04}

	h.Points[MiddleMCP] = Point3D{X: 0.50, Y: 0.67, Z: -0.02}
	h.Points[MiddlePIP] = Point3D{X: 0.50, Y: 0.63, Z: -0.05}
	h.Points[MiddleDIP] = Point3D{X: 0.48, Y: 0.66, Z: -0.06}
	h.Points[MiddleTip] = Point3D{X: 0.47, Y: 0.69, Z: -0.04}

	h.Points[RingMCP] = Point3D{X: 0.46, Y: 0.69, Z: -0.02}
	h.Points[RingPIP] = Point3D{X: 0.46, Y: 0.65, Z: -0.05}
	h.Points[RingDIP] = Point3D{X: 0.44, Y: 0.68, Z: -0.05}
	h.Points[RingTip] = Point3D{X: 0.43, Y: 0.71, Z: -0.03}

	h.Points[PinkyMCP] = Point3D{X: 0.42, Y: 0.71, Z: -0.02}
	h.Points[PinkyPIP] = Point3D{X: 0.42, Y: 0.68, Z: -0.04}
	h.Points[PinkyDIP] = Point3D{X: 0.40, Y: 0.70, Z: -0.04}
	h.Points[PinkyTip] = Point3D{X: 0.40, Y: 0.73, Z: -0.03}

	return h
}

// OpenPalmLandmarks returns a right hand with all fingers extended and the
// thumb spread to the side.
func OpenPalmLandmarks() HandLandmarks {
	h := HandLandmarks{
		Handedness: Right,
		Score:      0.95,
	}

	h.Points[Wrist] = Point3D{X: 0.5, Y: 0.8, Z: 0.0}

	h.Points[ThumbCMC] = Point3D{X: 0.55, Y: 0.75, Z: 0.02}
	h.Points[ThumbMCP] = Point3D{X: 0.62, Y: 0.70, Z: 0.03}
	h.Points[ThumbIP] = Point3D{X: 0.68, Y: 0.65, Z: 0.03}
	h.Points[ThumbTip] = Point3D{X: 0.73, Y: 0.60, Z: 0.03}

	h.Points[IndexMCP] = Point3D{X: 0.55, Y: 0.68, Z: 0.0}
	h.Points[IndexPIP] = Point3D{X: 0.57, Y: 0.55, Z: 0.0}
	h.Points[IndexDIP] = Point3D{X: 0.58, Y: 0.45, Z: 0.0}
	h.Points[IndexTip] = Point3D{X: 0.58, Y: 0.35, Z: 0.0}

	h.Points[MiddleMCP] = Point3D{X: 0.50, Y: 0.66, Z: 0.0}
	h.Points[MiddlePIP] = Point3D{X: 0.50, Y: 0.52, Z: 0.0}
	h.Points[MiddleDIP] = Point3D{X: 0.50, Y: 0.40, Z: 0.0}
	h.Points[MiddleTip] = Point3D{X: 0.50, Y: 0.28, Z: 0.0}

	h.Points[RingMCP] = Point3D{X: 0.45, Y: 0.68, Z: 0.0}
	h.Points[RingPIP] = Point3D{X: 0.43, Y: 0.55, Z: 0.0}
	h.Points[RingDIP] = Point3D{X: 0.42, Y: 0.45, Z: 0.0}
	h.Points[RingTip] = Point3D{X: 0.42, Y: 0.35, Z: 0.0}

	h.Points[PinkyMCP] = Point3D{X: 0.40, Y: 0.70, Z: 0.0}
	h.Points[PinkyPIP] = Point3D{X: 0.37, Y: 0.60, Z: 0.0}
	h.Points[PinkyDIP] = Point3D{X: 0.35, Y: 0.50, Z: 0.0}
	h.Points[PinkyTip] = Point3D{X: 0.34, Y: 0.42, Z: 0.0}

	return h
}
