package iface

import (
	"context"

	"gocv.io/x/gocv"

	"StrikerBot/policy"
)

// Frame is one camera image as handed over by the frame source. The
// receiver must not retain it past the callback; the source owns the Mat.
type Frame = gocv.Mat

// Detector maps a frame to the objects found in it. An empty slice is a
// normal answer, not an error.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]policy.Detection, error)
}

// Classifier maps a frame to a probability distribution over the scene
// classes of the configured collision schema. Components sum to 1 within
// floating tolerance.
type Classifier interface {
	Classify(ctx context.Context, frame Frame) ([]float64, error)
}

// Drive is the motor controller of a differential-drive base. Speeds are
// normalized to [-1, 1]; implementations clamp out-of-range values. Calls
// are fallible: callers fall back to Stop when a command does not go through.
type Drive interface {
	SetMotors(left, right float64) error
	Forward(speed float64) error
	Left(speed float64) error
	Stop() error
	Close() error
}

// FrameSource delivers frames to at most one attached callback, one at a
// time on a single goroutine.
//
// Detach stops future deliveries; a delivery already handed to the callback
// may still complete concurrently. Deliveries are sequential, so a Detach
// issued from inside the callback is final. Callers that must quiesce the
// callback from another goroutine serialize with it themselves, the way the
// pilot's Pause does.
type FrameSource interface {
	Attach(fn func(Frame))
	Detach()
	Close() error
}
