package policy

import (
	"fmt"
	"math"
	"time"
)

// Detection is one object reported by the detector for a single frame.
// Box holds x1,y1,x2,y2 in normalized [0,1] image coordinates.
type Detection struct {
	Label      int
	Confidence float64
	Box        [4]float64
}

// Center returns the box midpoint as a signed offset from the image
// center, so (0,0) is dead ahead and cx>0 means right of center.
func (d Detection) Center() (cx, cy float64) {
	cx = (d.Box[0]+d.Box[2])/2 - 0.5
	cy = (d.Box[1]+d.Box[3])/2 - 0.5
	return cx, cy
}

// centerNorm is the Euclidean distance of the box center from image center.
func (d Detection) centerNorm() float64 {
	cx, cy := d.Center()
	return math.Hypot(cx, cy)
}

// Sanitize clamps box coordinates into [0,1] and drops detections that
// stay malformed after clamping (NaN coordinates or an inverted box).
// Input order of the survivors is preserved.
func Sanitize(dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		bad := false
		for i, v := range d.Box {
			if math.IsNaN(v) {
				bad = true
				break
			}
			d.Box[i] = clamp(v, 0, 1)
		}
		if bad || d.Box[2] < d.Box[0] || d.Box[3] < d.Box[1] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Schema describes the collision classifier output: the ordered class
// names plus which class plays the free / blocked / contact role. Variant
// heads (3-class up to 7-class) differ only in configuration.
type Schema struct {
	Classes      []string `yaml:"classes"`
	FreeClass    string   `yaml:"free"`
	BlockedClass string   `yaml:"blocked"`
	ContactClass string   `yaml:"contact"`

	free, blocked, contact int
}

// Resolve looks up the role classes and validates the schema. It must be
// called once before the schema is used; a schema that does not resolve is
// a configuration error, not something to guess around at runtime.
func (s *Schema) Resolve() error {
	if len(s.Classes) < 2 {
		return fmt.Errorf("schema needs at least 2 classes, got %d", len(s.Classes))
	}
	var err error
	if s.free, err = s.classIndex(s.FreeClass, "free"); err != nil {
		return err
	}
	if s.blocked, err = s.classIndex(s.BlockedClass, "blocked"); err != nil {
		return err
	}
	// Contact is optional: the 3-class head has no contact class and the
	// escape rule simply never fires.
	s.contact = -1
	if s.ContactClass != "" {
		if s.contact, err = s.classIndex(s.ContactClass, "contact"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) classIndex(name, role string) (int, error) {
	if name == "" {
		return -1, fmt.Errorf("schema role %q is not set", role)
	}
	for i, c := range s.Classes {
		if c == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("schema role %q names unknown class %q", role, name)
}

// SchemaMismatchError reports a probability vector whose cardinality does
// not match the configured schema: the wrong classifier head is wired in.
// Unlike a flaky frame, this is fatal for the whole run.
type SchemaMismatchError struct {
	Got  int
	Want int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("probability vector has %d components, schema has %d classes", e.Got, e.Want)
}

// Check validates a probability vector against the schema.
func (s *Schema) Check(probs []float64) error {
	if len(probs) != len(s.Classes) {
		return &SchemaMismatchError{Got: len(probs), Want: len(s.Classes)}
	}
	return nil
}

// Op identifies a drive command kind.
type Op int

const (
	OpSetMotors Op = iota + 1
	OpForward
	OpLeft
	OpStop
)

func (o Op) String() string {
	switch o {
	case OpSetMotors:
		return "SET_MOTORS"
	case OpForward:
		return "FORWARD"
	case OpLeft:
		return "LEFT"
	case OpStop:
		return "STOP"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Command is one drive instruction. Left/Right are used by OpSetMotors,
// Speed by OpForward and OpLeft.
type Command struct {
	Op    Op
	Left  float64
	Right float64
	Speed float64
}

// PlanStep pairs a command with how long it should be held before the
// next step. A zero dwell means "latch until the next frame decision".
type PlanStep struct {
	Cmd   Command
	Dwell time.Duration
}

// Branch names which rule of the priority cascade produced a plan.
type Branch int

const (
	BranchWander Branch = iota + 1
	BranchAdvance
	BranchAvoid
	BranchEscape
	BranchChase
	BranchCruise
)

func (b Branch) String() string {
	switch b {
	case BranchWander:
		return "WANDER"
	case BranchAdvance:
		return "ADVANCE"
	case BranchAvoid:
		return "AVOID"
	case BranchEscape:
		return "ESCAPE"
	case BranchChase:
		return "CHASE"
	case BranchCruise:
		return "CRUISE"
	default:
		return fmt.Sprintf("Branch(%d)", int(b))
	}
}

// Plan is the single decision emitted for one frame: an ordered list of
// timed steps. Exclusive plans must run with frame delivery suspended; the
// policy is never re-entered while one is in progress.
type Plan struct {
	Branch    Branch
	Steps     []PlanStep
	Exclusive bool
}

// State is the mutable policy state carried between frames. It is passed
// in and returned by Step; the policy keeps no hidden globals.
type State struct {
	TargetLocked bool
	ScanCount    int
}

// Config bundles the thresholds, speeds and timings of the reaction policy.
type Config struct {
	FreeThreshold    float64
	BlockedThreshold float64
	ContactThreshold float64

	TargetLabels []int

	BaseSpeed   float64
	SteerGain   float64
	CruiseSpeed float64
	TurnSpeed   float64
	ScanSpeed   float64
	NudgeSpeed  float64
	EscapeSpeed float64

	ScanSteps int

	SteerDwell  time.Duration
	SteerPause  time.Duration
	EscapePause time.Duration
	EscapePulse time.Duration
	EscapeHold  time.Duration
}

// DefaultConfig returns the tuning used on the reference robot.
func DefaultConfig() Config {
	return Config{
		FreeThreshold:    0.4,
		BlockedThreshold: 0.5,
		ContactThreshold: 0.5,
		TargetLabels:     []int{37}, // COCO "sports ball"
		BaseSpeed:        0.3,
		SteerGain:        0.8,
		CruiseSpeed:      0.25,
		TurnSpeed:        0.15,
		ScanSpeed:        0.2,
		NudgeSpeed:       0.25,
		EscapeSpeed:      0.4,
		ScanSteps:        6,
		SteerDwell:       300 * time.Millisecond,
		SteerPause:       200 * time.Millisecond,
		EscapePause:      300 * time.Millisecond,
		EscapePulse:      400 * time.Millisecond,
		EscapeHold:       800 * time.Millisecond,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
