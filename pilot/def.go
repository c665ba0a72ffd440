package pilot

import (
	"time"

	"StrikerBot/policy"
)

const (
	STOPPED = 0x3001
	RUNNING = 0x3002
	PAUSED  = 0x3003
)

// Clock abstracts the dwell waits between plan steps so maneuvers are
// testable without real delays.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock used outside of tests.
func SystemClock() Clock { return realClock{} }

// Telemetry is one processed frame's decision record, published to the
// configured sink after the plan has been executed.
type Telemetry struct {
	Seq       uint64        `json:"seq"`
	Time      time.Time     `json:"time"`
	Branch    string        `json:"branch"`
	Probs     []float64     `json:"probs"`
	Locked    bool          `json:"locked"`
	ScanCount int           `json:"scanCount"`
	Exclusive bool          `json:"exclusive"`
	Elapsed   time.Duration `json:"elapsedNs"`
}

// StateName maps a pilot run state to its API string.
func StateName(s int) string {
	switch s {
	case STOPPED:
		return "stopped"
	case RUNNING:
		return "running"
	case PAUSED:
		return "paused"
	default:
		return "unknown"
	}
}

// Status is the snapshot served over the control API.
type Status struct {
	State     string       `json:"state"`
	Frames    uint64       `json:"frames"`
	Skipped   uint64       `json:"skipped"`
	Policy    policy.State `json:"policy"`
	Schema    []string     `json:"schema"`
	StartedAt time.Time    `json:"startedAt"`
}
