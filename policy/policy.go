package policy

import "fmt"

// FetchFunc retrieves the current frame's detections. The reactor only
// calls it when the default branch is reached, so the detector is not hit
// on frames short-circuited by the collision cascade.
type FetchFunc func() ([]Detection, error)

// reading is one frame's collision probabilities projected through the
// schema roles.
type reading struct {
	free    float64
	blocked float64
	contact float64
}

// rule is one entry of the priority cascade. Rules are evaluated in order
// and the first one whose predicate holds produces the frame's plan.
type rule struct {
	branch Branch
	when   func(st State, r reading) bool
	act    func(st State, r reading, fetch FetchFunc) (State, Plan, error)
}

// Reactor turns one frame's observations into exactly one Plan. It is the
// only component with decision authority over the drive.
type Reactor struct {
	cfg    Config
	schema Schema
	rules  []rule
}

// NewReactor validates the schema and builds the rule cascade.
func NewReactor(cfg Config, schema Schema) (*Reactor, error) {
	if err := schema.Resolve(); err != nil {
		return nil, err
	}
	if cfg.ScanSteps <= 0 {
		return nil, fmt.Errorf("scanSteps must be positive, got %d", cfg.ScanSteps)
	}
	r := &Reactor{cfg: cfg, schema: schema}
	r.rules = []rule{
		{
			branch: BranchWander,
			when: func(st State, rd reading) bool {
				return rd.free > cfg.FreeThreshold && !st.TargetLocked
			},
			act: r.wander,
		},
		{
			branch: BranchAdvance,
			when: func(st State, rd reading) bool {
				return rd.free > cfg.FreeThreshold && st.TargetLocked
			},
			act: r.advance,
		},
		{
			branch: BranchAvoid,
			when: func(st State, rd reading) bool {
				return rd.blocked > cfg.BlockedThreshold
			},
			act: r.avoid,
		},
		{
			branch: BranchEscape,
			when: func(st State, rd reading) bool {
				return schema.contact >= 0 && rd.contact > cfg.ContactThreshold
			},
			act: r.escape,
		},
		{
			branch: BranchChase,
			when:   func(State, reading) bool { return true },
			act:    r.chase,
		},
	}
	return r, nil
}

// Config returns the active tuning.
func (r *Reactor) Config() Config { return r.cfg }

// Schema returns the resolved collision schema.
func (r *Reactor) Schema() Schema { return r.schema }

// Step runs the cascade for one frame. A probability vector that does not
// match the schema cardinality is a fatal wiring error and aborts the run.
func (r *Reactor) Step(st State, probs []float64, fetch FetchFunc) (State, Plan, error) {
	if err := r.schema.Check(probs); err != nil {
		return st, Plan{}, err
	}
	rd := reading{
		free:    probs[r.schema.free],
		blocked: probs[r.schema.blocked],
	}
	if r.schema.contact >= 0 {
		rd.contact = probs[r.schema.contact]
	}
	for _, rl := range r.rules {
		if rl.when(st, rd) {
			return rl.act(st, rd, fetch)
		}
	}
	// Unreachable: the chase rule always matches.
	return st, Plan{}, fmt.Errorf("no rule matched")
}

// wander searches for a target in free space: a fixed number of scanning
// turns, then one forward nudge, then the counter resets.
func (r *Reactor) wander(st State, _ reading, _ FetchFunc) (State, Plan, error) {
	if st.ScanCount < r.cfg.ScanSteps {
		st.ScanCount++
		return st, latched(BranchWander, Command{Op: OpLeft, Speed: r.cfg.ScanSpeed}), nil
	}
	st.ScanCount = 0
	return st, latched(BranchWander, Command{Op: OpForward, Speed: r.cfg.NudgeSpeed}), nil
}

// advance keeps moving toward a target that is already locked while the
// path ahead is free.
func (r *Reactor) advance(st State, _ reading, _ FetchFunc) (State, Plan, error) {
	return st, latched(BranchAdvance, Command{Op: OpForward, Speed: r.cfg.CruiseSpeed}), nil
}

// avoid turns away from an obstacle. Direction is fixed left; the scene
// classifier gives no bearing to steer by.
func (r *Reactor) avoid(st State, _ reading, _ FetchFunc) (State, Plan, error) {
	return st, latched(BranchAvoid, Command{Op: OpLeft, Speed: r.cfg.TurnSpeed}), nil
}

// escape backs out of a contact: stop, settle, punch forward, stop again
// and hold. Runs exclusively so no frame can interleave with the maneuver.
func (r *Reactor) escape(st State, _ reading, _ FetchFunc) (State, Plan, error) {
	return st, Plan{
		Branch:    BranchEscape,
		Exclusive: true,
		Steps: []PlanStep{
			{Cmd: Command{Op: OpStop}, Dwell: r.cfg.EscapePause},
			{Cmd: Command{Op: OpForward, Speed: r.cfg.EscapeSpeed}, Dwell: r.cfg.EscapePulse},
			{Cmd: Command{Op: OpStop}, Dwell: r.cfg.EscapeHold},
		},
	}, nil
}

// chase is the default branch: ask the detector, lock onto the detection
// closest to image center, and steer toward it. With no target in sight it
// cruises forward and drops the lock.
func (r *Reactor) chase(st State, _ reading, fetch FetchFunc) (State, Plan, error) {
	dets, err := fetch()
	if err != nil {
		return st, Plan{}, fmt.Errorf("fetch detections: %w", err)
	}
	target, ok := Closest(FilterLabels(Sanitize(dets), r.cfg.TargetLabels))
	if !ok {
		st.TargetLocked = false
		return st, latched(BranchCruise, Command{Op: OpForward, Speed: r.cfg.CruiseSpeed}), nil
	}
	st.TargetLocked = true
	cx, _ := target.Center()
	left, right := r.Steer(cx)
	return st, Plan{
		Branch:    BranchChase,
		Exclusive: true,
		Steps: []PlanStep{
			{Cmd: Command{Op: OpSetMotors, Left: left, Right: right}, Dwell: r.cfg.SteerDwell},
			{Cmd: Command{Op: OpStop}, Dwell: r.cfg.SteerPause},
		},
	}, nil
}

// Steer maps a horizontal center offset to differential wheel speeds. A
// target right of center speeds up the left wheel and slows the right one,
// so the base turns into the offset.
func (r *Reactor) Steer(cx float64) (left, right float64) {
	left = r.cfg.BaseSpeed + r.cfg.SteerGain*cx
	right = r.cfg.BaseSpeed - r.cfg.SteerGain*cx
	return left, right
}

// Closest returns the detection whose center is nearest the image center.
// Ties keep the earliest detection in input order. ok is false for an
// empty list; no target in sight is a normal frame, not an error.
func Closest(dets []Detection) (best Detection, ok bool) {
	bestNorm := 0.0
	for _, d := range dets {
		n := d.centerNorm()
		if !ok || n < bestNorm {
			best, bestNorm, ok = d, n, true
		}
	}
	return best, ok
}

// FilterLabels keeps the detections whose label is in the target set,
// preserving input order. An empty label set matches nothing.
func FilterLabels(dets []Detection, labels []int) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		for _, l := range labels {
			if d.Label == l {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// latched wraps a single command into a non-exclusive plan held until the
// next frame.
func latched(b Branch, cmd Command) Plan {
	return Plan{Branch: b, Steps: []PlanStep{{Cmd: cmd}}}
}
