package pilot

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	iface "StrikerBot/interface"
	"StrikerBot/logger"
	"StrikerBot/monitor"
	"StrikerBot/policy"
)

// Pilot owns the reactive frame loop: it subscribes to the frame source,
// classifies each frame, steps the reaction policy and executes the
// resulting plan against the drive.
//
// Frames are handled on the source's delivery goroutine, one at a time.
// Exclusive plans detach the source before their first step and reattach
// after the last one, so the policy can never be re-entered mid-maneuver.
//
// Pause and Stop hold frameMu across the state change and the motor stop,
// so a frame already in flight when they are called finishes first and no
// drive command can land after their Stop.
type Pilot struct {
	reactor    *policy.Reactor
	source     iface.FrameSource
	detector   iface.Detector
	classifier iface.Classifier
	drive      iface.Drive

	clock       Clock
	callTimeout time.Duration
	sink        func(Telemetry)

	// frameMu serializes handleFrame with Pause and Stop. It is never
	// taken by code running on the frame goroutine other than handleFrame
	// itself.
	frameMu sync.Mutex

	mu        sync.Mutex
	runState  int
	st        policy.State
	frames    uint64
	skipped   uint64
	seq       uint64
	startedAt time.Time
	runErr    error

	done     chan struct{}
	doneOnce sync.Once
}

// New wires a pilot. The clock defaults to the system clock and the
// per-call perception timeout to one second.
func New(reactor *policy.Reactor, source iface.FrameSource, detector iface.Detector, classifier iface.Classifier, drive iface.Drive) *Pilot {
	return &Pilot{
		reactor:     reactor,
		source:      source,
		detector:    detector,
		classifier:  classifier,
		drive:       drive,
		clock:       SystemClock(),
		callTimeout: time.Second,
		runState:    STOPPED,
		done:        make(chan struct{}),
	}
}

// SetClock replaces the dwell clock. Tests inject a fake here.
func (p *Pilot) SetClock(c Clock) { p.clock = c }

// SetCallTimeout bounds each detector/classifier call.
func (p *Pilot) SetCallTimeout(d time.Duration) { p.callTimeout = d }

// SetTelemetrySink registers a per-frame decision callback. The sink runs
// on the frame goroutine and must return quickly.
func (p *Pilot) SetTelemetrySink(fn func(Telemetry)) { p.sink = fn }

// Start attaches to the frame source and begins reacting.
func (p *Pilot) Start() {
	p.mu.Lock()
	if p.runState == RUNNING {
		p.mu.Unlock()
		return
	}
	p.runState = RUNNING
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	p.mu.Unlock()
	p.source.Attach(p.handleFrame)
	logger.Log().Info("pilot started")
}

// Pause detaches from the frame source and stops the motors. The policy
// state is kept, so Resume continues where the pilot left off.
func (p *Pilot) Pause() {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	p.mu.Lock()
	if p.runState != RUNNING {
		p.mu.Unlock()
		return
	}
	p.runState = PAUSED
	p.mu.Unlock()
	p.source.Detach()
	if err := p.drive.Stop(); err != nil {
		logger.Log().Error("stop on pause failed", zap.Error(err))
	}
	logger.Log().Info("pilot paused")
}

// Resume reattaches a paused pilot.
func (p *Pilot) Resume() {
	p.mu.Lock()
	if p.runState != PAUSED {
		p.mu.Unlock()
		return
	}
	p.runState = RUNNING
	p.mu.Unlock()
	p.source.Attach(p.handleFrame)
	logger.Log().Info("pilot resumed")
}

// Stop shuts the loop down for good: detach, stop motors, release Done.
func (p *Pilot) Stop() {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	p.mu.Lock()
	p.runState = STOPPED
	p.mu.Unlock()
	p.source.Detach()
	if err := p.drive.Stop(); err != nil {
		logger.Log().Error("stop on shutdown failed", zap.Error(err))
	}
	p.doneOnce.Do(func() { close(p.done) })
}

// Done is closed once the pilot has stopped, whether by Stop or by a
// fatal configuration error. Err reports the cause in the latter case.
func (p *Pilot) Done() <-chan struct{} { return p.done }

func (p *Pilot) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

// Status snapshots the loop for the control API.
func (p *Pilot) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:     StateName(p.runState),
		Frames:    p.frames,
		Skipped:   p.skipped,
		Policy:    p.st,
		Schema:    p.reactor.Schema().Classes,
		StartedAt: p.startedAt,
	}
}

// handleFrame is the per-frame callback. One Plan per frame, first
// matching rule wins; a flaky perception call skips the frame and the
// next one retries naturally.
func (p *Pilot) handleFrame(frame iface.Frame) {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()

	// A delivery already in flight when Pause or Stop detached the source
	// can still land here; it must not reach the drive.
	p.mu.Lock()
	running := p.runState == RUNNING
	p.mu.Unlock()
	if !running {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
	defer cancel()

	probs, err := p.classifier.Classify(ctx, frame)
	if err != nil {
		p.skip("classify", err)
		return
	}

	p.mu.Lock()
	st := p.st
	p.mu.Unlock()

	fetch := func() ([]policy.Detection, error) {
		return p.detector.Detect(ctx, frame)
	}
	next, plan, err := p.reactor.Step(st, probs, fetch)
	if err != nil {
		var mismatch *policy.SchemaMismatchError
		if errors.As(err, &mismatch) {
			p.fail(err)
			return
		}
		p.skip("step", err)
		return
	}

	p.mu.Lock()
	p.st = next
	p.frames++
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	p.execute(plan)

	elapsed := time.Since(start)
	monitor.FramesTotal.Inc()
	monitor.Decisions.WithLabelValues(plan.Branch.String()).Inc()
	monitor.FrameSeconds.Observe(elapsed.Seconds())

	if p.sink != nil {
		p.sink(Telemetry{
			Seq:       seq,
			Time:      start,
			Branch:    plan.Branch.String(),
			Probs:     probs,
			Locked:    next.TargetLocked,
			ScanCount: next.ScanCount,
			Exclusive: plan.Exclusive,
			Elapsed:   elapsed,
		})
	}
}

// execute plays a plan against the drive. Exclusive plans run with frame
// delivery suspended; dwell waits go through the injected clock. A drive
// command that fails aborts the rest of the plan with a best-effort Stop,
// leaving the base in the safest reachable state.
func (p *Pilot) execute(plan policy.Plan) {
	if plan.Exclusive {
		p.source.Detach()
		defer p.reattach()
	}
	for _, step := range plan.Steps {
		if err := p.apply(step.Cmd); err != nil {
			logger.Log().Error("drive command failed",
				zap.String("op", step.Cmd.Op.String()), zap.Error(err))
			if serr := p.drive.Stop(); serr != nil {
				logger.Log().Error("fallback stop failed", zap.Error(serr))
			}
			return
		}
		if step.Dwell > 0 {
			p.clock.Sleep(step.Dwell)
		}
	}
}

func (p *Pilot) apply(cmd policy.Command) error {
	switch cmd.Op {
	case policy.OpSetMotors:
		return p.drive.SetMotors(cmd.Left, cmd.Right)
	case policy.OpForward:
		return p.drive.Forward(cmd.Speed)
	case policy.OpLeft:
		return p.drive.Left(cmd.Speed)
	case policy.OpStop:
		return p.drive.Stop()
	default:
		return errors.New("unknown drive op")
	}
}

// reattach resumes frame delivery after an exclusive plan, unless the
// pilot was paused or stopped while the maneuver ran.
func (p *Pilot) reattach() {
	p.mu.Lock()
	running := p.runState == RUNNING
	p.mu.Unlock()
	if running {
		p.source.Attach(p.handleFrame)
	}
}

func (p *Pilot) skip(stage string, err error) {
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
	monitor.FramesSkipped.Inc()
	logger.Log().Warn("frame skipped", zap.String("stage", stage), zap.Error(err))
}

// fail aborts the run on a configuration error. Guessing a probability
// mapping could drive the base into a wall, so the motors stop instead.
func (p *Pilot) fail(err error) {
	p.mu.Lock()
	p.runState = STOPPED
	p.runErr = err
	p.mu.Unlock()
	p.source.Detach()
	if serr := p.drive.Stop(); serr != nil {
		logger.Log().Error("stop after fatal error failed", zap.Error(serr))
	}
	logger.Log().Error("pilot aborted", zap.Error(err))
	p.doneOnce.Do(func() { close(p.done) })
}
