package pilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iface "StrikerBot/interface"
	"StrikerBot/policy"
)

type fakeSource struct {
	mu     sync.Mutex
	cb     func(iface.Frame)
	events []string
}

func (s *fakeSource) Attach(fn func(iface.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = fn
	s.events = append(s.events, "attach")
}

func (s *fakeSource) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = nil
	s.events = append(s.events, "detach")
}

func (s *fakeSource) Close() error { return nil }

// deliver pushes one frame through the attached callback, the way the
// camera pump would.
func (s *fakeSource) deliver(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	require.NotNil(t, cb, "no callback attached")
	cb(iface.Frame{})
}

func (s *fakeSource) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type driveCall struct {
	op          string
	left, right float64
	speed       float64
}

type fakeDrive struct {
	mu    sync.Mutex
	calls []driveCall
	fail  map[string]error
}

func (d *fakeDrive) record(c driveCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	if d.fail != nil {
		return d.fail[c.op]
	}
	return nil
}

func (d *fakeDrive) SetMotors(l, r float64) error {
	return d.record(driveCall{op: "set", left: l, right: r})
}
func (d *fakeDrive) Forward(v float64) error { return d.record(driveCall{op: "forward", speed: v}) }
func (d *fakeDrive) Left(v float64) error    { return d.record(driveCall{op: "left", speed: v}) }
func (d *fakeDrive) Stop() error             { return d.record(driveCall{op: "stop"}) }
func (d *fakeDrive) Close() error            { return nil }

func (d *fakeDrive) ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.op
	}
	return out
}

type funcClassifier func() ([]float64, error)

func (f funcClassifier) Classify(context.Context, iface.Frame) ([]float64, error) { return f() }

type funcDetector func() ([]policy.Detection, error)

func (f funcDetector) Detect(context.Context, iface.Frame) ([]policy.Detection, error) { return f() }

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestPilot(t *testing.T, classify funcClassifier, detect funcDetector) (*Pilot, *fakeSource, *fakeDrive, *fakeClock) {
	t.Helper()
	schema := policy.Schema{
		Classes:      []string{"blocked", "free", "contact"},
		FreeClass:    "free",
		BlockedClass: "blocked",
		ContactClass: "contact",
	}
	reactor, err := policy.NewReactor(policy.DefaultConfig(), schema)
	require.NoError(t, err)

	source := &fakeSource{}
	drive := &fakeDrive{}
	clock := &fakeClock{}
	p := New(reactor, source, detect, classify, drive)
	p.SetClock(clock)
	return p, source, drive, clock
}

func staticProbs(probs []float64) funcClassifier {
	return func() ([]float64, error) { return probs, nil }
}

func noDetections() funcDetector {
	return func() ([]policy.Detection, error) { return nil, nil }
}

func TestLatchedCommand(t *testing.T) {
	// Obstacle ahead: a left turn is latched with no exclusive maneuver.
	p, source, drive, clock := newTestPilot(t, staticProbs([]float64{0.7, 0.1, 0.1}), noDetections())
	p.Start()
	source.deliver(t)

	assert.Equal(t, []string{"left"}, drive.ops())
	assert.Empty(t, clock.slept())
	assert.Equal(t, []string{"attach"}, source.log())
	assert.Equal(t, uint64(1), p.Status().Frames)
}

func TestEscapeManeuver(t *testing.T) {
	p, source, drive, clock := newTestPilot(t, staticProbs([]float64{0.2, 0.1, 0.8}), noDetections())
	p.Start()
	source.deliver(t)

	t.Run("Drive sequence", func(t *testing.T) {
		assert.Equal(t, []string{"stop", "forward", "stop"}, drive.ops())
	})

	t.Run("Dwells go through the clock", func(t *testing.T) {
		cfg := policy.DefaultConfig()
		assert.Equal(t, []time.Duration{cfg.EscapePause, cfg.EscapePulse, cfg.EscapeHold}, clock.slept())
	})

	t.Run("Frame delivery suspended then resumed", func(t *testing.T) {
		assert.Equal(t, []string{"attach", "detach", "attach"}, source.log())
	})
}

func TestChaseManeuver(t *testing.T) {
	dets := func() ([]policy.Detection, error) {
		return []policy.Detection{{Label: 37, Box: [4]float64{0.6, 0.4, 0.8, 0.6}}}, nil
	}
	p, source, drive, _ := newTestPilot(t, staticProbs([]float64{0.3, 0.35, 0.35}), dets)
	p.Start()
	source.deliver(t)

	require.Equal(t, []string{"set", "stop"}, drive.ops())
	assert.Greater(t, drive.calls[0].left, drive.calls[0].right)
	assert.Equal(t, []string{"attach", "detach", "attach"}, source.log())
	assert.True(t, p.Status().Policy.TargetLocked)
}

func TestClassifierFailureSkipsFrame(t *testing.T) {
	classify := funcClassifier(func() ([]float64, error) { return nil, errors.New("timeout") })
	p, source, drive, _ := newTestPilot(t, classify, noDetections())
	p.Start()
	source.deliver(t)

	assert.Empty(t, drive.ops())
	st := p.Status()
	assert.Equal(t, uint64(0), st.Frames)
	assert.Equal(t, uint64(1), st.Skipped)
	// Next frame retries as part of normal cadence.
	assert.Equal(t, []string{"attach"}, source.log())
}

func TestSchemaMismatchIsFatal(t *testing.T) {
	p, source, drive, _ := newTestPilot(t, staticProbs([]float64{0.5, 0.5}), noDetections())
	p.Start()
	source.deliver(t)

	select {
	case <-p.Done():
	default:
		t.Fatal("pilot still running after schema mismatch")
	}
	var mismatch *policy.SchemaMismatchError
	assert.ErrorAs(t, p.Err(), &mismatch)
	assert.Equal(t, []string{"stop"}, drive.ops())
	assert.Equal(t, "stopped", p.Status().State)
	assert.Equal(t, "detach", source.log()[len(source.log())-1])
}

func TestDriveFailureFallsBackToStop(t *testing.T) {
	p, source, drive, clock := newTestPilot(t, staticProbs([]float64{0.2, 0.1, 0.8}), noDetections())
	drive.fail = map[string]error{"forward": errors.New("bus error")}
	p.Start()
	source.deliver(t)

	// Escape plan: first stop succeeds, forward fails, fallback stop, and
	// the remaining dwell of the plan is abandoned.
	assert.Equal(t, []string{"stop", "forward", "stop"}, drive.ops())
	cfg := policy.DefaultConfig()
	assert.Equal(t, []time.Duration{cfg.EscapePause}, clock.slept())
	// The source still reattaches; one bad command does not end the run.
	assert.Equal(t, "attach", source.log()[len(source.log())-1])
}

func TestPauseResume(t *testing.T) {
	p, source, drive, _ := newTestPilot(t, staticProbs([]float64{0.05, 0.85, 0.02}), noDetections())
	p.Start()
	source.deliver(t)
	require.Equal(t, []string{"left"}, drive.ops())

	p.Pause()
	assert.Equal(t, "paused", p.Status().State)
	assert.Equal(t, "stop", drive.ops()[len(drive.ops())-1])
	assert.Equal(t, "detach", source.log()[len(source.log())-1])

	scans := p.Status().Policy.ScanCount
	p.Resume()
	source.deliver(t)
	// Policy state survived the pause.
	assert.Equal(t, scans+1, p.Status().Policy.ScanCount)

	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, p.Err())
}

func TestPauseQuiescesInFlightDelivery(t *testing.T) {
	// The camera pump may have copied the callback just before Pause
	// detached it. Such a frame must not put a command on the drive after
	// Pause has stopped the motors.
	p, source, drive, _ := newTestPilot(t, staticProbs([]float64{0.05, 0.85, 0.02}), noDetections())
	p.Start()

	source.mu.Lock()
	stale := source.cb
	source.mu.Unlock()
	require.NotNil(t, stale)

	p.Pause()
	afterPause := drive.ops()
	require.Equal(t, "stop", afterPause[len(afterPause)-1])

	stale(iface.Frame{})
	assert.Equal(t, afterPause, drive.ops())
	assert.Equal(t, uint64(0), p.Status().Frames)

	p.Resume()
	p.Stop()
	afterStop := drive.ops()
	stale(iface.Frame{})
	assert.Equal(t, afterStop, drive.ops())
}

func TestTelemetrySink(t *testing.T) {
	p, source, _, _ := newTestPilot(t, staticProbs([]float64{0.05, 0.85, 0.02}), noDetections())
	var got []Telemetry
	p.SetTelemetrySink(func(tm Telemetry) { got = append(got, tm) })
	p.Start()
	source.deliver(t)
	source.deliver(t)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, "WANDER", got[0].Branch)
	assert.Equal(t, 2, got[1].ScanCount)
}
