package detector

import (
	"math"
	"reflect"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) hooks() Hooks {
	add := func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
	return Hooks{OnImpactDetected: add, OnStillnessBroken: add, OnFallConfirmed: add}
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// feed delivers samples the way replay does: logical time first, then the sample.
func feed(c *SampleClock, d *Detector, samples ...Sample) {
	for _, s := range samples {
		if d.Admits(s) {
			c.Advance(s.TimestampMs)
		}
		d.Ingest(s)
	}
}

func rest(ts int64) Sample { return Sample{X: 0, Y: 0, Z: 9.8, TimestampMs: ts} }

func restEvery(fromMs, toMs, stepMs int64) []Sample {
	var out []Sample
	for ts := fromMs; ts <= toMs; ts += stepMs {
		out = append(out, rest(ts))
	}
	return out
}

func newTestDetector(level Sensitivity) (*Detector, *SampleClock, *recorder) {
	c := NewSampleClock()
	r := &recorder{}
	d := New(Config{Sensitivity: level, Scheduler: c, Hooks: r.hooks()})
	return d, c, r
}

type captureTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *captureTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

type captureScheduler struct {
	fns    []func()
	timers []*captureTimer
	delays []time.Duration
}

func (s *captureScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &captureTimer{}
	s.fns = append(s.fns, f)
	s.timers = append(s.timers, t)
	s.delays = append(s.delays, d)
	return t
}

func TestImpactThenStillnessConfirmsOnce(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)

	feed(c, d, Sample{X: 25, TimestampMs: 0})
	if d.Phase() != PhaseMonitoringStillness {
		t.Fatalf("phase=%s want monitoring_stillness", d.Phase())
	}
	feed(c, d, restEvery(100, 6000, 100)...)

	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}
	if got := r.count(EventStillnessBroken); got != 0 {
		t.Fatalf("stillness_broken=%d want 0", got)
	}
	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}
}

func TestImpactThenNoSamplesConfirmsAtWindow(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	feed(c, d, Sample{X: 25, TimestampMs: 1000})

	c.Advance(5999)
	if got := r.count(EventFallConfirmed); got != 0 {
		t.Fatalf("confirmed early: %d", got)
	}
	c.Advance(6000)
	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}
	c.Flush()
	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed after flush=%d want 1", got)
	}

	r.mu.Lock()
	last := r.events[len(r.events)-1]
	r.mu.Unlock()
	if last.ImpactAtMs != 1000 || last.AtMs != 6000 || last.GForce != 25 {
		t.Fatalf("event=%+v", last)
	}
}

func TestImpactThenMotionCancels(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)

	feed(c, d, Sample{X: 25, TimestampMs: 0})
	feed(c, d, restEvery(100, 1000, 100)...)
	feed(c, d, Sample{X: 15, TimestampMs: 1100})
	c.Flush()

	if got := r.count(EventStillnessBroken); got != 1 {
		t.Fatalf("stillness_broken=%d want 1", got)
	}
	if got := r.count(EventFallConfirmed); got != 0 {
		t.Fatalf("fall_confirmed=%d want 0", got)
	}
	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}
}

func TestBelowThresholdStaysIdle(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	// Exactly at the threshold is not an impact.
	feed(c, d, Sample{X: 20, TimestampMs: 0}, Sample{X: 19, TimestampMs: 200})
	c.Flush()
	if len(r.kinds()) != 0 {
		t.Fatalf("events=%v want none", r.kinds())
	}
}

func TestThrottle_ImpactBypassesGate(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)

	feed(c, d, Sample{X: 22, TimestampMs: 0}, Sample{X: 23, TimestampMs: 10})

	tel := d.Telemetry()
	if tel.Counters.Classified != 2 {
		t.Fatalf("classified=%d want 2", tel.Counters.Classified)
	}
	if tel.Counters.Throttled != 0 {
		t.Fatalf("throttled=%d want 0", tel.Counters.Throttled)
	}
	want := []EventKind{EventImpactDetected, EventStillnessBroken}
	if !reflect.DeepEqual(r.kinds(), want) {
		t.Fatalf("events=%v want %v", r.kinds(), want)
	}
}

func TestThrottle_DropsQuietSamplesButKeepsTelemetryFresh(t *testing.T) {
	d, c, _ := newTestDetector(SensitivityMedium)

	feed(c, d, rest(0), Sample{X: 0, Y: 3, Z: 9.5, TimestampMs: 50})

	tel := d.Telemetry()
	if tel.Counters.Throttled != 1 || tel.Counters.Classified != 1 {
		t.Fatalf("counters=%+v", tel.Counters)
	}
	if want := Magnitude(0, 3, 9.5); math.Abs(tel.CurrentGForce-want) > 1e-9 {
		t.Fatalf("current g=%v want %v", tel.CurrentGForce, want)
	}
	if tel.LastSampleMs != 50 {
		t.Fatalf("last sample=%d want 50", tel.LastSampleMs)
	}
}

func TestThrottle_LowPowerWidensInterval(t *testing.T) {
	cases := []struct {
		lowPower       bool
		wantThrottled  uint64
		wantClassified uint64
	}{
		{false, 0, 4},
		{true, 2, 2},
	}
	for _, tc := range cases {
		d, c, _ := newTestDetector(SensitivityMedium)
		d.SetLowPowerMode(tc.lowPower)
		feed(c, d, rest(0), rest(150), rest(300), rest(450))
		tel := d.Telemetry()
		if tel.Counters.Throttled != tc.wantThrottled || tel.Counters.Classified != tc.wantClassified {
			t.Fatalf("lowPower=%v counters=%+v", tc.lowPower, tel.Counters)
		}
	}
}

func TestThrottle_MotionBreakBypassesGate(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	feed(c, d, Sample{X: 25, TimestampMs: 0}, Sample{X: 14, TimestampMs: 30})
	if got := r.count(EventStillnessBroken); got != 1 {
		t.Fatalf("stillness_broken=%d want 1", got)
	}
}

func TestSameTickTie_TimerWinsOnSampleClock(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	feed(c, d, Sample{X: 25, TimestampMs: 0})
	feed(c, d, Sample{X: 15, TimestampMs: 5000})

	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}
	if got := r.count(EventStillnessBroken); got != 0 {
		t.Fatalf("stillness_broken=%d want 0", got)
	}
}

func TestStaleTimerCallbackIsNoop(t *testing.T) {
	s := &captureScheduler{}
	r := &recorder{}
	d := New(Config{Sensitivity: SensitivityMedium, Scheduler: s, Hooks: r.hooks()})

	d.Ingest(Sample{X: 25, TimestampMs: 0})
	d.Ingest(Sample{X: 15, TimestampMs: 200})
	if !s.timers[0].stopped {
		t.Fatalf("timer not stopped on motion break")
	}
	// The runtime may still deliver a callback that lost the race.
	s.fns[0]()
	if got := r.count(EventFallConfirmed); got != 0 {
		t.Fatalf("fall_confirmed=%d want 0", got)
	}

	// A second arming must not be confirmed by the first callback either.
	d.Ingest(Sample{X: 25, TimestampMs: 400})
	s.fns[0]()
	if got := r.count(EventFallConfirmed); got != 0 {
		t.Fatalf("old callback confirmed new window")
	}
	s.fns[1]()
	s.fns[1]()
	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}
}

func TestConcurrentTimerAndMotion_ExactlyOneWins(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := &captureScheduler{}
		r := &recorder{}
		d := New(Config{Sensitivity: SensitivityMedium, Scheduler: s, Hooks: r.hooks()})
		d.Ingest(Sample{X: 25, TimestampMs: 0})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.fns[0]() }()
		go func() { defer wg.Done(); d.Ingest(Sample{X: 15, TimestampMs: 5000}) }()
		wg.Wait()

		confirmed := r.count(EventFallConfirmed)
		broken := r.count(EventStillnessBroken)
		if confirmed+broken != 1 {
			t.Fatalf("iteration %d: confirmed=%d broken=%d", i, confirmed, broken)
		}
		if d.Phase() != PhaseIdle {
			t.Fatalf("iteration %d: phase=%s", i, d.Phase())
		}
	}
}

func TestMalformedSampleIsIgnored(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)

	zero := 0.0
	feed(c, d, SampleFromAxes(nil, &zero, &zero, 0))
	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}

	feed(c, d, Sample{X: 25, TimestampMs: 100})
	for _, bad := range []Sample{
		{X: math.NaN(), TimestampMs: 200},
		{Y: math.Inf(1), TimestampMs: 300},
		SampleFromAxes(&zero, nil, nil, 400),
	} {
		feed(c, d, bad)
	}
	if d.Phase() != PhaseMonitoringStillness {
		t.Fatalf("malformed sample broke stillness")
	}
	tel := d.Telemetry()
	if tel.Counters.Malformed != 4 {
		t.Fatalf("malformed=%d want 4", tel.Counters.Malformed)
	}
	if tel.CurrentGForce != 25 {
		t.Fatalf("current g=%v want 25", tel.CurrentGForce)
	}
	c.Flush()
	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}
}

func TestOutOfOrderSampleIsDiscarded(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	feed(c, d, rest(1000))
	d.Ingest(Sample{X: 30, TimestampMs: 500})

	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}
	if got := d.Telemetry().Counters.OutOfOrder; got != 1 {
		t.Fatalf("out_of_order=%d want 1", got)
	}
	if len(r.kinds()) != 0 {
		t.Fatalf("events=%v", r.kinds())
	}
}

func TestResetIsIdempotentAndLeavesNoHiddenState(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)

	run := func(base int64) {
		feed(c, d, Sample{X: 25, TimestampMs: base})
		feed(c, d, restEvery(base+100, base+500, 100)...)
		feed(c, d, Sample{X: 0, Y: 14, Z: 0, TimestampMs: base + 600})
	}

	run(0)
	first := r.kinds()
	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}
	run(10_000)
	all := r.kinds()
	if !reflect.DeepEqual(all[len(first):], first) {
		t.Fatalf("second run=%v want %v", all[len(first):], first)
	}
}

func TestResetCancelsArmedWindow(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	feed(c, d, Sample{X: 25, TimestampMs: 0})
	d.Reset()
	d.Reset()
	c.Flush()

	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}
	if got := r.count(EventFallConfirmed); got != 0 {
		t.Fatalf("fall_confirmed=%d want 0", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending timers=%d want 0", c.Pending())
	}

	// History is forgotten: an earlier timestamp is accepted again.
	feed(c, d, rest(0))
	if got := d.Telemetry().Counters.OutOfOrder; got != 0 {
		t.Fatalf("out_of_order=%d want 0", got)
	}
}

func TestSensitivityChangeMidWindowKeepsArmedDuration(t *testing.T) {
	s := &captureScheduler{}
	r := &recorder{}
	d := New(Config{Sensitivity: SensitivityHigh, Scheduler: s, Hooks: r.hooks()})

	d.Ingest(Sample{X: 16, TimestampMs: 0})
	d.SetSensitivity(SensitivityLow)
	if len(s.delays) != 1 || s.delays[0] != 5*time.Second {
		t.Fatalf("delays=%v want [5s]", s.delays)
	}
	if d.Phase() != PhaseMonitoringStillness {
		t.Fatalf("phase=%s", d.Phase())
	}
	s.fns[0]()
	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}

	// The low threshold now applies.
	d.Ingest(Sample{X: 20, TimestampMs: 6000})
	if d.Phase() != PhaseIdle {
		t.Fatalf("20 m/s² should not be an impact under low sensitivity")
	}
	d.Ingest(Sample{X: 26, TimestampMs: 6200})
	if len(s.delays) != 2 || s.delays[1] != 4*time.Second {
		t.Fatalf("delays=%v want [5s 4s]", s.delays)
	}
}

func TestUnknownSensitivityUsesMedium(t *testing.T) {
	d := New(Config{Sensitivity: "bogus", Scheduler: NewSampleClock()})
	if got := d.Thresholds(); got != ResolveThresholds(SensitivityMedium) {
		t.Fatalf("thresholds=%+v", got)
	}
	if got := d.Telemetry().Sensitivity; got != SensitivityMedium {
		t.Fatalf("sensitivity=%q", got)
	}
}

func TestHooksMayCallBackIntoDetector(t *testing.T) {
	c := NewSampleClock()
	var d *Detector
	var phases []Phase
	d = New(Config{
		Sensitivity: SensitivityMedium,
		Scheduler:   c,
		Hooks: Hooks{
			OnImpactDetected: func(Event) { phases = append(phases, d.Phase()) },
			OnFallConfirmed:  func(Event) { phases = append(phases, d.Phase()) },
		},
	})
	feed(c, d, Sample{X: 25, TimestampMs: 0})
	c.Flush()
	want := []Phase{PhaseMonitoringStillness, PhaseIdle}
	if !reflect.DeepEqual(phases, want) {
		t.Fatalf("phases=%v want %v", phases, want)
	}
}

func TestNilDetectorIsSafe(t *testing.T) {
	var d *Detector
	d.Ingest(rest(0))
	d.Reset()
	d.SetSensitivity(SensitivityHigh)
	d.SetLowPowerMode(true)
	if d.Phase() != PhaseIdle {
		t.Fatalf("phase=%s want idle", d.Phase())
	}
	if d.Thresholds() != ResolveThresholds(SensitivityMedium) {
		t.Fatalf("thresholds=%+v", d.Thresholds())
	}
	if d.Telemetry() != (Telemetry{}) {
		t.Fatalf("telemetry=%+v", d.Telemetry())
	}
	if d.Admits(rest(0)) {
		t.Fatalf("nil detector admitted a sample")
	}
}

func TestAdmitsMatchesIngestFilter(t *testing.T) {
	d, c, _ := newTestDetector(SensitivityMedium)
	if !d.Admits(rest(1000)) {
		t.Fatalf("first valid sample not admitted")
	}
	feed(c, d, rest(1000))

	zero := 0.0
	for _, tc := range []struct {
		name string
		s    Sample
		want bool
	}{
		{"later", rest(1100), true},
		{"same timestamp", rest(1000), true},
		{"earlier", rest(999), false},
		{"nan", Sample{X: math.NaN(), TimestampMs: 2000}, false},
		{"missing axis", SampleFromAxes(&zero, nil, &zero, 2000), false},
	} {
		if got := d.Admits(tc.s); got != tc.want {
			t.Fatalf("%s: admits=%v want %v", tc.name, got, tc.want)
		}
	}
	if got := d.Telemetry().Counters; got.Malformed != 0 || got.OutOfOrder != 0 {
		t.Fatalf("Admits changed counters: %+v", got)
	}
}

func TestRejectedSampleDoesNotMoveLogicalTime(t *testing.T) {
	d, c, r := newTestDetector(SensitivityMedium)
	feed(c, d, rest(0), Sample{X: 30, Z: 9.8, TimestampMs: 1000})
	if d.Phase() != PhaseMonitoringStillness {
		t.Fatalf("phase=%s want monitoring_stillness", d.Phase())
	}

	feed(c, d, Sample{X: math.NaN(), TimestampMs: 6000})
	if got := r.count(EventFallConfirmed); got != 0 {
		t.Fatalf("malformed sample confirmed a fall")
	}
	if d.Phase() != PhaseMonitoringStillness {
		t.Fatalf("phase=%s want monitoring_stillness", d.Phase())
	}

	feed(c, d, rest(6000))
	if got := r.count(EventFallConfirmed); got != 1 {
		t.Fatalf("fall_confirmed=%d want 1", got)
	}
}
