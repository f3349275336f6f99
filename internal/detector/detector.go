// Package detector implements the two-phase fall detection state machine.
//
// An impact (a sample whose magnitude exceeds the sensitivity threshold)
// moves the detector into stillness monitoring. If the subject stays near
// resting gravity for the whole stillness window the fall is confirmed;
// any motion in between cancels it.
package detector

import (
	"math"
	"sync"
	"time"
)

// Phase is the state of the detector.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMonitoringStillness
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMonitoringStillness:
		return "monitoring_stillness"
	}
	return "unknown"
}

// EventKind identifies a detector output.
type EventKind string

const (
	EventImpactDetected  EventKind = "impact_detected"
	EventStillnessBroken EventKind = "stillness_broken"
	EventFallConfirmed   EventKind = "fall_confirmed"
)

// Event is passed to hooks.
type Event struct {
	Kind EventKind
	// GForce is the impact magnitude for impact and fall events, and the
	// magnitude of the breaking sample for stillness_broken.
	GForce      float64
	ImpactAtMs  int64
	AtMs        int64
	Sensitivity Sensitivity
}

// Hooks are invoked synchronously, after the detector has released its lock.
// Any field may be nil.
type Hooks struct {
	OnImpactDetected  func(Event)
	OnStillnessBroken func(Event)
	OnFallConfirmed   func(Event)
}

type Config struct {
	Sensitivity  Sensitivity
	LowPowerMode bool
	Hooks        Hooks
	// Scheduler arms the stillness timer. Nil means WallClock.
	Scheduler Scheduler
}

// Counters are cumulative and survive Reset.
type Counters struct {
	Received        uint64 `json:"received"`
	Malformed       uint64 `json:"malformed"`
	OutOfOrder      uint64 `json:"out_of_order"`
	Throttled       uint64 `json:"throttled"`
	Classified      uint64 `json:"classified"`
	Impacts         uint64 `json:"impacts"`
	StillnessBroken uint64 `json:"stillness_broken"`
	FallsConfirmed  uint64 `json:"falls_confirmed"`
}

// Telemetry is a point-in-time view for diagnostic consumers.
type Telemetry struct {
	CurrentGForce    float64
	Phase            Phase
	Sensitivity      Sensitivity
	Thresholds       Thresholds
	LowPowerMode     bool
	ThrottleInterval time.Duration
	LastSampleMs     int64
	ImpactAtMs       int64
	ImpactGForce     float64
	Counters         Counters
}

// Detector is safe for use from multiple goroutines, but samples must be
// delivered in timestamp order by a single producer.
type Detector struct {
	sched Scheduler
	hooks Hooks

	mu          sync.Mutex
	sensitivity Sensitivity
	thresholds  Thresholds
	lowPower    bool
	throttle    time.Duration

	phase        Phase
	impactAtMs   int64
	impactGForce float64
	timer        Timer
	// arming is bumped on every arm and reset; a timer callback only acts
	// when it still matches.
	arming uint64

	haveSeen        bool
	lastSeenMs      int64
	haveProcessed   bool
	lastProcessedMs int64
	currentGForce   float64

	counters Counters
}

func New(cfg Config) *Detector {
	sched := cfg.Scheduler
	if sched == nil {
		sched = WallClock{}
	}
	d := &Detector{sched: sched, hooks: cfg.Hooks}
	d.sensitivity = cfg.Sensitivity.Normalize()
	d.thresholds = ResolveThresholds(d.sensitivity)
	d.lowPower = cfg.LowPowerMode
	d.throttle = ThrottleInterval(cfg.LowPowerMode)
	return d
}

// Ingest feeds one sample. Malformed and out-of-order samples are ignored.
func (d *Detector) Ingest(s Sample) {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !s.Valid() {
		d.counters.Malformed++
		d.mu.Unlock()
		return
	}
	if d.haveSeen && s.TimestampMs < d.lastSeenMs {
		d.counters.OutOfOrder++
		d.mu.Unlock()
		return
	}
	d.haveSeen = true
	d.lastSeenMs = s.TimestampMs
	d.counters.Received++

	g := s.GForce()
	d.currentGForce = g

	if d.haveProcessed && s.TimestampMs-d.lastProcessedMs < d.throttle.Milliseconds() && !d.wouldTransitionLocked(g) {
		d.counters.Throttled++
		d.mu.Unlock()
		return
	}
	d.haveProcessed = true
	d.lastProcessedMs = s.TimestampMs
	d.counters.Classified++

	var fire func(Event)
	var ev Event
	switch d.phase {
	case PhaseIdle:
		if g > d.thresholds.ImpactMS2 {
			ev = d.armLocked(s.TimestampMs, g)
			fire = d.hooks.OnImpactDetected
		}
	case PhaseMonitoringStillness:
		if movingAway(g) {
			ev = d.breakLocked(s.TimestampMs, g)
			fire = d.hooks.OnStillnessBroken
		}
	}
	d.mu.Unlock()

	if fire != nil {
		fire(ev)
	}
}

// Admits reports whether Ingest would accept s instead of discarding it as
// malformed or out of order. A logical clock must only advance on admitted
// samples.
func (d *Detector) Admits(s Sample) bool {
	if d == nil || !s.Valid() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.haveSeen || s.TimestampMs >= d.lastSeenMs
}

func (d *Detector) wouldTransitionLocked(g float64) bool {
	switch d.phase {
	case PhaseIdle:
		return g > d.thresholds.ImpactMS2
	case PhaseMonitoringStillness:
		return movingAway(g)
	}
	return false
}

func movingAway(g float64) bool {
	return math.Abs(g-RestingGravity) > StillnessTolerance
}

func (d *Detector) armLocked(atMs int64, g float64) Event {
	d.phase = PhaseMonitoringStillness
	d.impactAtMs = atMs
	d.impactGForce = g
	d.counters.Impacts++
	d.arming++
	arming := d.arming
	window := d.thresholds.StillnessWindow
	d.timer = d.sched.AfterFunc(window, func() { d.expire(arming, atMs+window.Milliseconds()) })
	return Event{Kind: EventImpactDetected, GForce: g, ImpactAtMs: atMs, AtMs: atMs, Sensitivity: d.sensitivity}
}

func (d *Detector) breakLocked(atMs int64, g float64) Event {
	d.stopTimerLocked()
	d.phase = PhaseIdle
	d.counters.StillnessBroken++
	return Event{Kind: EventStillnessBroken, GForce: g, ImpactAtMs: d.impactAtMs, AtMs: atMs, Sensitivity: d.sensitivity}
}

func (d *Detector) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.arming++
}

// expire runs when the stillness window elapses. It is a no-op if the
// machine already left the window it was armed for.
func (d *Detector) expire(arming uint64, atMs int64) {
	d.mu.Lock()
	if d.phase != PhaseMonitoringStillness || arming != d.arming {
		d.mu.Unlock()
		return
	}
	d.phase = PhaseIdle
	d.timer = nil
	d.counters.FallsConfirmed++
	ev := Event{Kind: EventFallConfirmed, GForce: d.impactGForce, ImpactAtMs: d.impactAtMs, AtMs: atMs, Sensitivity: d.sensitivity}
	fire := d.hooks.OnFallConfirmed
	d.mu.Unlock()

	if fire != nil {
		fire(ev)
	}
}

// SetSensitivity changes the impact threshold for the next impact check.
// A stillness window that is already armed keeps its duration.
func (d *Detector) SetSensitivity(level Sensitivity) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sensitivity = level.Normalize()
	d.thresholds = ResolveThresholds(d.sensitivity)
}

// SetLowPowerMode changes the throttle interval.
func (d *Detector) SetLowPowerMode(on bool) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lowPower = on
	d.throttle = ThrottleInterval(on)
}

// Reset cancels any armed window and returns to Idle with no sample history.
func (d *Detector) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
	d.phase = PhaseIdle
	d.impactAtMs = 0
	d.impactGForce = 0
	d.haveSeen = false
	d.lastSeenMs = 0
	d.haveProcessed = false
	d.lastProcessedMs = 0
	d.currentGForce = 0
}

func (d *Detector) Phase() Phase {
	if d == nil {
		return PhaseIdle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Detector) Thresholds() Thresholds {
	if d == nil {
		return ResolveThresholds(SensitivityMedium)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholds
}

func (d *Detector) Telemetry() Telemetry {
	if d == nil {
		return Telemetry{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return Telemetry{
		CurrentGForce:    d.currentGForce,
		Phase:            d.phase,
		Sensitivity:      d.sensitivity,
		Thresholds:       d.thresholds,
		LowPowerMode:     d.lowPower,
		ThrottleInterval: d.throttle,
		LastSampleMs:     d.lastSeenMs,
		ImpactAtMs:       d.impactAtMs,
		ImpactGForce:     d.impactGForce,
		Counters:         d.counters,
	}
}
