// Package monitor owns the detector lifecycle: it attaches the sample source
// while fall detection is enabled and fans detector events out to alarms,
// metrics and diagnostic observers.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fallguard/internal/alarm"
	"fallguard/internal/detector"
	"fallguard/internal/motion"
)

// Settings are the user-facing knobs.
type Settings struct {
	Enabled      bool                 `json:"enabled"`
	Sensitivity  detector.Sensitivity `json:"sensitivity"`
	LowPowerMode bool                 `json:"low_power_mode"`
}

// Observer receives every accepted sample and every detector event. Calls
// happen on the ingest path and must not block.
type Observer interface {
	ObserveSample(s detector.Sample, t detector.Telemetry)
	ObserveEvent(ev detector.Event)
}

// Publisher queues alarm events; *alarm.Dispatcher implements it.
type Publisher interface {
	Publish(ev alarm.Event) bool
}

// Metrics is the subset of *metrics.Metrics the monitor reports to.
type Metrics interface {
	ObserveEvent(kind detector.EventKind)
	ObserveIngest(d time.Duration)
	ObserveSourceStart()
}

// Recorder captures raw samples; *replay.Recorder implements it.
type Recorder interface {
	Record(s detector.Sample)
}

type Options struct {
	Source    motion.Source
	Settings  Settings
	DeviceID  string
	Alarms    Publisher
	Metrics   Metrics
	Recorder  Recorder
	Observers []Observer
	Logger    *zap.Logger
	Now       func() time.Time
	// Scheduler arms stillness timers for wall-clock sources. Nil means
	// detector.WallClock. Logical sources always use a SampleClock.
	Scheduler detector.Scheduler
}

type Status struct {
	Enabled     bool      `json:"enabled"`
	Running     bool      `json:"running"`
	LogicalTime bool      `json:"logical_time"`
	Starts      uint64    `json:"starts"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	SourceEnded bool      `json:"source_ended"`
}

type Monitor struct {
	src      motion.Source
	det      *detector.Detector
	clock    *detector.SampleClock
	deviceID string
	alarms   Publisher
	metrics  Metrics
	recorder Recorder
	obs      []Observer
	logger   *zap.Logger
	now      func() time.Time

	// lifecycle serializes Start, Apply and Stop.
	lifecycle sync.Mutex
	parent    context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	settings Settings
	status   Status
}

func New(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, errors.New("monitor: source is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{
		src:      opts.Source,
		deviceID: opts.DeviceID,
		alarms:   opts.Alarms,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		obs:      opts.Observers,
		logger:   opts.Logger.Named("monitor"),
		now:      opts.Now,
	}
	opts.Settings.Sensitivity = opts.Settings.Sensitivity.Normalize()
	m.settings = opts.Settings
	m.status.Enabled = opts.Settings.Enabled

	var sched detector.Scheduler = detector.WallClock{}
	if opts.Scheduler != nil {
		sched = opts.Scheduler
	}
	if motion.UsesLogicalTime(opts.Source) {
		m.clock = detector.NewSampleClock()
		sched = m.clock
		m.status.LogicalTime = true
	}
	m.det = detector.New(detector.Config{
		Sensitivity:  opts.Settings.Sensitivity,
		LowPowerMode: opts.Settings.LowPowerMode,
		Scheduler:    sched,
		Hooks: detector.Hooks{
			OnImpactDetected:  m.onEvent,
			OnStillnessBroken: m.onEvent,
			OnFallConfirmed:   m.onEvent,
		},
	})
	return m, nil
}

func (m *Monitor) Detector() *detector.Detector { return m.det }

// Start attaches the source if detection is enabled. The source is detached
// when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.parent = ctx
	if m.Settings().Enabled {
		m.attachLocked()
	}
}

// Apply makes s effective immediately. Disabling detaches the source, waits
// for it to stop and resets the detector so no armed window survives.
func (m *Monitor) Apply(s Settings) {
	s.Sensitivity = s.Sensitivity.Normalize()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	prev := m.settings
	m.settings = s
	m.status.Enabled = s.Enabled
	m.mu.Unlock()

	m.det.SetSensitivity(s.Sensitivity)
	m.det.SetLowPowerMode(s.LowPowerMode)

	if prev != s {
		m.logger.Info("settings applied",
			zap.Bool("enabled", s.Enabled),
			zap.String("sensitivity", string(s.Sensitivity)),
			zap.Bool("low_power_mode", s.LowPowerMode),
		)
	}

	switch {
	case s.Enabled && m.done == nil && m.parent != nil:
		m.attachLocked()
	case !s.Enabled && m.done != nil:
		m.detachLocked()
	}
}

// Stop detaches the source and resets the detector.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.done != nil {
		m.detachLocked()
	}
}

func (m *Monitor) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Wait blocks until the attached source returns, or returns at once when
// nothing is attached.
func (m *Monitor) Wait() {
	m.lifecycle.Lock()
	done := m.done
	m.lifecycle.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Monitor) attachLocked() {
	ctx, cancel := context.WithCancel(m.parent)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	m.mu.Lock()
	m.status.Running = true
	m.status.Starts++
	m.status.StartedAt = m.now().UTC()
	m.status.SourceEnded = false
	m.status.LastError = ""
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ObserveSourceStart()
	}
	m.logger.Info("fall detection enabled")

	go func() {
		defer close(done)
		err := m.src.Run(ctx, m.ingest)
		switch {
		case err == nil:
			// A finite stream ended; windows armed near its end still resolve.
			if m.clock != nil {
				m.clock.Flush()
			}
			m.logger.Info("sample source ended")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			m.logger.Error("sample source failed", zap.Error(err))
		}
		m.mu.Lock()
		m.status.Running = false
		m.status.SourceEnded = err == nil
		if err != nil && ctx.Err() == nil {
			m.status.LastError = err.Error()
		}
		m.mu.Unlock()
	}()
}

func (m *Monitor) detachLocked() {
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.det.Reset()
	if m.clock != nil {
		m.clock.Reset()
	}
	m.logger.Info("fall detection disabled")
}

func (m *Monitor) ingest(s detector.Sample) {
	start := time.Now()
	// Malformed and out-of-order samples must not move logical time.
	if m.clock != nil && m.det.Admits(s) {
		m.clock.Advance(s.TimestampMs)
	}
	m.det.Ingest(s)
	if m.metrics != nil {
		m.metrics.ObserveIngest(time.Since(start))
	}
	if m.recorder != nil {
		m.recorder.Record(s)
	}
	if len(m.obs) > 0 {
		t := m.det.Telemetry()
		for _, o := range m.obs {
			o.ObserveSample(s, t)
		}
	}
}

func (m *Monitor) onEvent(ev detector.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Float64("g_force_ms2", ev.GForce),
		zap.Int64("impact_at_ms", ev.ImpactAtMs),
		zap.Int64("at_ms", ev.AtMs),
	}
	if ev.Kind == detector.EventFallConfirmed {
		m.logger.Warn("fall confirmed, triggering alarm", fields...)
	} else {
		m.logger.Info("detector event", fields...)
	}
	if m.metrics != nil {
		m.metrics.ObserveEvent(ev.Kind)
	}
	if m.alarms != nil {
		m.alarms.Publish(alarm.FromDetector(m.deviceID, ev, m.now()))
	}
	for _, o := range m.obs {
		o.ObserveEvent(ev)
	}
}
