package web

import (
	"sync"
	"time"

	"fallguard/internal/detector"
)

// TelemetrySnapshot is the JSON view of detector telemetry.
type TelemetrySnapshot struct {
	AtMs               int64             `json:"at_ms"`
	GForceMS2          float64           `json:"g_force_ms2"`
	Phase              string            `json:"phase"`
	Sensitivity        string            `json:"sensitivity"`
	ImpactThresholdMS2 float64           `json:"impact_threshold_ms2"`
	StillnessWindowMs  int64             `json:"stillness_window_ms"`
	LowPowerMode       bool              `json:"low_power_mode"`
	ThrottleIntervalMs int64             `json:"throttle_interval_ms"`
	ImpactAtMs         *int64            `json:"impact_at_ms,omitempty"`
	ImpactGForceMS2    *float64          `json:"impact_g_force_ms2,omitempty"`
	Counters           detector.Counters `json:"counters"`
}

func SnapshotFromTelemetry(t detector.Telemetry) TelemetrySnapshot {
	s := TelemetrySnapshot{
		AtMs:               t.LastSampleMs,
		GForceMS2:          t.CurrentGForce,
		Phase:              t.Phase.String(),
		Sensitivity:        string(t.Sensitivity),
		ImpactThresholdMS2: t.Thresholds.ImpactMS2,
		StillnessWindowMs:  t.Thresholds.StillnessWindow.Milliseconds(),
		LowPowerMode:       t.LowPowerMode,
		ThrottleIntervalMs: t.ThrottleInterval.Milliseconds(),
		Counters:           t.Counters,
	}
	if t.Phase == detector.PhaseMonitoringStillness {
		at, g := t.ImpactAtMs, t.ImpactGForce
		s.ImpactAtMs = &at
		s.ImpactGForceMS2 = &g
	}
	return s
}

// EventSnapshot is the JSON view of a detector event.
type EventSnapshot struct {
	Kind        string  `json:"kind"`
	GForceMS2   float64 `json:"g_force_ms2"`
	ImpactAtMs  int64   `json:"impact_at_ms"`
	AtMs        int64   `json:"at_ms"`
	Sensitivity string  `json:"sensitivity"`
	ReceivedUTC string  `json:"received_utc"`
}

// HistoryPoint is one entry of the magnitude history.
type HistoryPoint struct {
	AtMs      int64   `json:"at_ms"`
	GForceMS2 float64 `json:"g_force_ms2"`
	Phase     string  `json:"phase"`
}

// StreamMessage is delivered to SSE subscribers. Event is "telemetry" or
// "event".
type StreamMessage struct {
	Event string
	Data  any
}

// TelemetryBroadcaster fans telemetry out to SSE listeners and keeps a
// bounded magnitude history. It implements monitor.Observer; nothing here
// blocks the ingest path.
type TelemetryBroadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan StreamMessage
	nextID int

	last     TelemetrySnapshot
	haveLast bool

	history []HistoryPoint
	head    int
	count   int

	events    []EventSnapshot
	maxEvents int

	minInterval time.Duration
	lastSent    time.Time
	now         func() time.Time
}

// NewTelemetryBroadcaster keeps historySize samples. Stream updates are
// limited to one per minInterval; events are always sent.
func NewTelemetryBroadcaster(historySize int, minInterval time.Duration) *TelemetryBroadcaster {
	if historySize <= 0 {
		historySize = 600
	}
	return &TelemetryBroadcaster{
		subs:        make(map[int]chan StreamMessage),
		history:     make([]HistoryPoint, historySize),
		maxEvents:   50,
		minInterval: minInterval,
		now:         time.Now,
	}
}

func (b *TelemetryBroadcaster) Subscribe(buffer int) (int, <-chan StreamMessage) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan StreamMessage, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- StreamMessage{Event: "telemetry", Data: last}:
		default:
		}
	}
	return id, ch
}

func (b *TelemetryBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *TelemetryBroadcaster) ObserveSample(_ detector.Sample, t detector.Telemetry) {
	if b == nil {
		return
	}
	snap := SnapshotFromTelemetry(t)

	b.mu.Lock()
	b.last = snap
	b.haveLast = true
	b.history[b.head] = HistoryPoint{AtMs: snap.AtMs, GForceMS2: snap.GForceMS2, Phase: snap.Phase}
	b.head = (b.head + 1) % len(b.history)
	if b.count < len(b.history) {
		b.count++
	}
	now := b.now()
	send := b.minInterval <= 0 || now.Sub(b.lastSent) >= b.minInterval
	if send {
		b.lastSent = now
	}
	b.mu.Unlock()

	if send {
		b.fanout(StreamMessage{Event: "telemetry", Data: snap})
	}
}

func (b *TelemetryBroadcaster) ObserveEvent(ev detector.Event) {
	if b == nil {
		return
	}
	snap := EventSnapshot{
		Kind:        string(ev.Kind),
		GForceMS2:   ev.GForce,
		ImpactAtMs:  ev.ImpactAtMs,
		AtMs:        ev.AtMs,
		Sensitivity: string(ev.Sensitivity),
		ReceivedUTC: b.now().UTC().Format(time.RFC3339Nano),
	}
	b.mu.Lock()
	b.events = append(b.events, snap)
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
	b.mu.Unlock()
	b.fanout(StreamMessage{Event: "event", Data: snap})
}

func (b *TelemetryBroadcaster) fanout(msg StreamMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// History returns up to limit points, oldest first. limit <= 0 means all.
func (b *TelemetryBroadcaster) History(limit int) []HistoryPoint {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryPoint, 0, n)
	start := b.head - n
	if start < 0 {
		start += len(b.history)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

// Events returns the most recent detector events, oldest first.
func (b *TelemetryBroadcaster) Events() []EventSnapshot {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]EventSnapshot(nil), b.events...)
}

func (b *TelemetryBroadcaster) Last() (TelemetrySnapshot, bool) {
	if b == nil {
		return TelemetrySnapshot{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}
