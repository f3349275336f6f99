package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fallguard/internal/detector"
)

func telemetryAt(ms int64, g float64) detector.Telemetry {
	return detector.Telemetry{LastSampleMs: ms, CurrentGForce: g, Phase: detector.PhaseIdle}
}

func TestTelemetryBroadcaster_HistoryRingKeepsNewest(t *testing.T) {
	b := NewTelemetryBroadcaster(3, 0)
	for i := int64(1); i <= 5; i++ {
		b.ObserveSample(detector.Sample{}, telemetryAt(i*10, float64(i)))
	}
	got := b.History(0)
	require.Len(t, got, 3)
	require.Equal(t, []int64{30, 40, 50}, []int64{got[0].AtMs, got[1].AtMs, got[2].AtMs})

	got = b.History(2)
	require.Equal(t, int64(40), got[0].AtMs)
	require.Equal(t, int64(50), got[1].AtMs)
}

func TestTelemetryBroadcaster_RateLimitsSnapshotsNotEvents(t *testing.T) {
	b := NewTelemetryBroadcaster(10, time.Second)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	_, ch := b.Subscribe(16)
	b.ObserveSample(detector.Sample{}, telemetryAt(1, 9.8))
	b.ObserveSample(detector.Sample{}, telemetryAt(2, 9.8))
	b.ObserveEvent(detector.Event{Kind: detector.EventImpactDetected})
	now = now.Add(time.Second)
	b.ObserveSample(detector.Sample{}, telemetryAt(3, 9.8))

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Event)
	}
	require.Equal(t, []string{"telemetry", "event", "telemetry"}, kinds)

	// History is not rate limited.
	require.Len(t, b.History(0), 3)
}

func TestTelemetryBroadcaster_SubscribeReplaysLast(t *testing.T) {
	b := NewTelemetryBroadcaster(10, 0)
	b.ObserveSample(detector.Sample{}, telemetryAt(7, 12))

	id, ch := b.Subscribe(1)
	msg := <-ch
	require.Equal(t, "telemetry", msg.Event)
	require.Equal(t, int64(7), msg.Data.(TelemetrySnapshot).AtMs)

	b.Unsubscribe(id)
	_, open := <-ch
	require.False(t, open)
	b.Unsubscribe(id)
}

func TestTelemetryBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewTelemetryBroadcaster(10, 0)
	_, ch := b.Subscribe(1)
	for i := int64(0); i < 10; i++ {
		b.ObserveSample(detector.Sample{}, telemetryAt(i, 9.8))
	}
	require.Len(t, ch, 1)
}

func TestTelemetryBroadcaster_EventsBounded(t *testing.T) {
	b := NewTelemetryBroadcaster(10, 0)
	for i := int64(0); i < 60; i++ {
		b.ObserveEvent(detector.Event{Kind: detector.EventStillnessBroken, AtMs: i})
	}
	ev := b.Events()
	require.Len(t, ev, 50)
	require.Equal(t, int64(10), ev[0].AtMs)
	require.Equal(t, int64(59), ev[49].AtMs)
}

func TestSnapshotFromTelemetry_ImpactOnlyWhileMonitoring(t *testing.T) {
	tel := detector.Telemetry{
		Phase:            detector.PhaseIdle,
		Sensitivity:      detector.SensitivityLow,
		Thresholds:       detector.ResolveThresholds(detector.SensitivityLow),
		ThrottleInterval: detector.ThrottleInterval(true),
		ImpactAtMs:       100,
		ImpactGForce:     30,
	}
	s := SnapshotFromTelemetry(tel)
	require.Nil(t, s.ImpactAtMs)
	require.Equal(t, 25.0, s.ImpactThresholdMS2)
	require.Equal(t, int64(4000), s.StillnessWindowMs)
	require.Equal(t, int64(200), s.ThrottleIntervalMs)

	tel.Phase = detector.PhaseMonitoringStillness
	s = SnapshotFromTelemetry(tel)
	require.Equal(t, "monitoring_stillness", s.Phase)
	require.Equal(t, int64(100), *s.ImpactAtMs)
	require.Equal(t, 30.0, *s.ImpactGForceMS2)
}

func TestTelemetryBroadcaster_NilSafe(t *testing.T) {
	var b *TelemetryBroadcaster
	b.ObserveSample(detector.Sample{}, detector.Telemetry{})
	b.ObserveEvent(detector.Event{})
	require.Nil(t, b.History(0))
	require.Nil(t, b.Events())
	_, ok := b.Last()
	require.False(t, ok)
}
