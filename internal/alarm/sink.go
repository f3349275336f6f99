package alarm

import (
	"context"

	"go.uber.org/zap"

	"fallguard/internal/detector"
)

// Sink delivers events somewhere. Send must honour ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Close() error
}

type filtered struct {
	Sink
	kinds map[detector.EventKind]bool
}

// OnlyKinds wraps s so it only receives the listed kinds. With no kinds, s
// is returned unchanged.
func OnlyKinds(s Sink, kinds ...detector.EventKind) Sink {
	if len(kinds) == 0 {
		return s
	}
	m := make(map[detector.EventKind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return &filtered{Sink: s, kinds: m}
}

func (f *filtered) Send(ctx context.Context, ev Event) error {
	if !f.kinds[ev.Kind] {
		return nil
	}
	return f.Sink.Send(ctx, ev)
}

// ParseKinds maps names to event kinds, skipping unknown ones.
func ParseKinds(names []string) []detector.EventKind {
	var out []detector.EventKind
	for _, n := range names {
		switch k := detector.EventKind(n); k {
		case detector.EventImpactDetected, detector.EventStillnessBroken, detector.EventFallConfirmed:
			out = append(out, k)
		}
	}
	return out
}

// LogSink writes events to the process log. Confirmed falls log at warn.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alarm")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("device_id", ev.DeviceID),
		zap.String("kind", string(ev.Kind)),
		zap.Float64("g_force_ms2", ev.GForceMS2),
		zap.Int64("impact_at_ms", ev.ImpactAtMs),
		zap.Int64("at_ms", ev.AtMs),
		zap.String("sensitivity", string(ev.Sensitivity)),
	}
	if ev.Kind == detector.EventFallConfirmed {
		s.logger.Warn("fall confirmed", fields...)
		return nil
	}
	s.logger.Info("detector event", fields...)
	return nil
}

func (s *LogSink) Close() error { return nil }
