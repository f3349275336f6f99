// Package motion defines where accelerometer samples come from.
package motion

import (
	"context"

	"fallguard/internal/detector"
)

// Source produces samples. Run calls emit from a single goroutine, in
// timestamp order, and returns when ctx is done (ctx.Err()) or the stream
// ends (nil). Sources must not retain emit after Run returns.
type Source interface {
	Run(ctx context.Context, emit func(detector.Sample)) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, emit func(detector.Sample)) error

func (f SourceFunc) Run(ctx context.Context, emit func(detector.Sample)) error {
	return f(ctx, emit)
}

// LogicalSource is implemented by sources whose timestamps are logical
// (replayed or simulated) rather than wall clock. Consumers evaluate them on
// a detector.SampleClock.
type LogicalSource interface {
	Source
	LogicalTime() bool
}

// UsesLogicalTime reports whether src timestamps should drive the stillness
// timer instead of the wall clock.
func UsesLogicalTime(src Source) bool {
	f, ok := src.(LogicalSource)
	return ok && f.LogicalTime()
}
