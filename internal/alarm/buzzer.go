package alarm

import (
	"context"
	"fmt"
	"time"
)

// gpioLine is a digital output.
type gpioLine interface {
	SetValue(v int) error
	Close() error
}

type BuzzerPattern struct {
	Pulses int
	On     time.Duration
	Off    time.Duration
}

func (p BuzzerPattern) withDefaults() BuzzerPattern {
	if p.Pulses <= 0 {
		p.Pulses = 3
	}
	if p.On <= 0 {
		p.On = 500 * time.Millisecond
	}
	if p.Off <= 0 {
		p.Off = 250 * time.Millisecond
	}
	return p
}

// BuzzerSink pulses a GPIO-driven buzzer. The line is always left low.
type BuzzerSink struct {
	line    gpioLine
	pattern BuzzerPattern
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewBuzzerSink requests the BCM GPIO pin as an output.
func NewBuzzerSink(pin int, pattern BuzzerPattern) (*BuzzerSink, error) {
	line, err := openGPIOFn(pin)
	if err != nil {
		return nil, err
	}
	return newBuzzerSink(line, pattern), nil
}

func newBuzzerSink(line gpioLine, pattern BuzzerPattern) *BuzzerSink {
	return &BuzzerSink{line: line, pattern: pattern.withDefaults(), sleep: sleepCtx}
}

func (s *BuzzerSink) Name() string { return "buzzer" }

func (s *BuzzerSink) Send(ctx context.Context, ev Event) error {
	if s == nil || s.line == nil {
		return fmt.Errorf("alarm: buzzer not initialized")
	}
	defer func() { _ = s.line.SetValue(0) }()
	for i := 0; i < s.pattern.Pulses; i++ {
		if err := s.line.SetValue(1); err != nil {
			return fmt.Errorf("alarm: buzzer on: %w", err)
		}
		if err := s.sleep(ctx, s.pattern.On); err != nil {
			return err
		}
		if err := s.line.SetValue(0); err != nil {
			return fmt.Errorf("alarm: buzzer off: %w", err)
		}
		if i < s.pattern.Pulses-1 {
			if err := s.sleep(ctx, s.pattern.Off); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BuzzerSink) Close() error {
	if s == nil || s.line == nil {
		return nil
	}
	_ = s.line.SetValue(0)
	err := s.line.Close()
	s.line = nil
	return err
}
