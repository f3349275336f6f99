package motion

import (
	"context"
	"errors"
	"sync"

	"fallguard/internal/detector"
)

var (
	ErrNotAttached = errors.New("motion: push source is not running")
	ErrQueueFull   = errors.New("motion: push queue is full")
)

// PushSource turns externally delivered samples (for example an HTTP test
// client) into a Source. Push never blocks; samples are delivered to the
// detector by Run in push order.
type PushSource struct {
	ch      chan detector.Sample
	logical bool

	mu      sync.Mutex
	running bool
}

// NewPushSource returns a source with a queue of buffer samples. Logical
// sources evaluate the stillness window on the pushed timestamps.
func NewPushSource(buffer int, logical bool) *PushSource {
	if buffer <= 0 {
		buffer = 256
	}
	return &PushSource{ch: make(chan detector.Sample, buffer), logical: logical}
}

func (p *PushSource) LogicalTime() bool { return p.logical }

// Attached reports whether a Run is consuming pushed samples.
func (p *PushSource) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PushSource) Push(s detector.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotAttached
	}
	select {
	case p.ch <- s:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *PushSource) Run(ctx context.Context, emit func(detector.Sample)) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("motion: push source already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		// Samples pushed while detached belong to no session.
	drain:
		for {
			select {
			case <-p.ch:
			default:
				break drain
			}
		}
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-p.ch:
			emit(s)
		}
	}
}
