package alarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer receives delivery outcomes. *metrics.Metrics implements it.
type Observer interface {
	ObserveDelivery(sink string, err error)
	ObserveAlarmDropped()
}

type DispatcherOptions struct {
	QueueSize int
	// Retries is the number of extra attempts per sink after a failure.
	Retries int
	// Timeout bounds a single Send.
	Timeout time.Duration
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff  time.Duration
	Observer Observer
}

// Dispatcher fans events out to sinks on a single worker goroutine.
// Publish never blocks the caller.
type Dispatcher struct {
	sinks  []Sink
	logger *zap.Logger
	opts   DispatcherOptions
	sleep  func(ctx context.Context, d time.Duration) error

	queue chan Event
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func NewDispatcher(sinks []Sink, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sinks:  sinks,
		logger: logger.Named("dispatch"),
		opts:   opts,
		sleep:  sleepCtx,
		queue:  make(chan Event, opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish queues ev. It returns false when the event was dropped because the
// queue is full or the dispatcher is closed.
func (d *Dispatcher) Publish(ev Event) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped++
		if d.opts.Observer != nil {
			d.opts.Observer.ObserveAlarmDropped()
		}
		d.logger.Warn("alarm queue full, event dropped", zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID))
		return false
	}
}

func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) SinkNames() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

func (d *Dispatcher) run() {
	defer close(d.done)
	// stopCtx aborts in-flight sends and backoff when Close gives up waiting.
	stopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-stopCtx.Done():
		}
	}()
	for ev := range d.queue {
		for _, s := range d.sinks {
			d.deliver(stopCtx, s, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, ev Event) {
	backoff := d.opts.Backoff
	for attempt := 0; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		err := s.Send(sendCtx, ev)
		cancel()
		if d.opts.Observer != nil {
			d.opts.Observer.ObserveDelivery(s.Name(), err)
		}
		if err == nil {
			return
		}
		if attempt >= d.opts.Retries || ctx.Err() != nil {
			d.logger.Error("alarm delivery failed",
				zap.String("sink", s.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.String("event_id", ev.ID),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}
		d.logger.Warn("alarm delivery retry", zap.String("sink", s.Name()), zap.Int("attempt", attempt+1), zap.Error(err))
		if err := d.sleep(ctx, backoff); err != nil {
			return
		}
		backoff *= 2
	}
}

// Close stops accepting events, delivers what is queued until ctx is done,
// then closes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	var waitErr error
	select {
	case <-d.done:
	case <-ctx.Done():
		close(d.stop)
		<-d.done
		waitErr = ctx.Err()
	}

	var errs []error
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
