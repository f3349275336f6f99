package replay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"fallguard/internal/detector"
)

// Source replays a sample log into a detector. Its timestamps are logical,
// so the stillness window is measured in log time at any speed.
type Source struct {
	Records []Record
	Speed   float64
	Loop    bool
	Sleeper Sleeper
}

func NewFileSource(path string, speed float64, loop bool) (*Source, error) {
	recs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if speed == 0 {
		speed = 1
	}
	return &Source{Records: recs, Speed: speed, Loop: loop}, nil
}

func (s *Source) LogicalTime() bool { return true }

func (s *Source) Run(ctx context.Context, emit func(detector.Sample)) error {
	if s == nil {
		return errors.New("replay: source is nil")
	}
	speed := s.Speed
	if speed == 0 {
		speed = 1
	}
	return Play(ctx, s.Records, speed, s.Loop, s.Sleeper, func(sample detector.Sample) error {
		emit(sample)
		return nil
	})
}

// Recorder writes samples to a Writer off the ingest path. Record never
// blocks; samples are dropped when the queue is full.
type Recorder struct {
	w      *Writer
	logger *zap.Logger
	ch     chan detector.Sample

	mu      sync.Mutex
	dropped uint64
	closed  bool

	done chan struct{}
}

func NewRecorder(w *Writer, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{w: w, logger: logger.Named("record"), ch: make(chan detector.Sample, buffer), done: make(chan struct{})}
	go r.loop()
	return r
}

func (r *Recorder) Record(s detector.Sample) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- s:
	default:
		r.dropped++
	}
}

func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) loop() {
	defer close(r.done)
	for s := range r.ch {
		if err := r.w.WriteSample(s); err != nil {
			r.logger.Warn("write sample failed", zap.Error(err))
		}
	}
}

// Close drains queued samples and closes the underlying writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
	if n := r.Dropped(); n > 0 {
		r.logger.Warn("samples dropped while recording", zap.Uint64("dropped", n))
	}
	return r.w.Close()
}
