package detector

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Scheduler arms one-shot callbacks.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// WallClock schedules callbacks on real time. Callbacks run on their own
// goroutine.
type WallClock struct{}

func (WallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SampleClock is a logical clock advanced by sample timestamps.
//
// It lets recorded or simulated streams be evaluated at any playback speed
// with the same outcome. Due callbacks run synchronously inside Advance or
// Flush, in deadline order, with no internal lock held.
type SampleClock struct {
	mu     sync.Mutex
	nowMs  int64
	seq    uint64
	timers []*sampleTimer
}

type sampleTimer struct {
	clock    *SampleClock
	deadline int64
	seq      uint64
	f        func()
	stopped  bool
}

func NewSampleClock() *SampleClock {
	return &SampleClock{}
}

// Now returns the logical time in milliseconds.
func (c *SampleClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

func (c *SampleClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &sampleTimer{clock: c, deadline: c.nowMs + d.Milliseconds(), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves logical time forward to nowMs and runs every callback whose
// deadline is at or before it. Moving backwards is ignored.
func (c *SampleClock) Advance(nowMs int64) {
	c.mu.Lock()
	if nowMs > c.nowMs {
		c.nowMs = nowMs
	}
	due := c.takeDueLocked(c.nowMs)
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Flush runs every pending callback in deadline order, moving logical time
// to each deadline as it goes. Used when a finite stream ends.
func (c *SampleClock) Flush() {
	for {
		c.mu.Lock()
		if len(c.timers) == 0 {
			c.mu.Unlock()
			return
		}
		c.sortLocked()
		next := c.timers[0].deadline
		if next > c.nowMs {
			c.nowMs = next
		}
		due := c.takeDueLocked(c.nowMs)
		c.mu.Unlock()
		for _, t := range due {
			t.f()
		}
	}
}

// Reset drops every pending callback and rewinds logical time to zero, for
// a stream that starts over.
func (c *SampleClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.stopped = true
	}
	c.timers = nil
	c.nowMs = 0
}

// Pending returns the number of armed callbacks.
func (c *SampleClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *SampleClock) sortLocked() {
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].deadline != c.timers[j].deadline {
			return c.timers[i].deadline < c.timers[j].deadline
		}
		return c.timers[i].seq < c.timers[j].seq
	})
}

func (c *SampleClock) takeDueLocked(nowMs int64) []*sampleTimer {
	c.sortLocked()
	n := 0
	for n < len(c.timers) && c.timers[n].deadline <= nowMs {
		c.timers[n].stopped = true
		n++
	}
	if n == 0 {
		return nil
	}
	due := append([]*sampleTimer(nil), c.timers[:n]...)
	c.timers = append(c.timers[:0], c.timers[n:]...)
	return due
}

func (t *sampleTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}
