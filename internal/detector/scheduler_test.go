package detector

import (
	"reflect"
	"testing"
	"time"
)

func TestSampleClock_AdvanceFiresDueInOrder(t *testing.T) {
	c := NewSampleClock()
	c.Advance(1000)

	var got []string
	c.AfterFunc(300*time.Millisecond, func() { got = append(got, "b") })
	c.AfterFunc(100*time.Millisecond, func() { got = append(got, "a") })
	c.AfterFunc(900*time.Millisecond, func() { got = append(got, "c") })

	c.Advance(1299)
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("got=%v want [a]", got)
	}
	c.Advance(1300)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("got=%v want [a b]", got)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending=%d want 1", c.Pending())
	}
}

func TestSampleClock_StopPreventsFire(t *testing.T) {
	c := NewSampleClock()
	fired := false
	tm := c.AfterFunc(10*time.Millisecond, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("first Stop() = false")
	}
	if tm.Stop() {
		t.Fatalf("second Stop() = true")
	}
	c.Advance(1000)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestSampleClock_StopAfterFireReturnsFalse(t *testing.T) {
	c := NewSampleClock()
	tm := c.AfterFunc(10*time.Millisecond, func() {})
	c.Advance(10)
	if tm.Stop() {
		t.Fatalf("Stop() after fire = true")
	}
}

func TestSampleClock_IgnoresBackwardsAdvance(t *testing.T) {
	c := NewSampleClock()
	c.Advance(500)
	c.Advance(100)
	if c.Now() != 500 {
		t.Fatalf("now=%d want 500", c.Now())
	}
}

func TestSampleClock_FlushRunsEverything(t *testing.T) {
	c := NewSampleClock()
	n := 0
	c.AfterFunc(time.Second, func() {
		n++
		// Callbacks may arm more work while flushing.
		c.AfterFunc(time.Second, func() { n++ })
	})
	c.Flush()
	if n != 2 {
		t.Fatalf("n=%d want 2", n)
	}
	if c.Now() != 2000 {
		t.Fatalf("now=%d want 2000", c.Now())
	}
}

func TestSampleClock_ResetDropsTimersAndRewinds(t *testing.T) {
	c := NewSampleClock()
	c.Advance(5000)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	c.Reset()
	if c.Now() != 0 || c.Pending() != 0 {
		t.Fatalf("now=%d pending=%d want 0,0", c.Now(), c.Pending())
	}
	c.Advance(10000)
	if fired {
		t.Fatalf("timer fired after Reset")
	}
	if tm.Stop() {
		t.Fatalf("Stop() after Reset = true")
	}
}
