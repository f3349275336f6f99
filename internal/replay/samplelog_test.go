package replay

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"fallguard/internal/detector"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	fs.slept = append(fs.slept, d)
	return nil
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0, 0, 0, 9.8
100, 25.5,, -1
200,null,NaN,1e1
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	if !recs[0].Start {
		t.Fatalf("expected START marker, got %+v", recs[0])
	}
	if recs[1].AtMs != 0 || recs[1].Z != 9.8 {
		t.Fatalf("record 1 = %+v", recs[1])
	}
	if recs[2].AtMs != 100 || recs[2].X != 25.5 || !math.IsNaN(recs[2].Y) || recs[2].Z != -1 {
		t.Fatalf("record 2 = %+v", recs[2])
	}
	if !math.IsNaN(recs[3].X) || !math.IsNaN(recs[3].Y) || recs[3].Z != 10 {
		t.Fatalf("record 3 = %+v", recs[3])
	}
}

func TestReaderReadAll_InvalidLines(t *testing.T) {
	for _, in := range []string{
		"not-a-valid-line\n",
		"10,1,2\n",
		"x,1,2,3\n",
		"-5,1,2,3\n",
		"10,1,abc,3\n",
	} {
		if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
			t.Fatalf("input %q: expected error", in)
		}
	}
}

func TestPlay_RespectsTimingAndSegments(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{Start: true},
		{AtMs: 0, Z: 9.8},
		{AtMs: 100, Z: 9.8},
		{Start: true},
		{AtMs: 0, X: 30},
		{AtMs: 50, Z: 9.8},
	}

	var got []int64
	err := Play(context.Background(), recs, 1.0, false, fs, func(s detector.Sample) error {
		got = append(got, s.TimestampMs)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	want := []int64{0, 100, 1100, 1150}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("timestamps=%v want %v", got, want)
	}
	wantSlept := []time.Duration{100 * time.Millisecond, 50 * time.Millisecond}
	if !reflect.DeepEqual(fs.slept, wantSlept) {
		t.Fatalf("slept=%v want %v", fs.slept, wantSlept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{{AtMs: 0}, {AtMs: 100}}
	if err := Play(context.Background(), recs, 2.0, false, fs, func(detector.Sample) error { return nil }); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Millisecond}) {
		t.Fatalf("slept=%v want [50ms]", fs.slept)
	}
}

func TestPlay_LoopKeepsTimestampsIncreasing(t *testing.T) {
	recs := []Record{{AtMs: 0}, {AtMs: 10}}
	ctx, cancel := context.WithCancel(context.Background())
	var got []int64
	err := Play(ctx, recs, 1, true, NoSleep{}, func(s detector.Sample) error {
		got = append(got, s.TimestampMs)
		if len(got) == 4 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	want := []int64{0, 10, 1010, 1020}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("timestamps=%v want %v", got, want)
	}
}

func TestPlay_InvalidArgs(t *testing.T) {
	recs := []Record{{AtMs: 0}}
	cb := func(detector.Sample) error { return nil }
	if err := Play(context.Background(), recs, 0, false, nil, cb); err == nil {
		t.Fatalf("expected speed error")
	}
	if err := Play(context.Background(), nil, 1, false, nil, cb); err == nil {
		t.Fatalf("expected no records error")
	}
	if err := Play(context.Background(), recs, 1, false, nil, nil); err == nil {
		t.Fatalf("expected nil callback error")
	}
}

func TestWriter_WritesExpectedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	if err := w.WriteSample(detector.Sample{X: 0, Y: 0, Z: 9.8, TimestampMs: 5000}); err != nil {
		t.Fatalf("WriteSample() error: %v", err)
	}
	if err := w.WriteSample(detector.Sample{X: 25, Y: math.NaN(), Z: -0.5, TimestampMs: 5020}); err != nil {
		t.Fatalf("WriteSample() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.WriteSample(detector.Sample{}); err == nil {
		t.Fatalf("expected error after Close")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(b) != "START\n0,0,0,9.8\n20,25,,-0.5\n" {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.log")
	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	r := NewRecorder(w, 16, nil)
	in := []detector.Sample{
		{X: 0.1, Y: 0.2, Z: 9.7, TimestampMs: 100},
		{X: 21, Y: 3, Z: 1, TimestampMs: 117},
		{X: 0, Y: 0, Z: 9.81, TimestampMs: 133},
	}
	for _, s := range in {
		r.Record(s)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	r.Record(detector.Sample{})

	src, err := NewFileSource(path, 1, false)
	if err != nil {
		t.Fatalf("NewFileSource() error: %v", err)
	}
	src.Sleeper = NoSleep{}
	var out []detector.Sample
	if err := src.Run(context.Background(), func(s detector.Sample) { out = append(out, s) }); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d samples want %d", len(out), len(in))
	}
	for i := range in {
		want := in[i]
		want.TimestampMs -= in[0].TimestampMs
		if out[i] != want {
			t.Fatalf("sample[%d]=%+v want %+v", i, out[i], want)
		}
	}
	if !src.LogicalTime() {
		t.Fatalf("replay source should use logical time")
	}
}
