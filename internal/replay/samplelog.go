package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"fallguard/internal/detector"
)

// Log format: line-oriented text.
//
// - Blank lines and lines starting with '#' are ignored.
// - "START" begins a new segment; its timestamps restart from 0.
// - Data lines are <t_ms>,<x>,<y>,<z> with t_ms relative to the segment
//   start and axes in m/s². An empty, "null" or "nan" axis is a missing
//   component and is kept so glitches replay faithfully.

type Record struct {
	// Start marks a segment boundary; the other fields are unused.
	Start bool
	AtMs  int64
	X     float64
	Y     float64
	Z     float64
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFile reads a whole log from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("replay: line %d: want 4 fields, got %d: %q", lineNo, len(fields), line)
		}
		tsStr := strings.TrimSpace(fields[0])
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: invalid timestamp %q: %w", lineNo, tsStr, err)
		}
		if ts < 0 {
			return nil, fmt.Errorf("replay: line %d: negative timestamp %d", lineNo, ts)
		}
		var axes [3]float64
		for i := range axes {
			v, err := parseAxis(fields[i+1])
			if err != nil {
				return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
			}
			axes[i] = v
		}
		recs = append(recs, Record{AtMs: ts, X: axes[0], Y: axes[1], Z: axes[2]})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseAxis(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "nan":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid axis %q: %w", s, err)
	}
	return v, nil
}

func formatAxis(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type Writer struct {
	f        *os.File
	w        *bufio.Writer
	origin   int64
	haveOrig bool
	closed   bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw}, nil
}

// WriteSample appends s. Timestamps are written relative to the first sample.
func (ww *Writer) WriteSample(s detector.Sample) error {
	if ww.closed {
		return errors.New("replay: writer is closed")
	}
	if !ww.haveOrig {
		ww.origin = s.TimestampMs
		ww.haveOrig = true
	}
	at := s.TimestampMs - ww.origin
	if at < 0 {
		at = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s,%s,%s\n", at, formatAxis(s.X), formatAxis(s.Y), formatAxis(s.Z))
	return err
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep replays as fast as possible.
type NoSleep struct{}

func (NoSleep) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// segmentGapMs separates segments so timestamps stay strictly increasing.
const segmentGapMs = 1000

// Play replays records with their relative timing.
//
// cb receives samples with timestamps that increase across START markers and
// loops, so a detector never sees time go backwards.
//
// speedMultiplier: 1.0 = real time, 2.0 = half the waits.
func Play(ctx context.Context, records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(detector.Sample) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("replay: speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("replay: callback is nil")
	}
	if len(records) == 0 {
		return errors.New("replay: no records")
	}

	var offset int64
	var lastOut int64
	var haveOut bool
	var lastAt int64
	var haveLast bool

	for {
		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Start {
				if haveOut {
					offset = lastOut + segmentGapMs
				}
				haveLast = false
				continue
			}

			at := r.AtMs
			if haveLast {
				wait := at - lastAt
				if wait > 0 {
					d := time.Duration(float64(time.Duration(wait)*time.Millisecond) / speedMultiplier)
					if err := sleeper.Sleep(ctx, d); err != nil {
						return err
					}
				}
			}

			ts := offset + at
			if haveOut && ts < lastOut {
				ts = lastOut
			}
			if err := cb(detector.Sample{X: r.X, Y: r.Y, Z: r.Z, TimestampMs: ts}); err != nil {
				return err
			}
			lastOut = ts
			haveOut = true
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
		offset = lastOut + segmentGapMs
		haveLast = false
	}
}
