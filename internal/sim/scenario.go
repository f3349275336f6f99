// Package sim renders scripted motion scenarios into accelerometer samples.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fallguard/internal/detector"
)

// ScenarioScript is a deterministic, script-driven motion description.
//
// Durations are Go duration strings (e.g. "250ms", "5s").
//
// YAML schema (v1):
//
//	version: 1
//	rate_hz: 50
//	seed: 7
//	noise_ms2: 0.05
//	segments:
//	  - kind: rest
//	    duration: 1s
//	  - kind: impact
//	    peak_ms2: 30
//	  - kind: walk
//	    duration: 3s
//	    amplitude_ms2: 3
//	    frequency_hz: 2
//	  - kind: glitch
//	    duration: 200ms
//	    axis: z
//
// Every segment starts from a device at rest with gravity on Z.
type ScenarioScript struct {
	Version  int       `yaml:"version"`
	RateHz   float64   `yaml:"rate_hz"`
	Seed     int64     `yaml:"seed"`
	NoiseMS2 *float64  `yaml:"noise_ms2"`
	Segments []Segment `yaml:"segments"`
}

type SegmentKind string

const (
	KindRest   SegmentKind = "rest"
	KindWalk   SegmentKind = "walk"
	KindShake  SegmentKind = "shake"
	KindImpact SegmentKind = "impact"
	KindPickup SegmentKind = "pickup"
	KindGlitch SegmentKind = "glitch"
)

type Segment struct {
	Kind     SegmentKind   `yaml:"kind"`
	Duration time.Duration `yaml:"duration"`
	// Impact only. The spike is applied on X on top of gravity.
	PeakMS2 float64 `yaml:"peak_ms2"`
	// Walk, shake and pickup.
	AmplitudeMS2 float64 `yaml:"amplitude_ms2"`
	FrequencyHz  float64 `yaml:"frequency_hz"`
	// Glitch only: which component goes missing.
	Axis string `yaml:"axis"`
}

const (
	defaultRateHz   = 50
	defaultNoiseMS2 = 0.05

	defaultImpactPeak = 30
	defaultWalkAmp    = 3
	defaultWalkFreq   = 2
	defaultShakeAmp   = 12
	defaultShakeFreq  = 5
	defaultPickupAmp  = 4
)

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	noise    float64
	step     float64
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script, fills defaults and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if script.RateHz == 0 {
		script.RateHz = defaultRateHz
	}
	if script.RateHz < 1 || script.RateHz > 1000 {
		return nil, fmt.Errorf("rate_hz must be 1..1000")
	}
	noise := defaultNoiseMS2
	if script.NoiseMS2 != nil {
		noise = *script.NoiseMS2
	}
	if noise < 0 {
		return nil, fmt.Errorf("noise_ms2 must be >= 0")
	}
	if len(script.Segments) == 0 {
		return nil, fmt.Errorf("segments is required")
	}

	segs := make([]Segment, len(script.Segments))
	var total time.Duration
	for i, seg := range script.Segments {
		seg.Kind = SegmentKind(strings.ToLower(strings.TrimSpace(string(seg.Kind))))
		if seg.Duration < 0 {
			return nil, fmt.Errorf("segments[%d].duration must be >= 0", i)
		}
		switch seg.Kind {
		case KindRest:
		case KindImpact:
			if seg.PeakMS2 == 0 {
				seg.PeakMS2 = defaultImpactPeak
			}
			if seg.PeakMS2 < 0 {
				return nil, fmt.Errorf("segments[%d].peak_ms2 must be > 0", i)
			}
		case KindWalk:
			seg.AmplitudeMS2, seg.FrequencyHz = orDefault(seg.AmplitudeMS2, defaultWalkAmp), orDefault(seg.FrequencyHz, defaultWalkFreq)
		case KindShake:
			seg.AmplitudeMS2, seg.FrequencyHz = orDefault(seg.AmplitudeMS2, defaultShakeAmp), orDefault(seg.FrequencyHz, defaultShakeFreq)
		case KindPickup:
			seg.AmplitudeMS2 = orDefault(seg.AmplitudeMS2, defaultPickupAmp)
		case KindGlitch:
			seg.Axis = strings.ToLower(strings.TrimSpace(seg.Axis))
			if seg.Axis == "" {
				seg.Axis = "z"
			}
			if seg.Axis != "x" && seg.Axis != "y" && seg.Axis != "z" {
				return nil, fmt.Errorf("segments[%d].axis must be x, y or z", i)
			}
		default:
			return nil, fmt.Errorf("segments[%d].kind %q is not supported", i, seg.Kind)
		}
		if seg.Kind != KindImpact && seg.Duration == 0 {
			return nil, fmt.Errorf("segments[%d].duration is required", i)
		}
		if seg.AmplitudeMS2 < 0 || seg.FrequencyHz < 0 {
			return nil, fmt.Errorf("segments[%d] amplitude/frequency must be >= 0", i)
		}
		segs[i] = seg
		total += seg.Duration
	}
	script.Segments = segs

	sc := &Scenario{script: script, noise: noise, step: 1000 / script.RateHz}
	sc.duration = time.Duration(float64(sc.sampleCount())*sc.step) * time.Millisecond
	return sc, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// Duration is the span covered by the rendered samples.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

func (s *Scenario) RateHz() float64 {
	if s == nil {
		return 0
	}
	return s.script.RateHz
}

func (s *Scenario) segmentSamples(seg Segment) int {
	n := int(math.Round(seg.Duration.Seconds() * s.script.RateHz))
	if n < 1 && seg.Kind == KindImpact {
		n = 1
	}
	return n
}

func (s *Scenario) sampleCount() int {
	n := 0
	for _, seg := range s.script.Segments {
		n += s.segmentSamples(seg)
	}
	return n
}

// Samples renders the whole scenario. The output is identical for the same
// script and seed. Timestamps start at 0 and follow rate_hz.
func (s *Scenario) Samples() []detector.Sample {
	if s == nil {
		return nil
	}
	rng := rand.New(rand.NewSource(s.script.Seed))
	out := make([]detector.Sample, 0, s.sampleCount())
	idx := 0
	for _, seg := range s.script.Segments {
		n := s.segmentSamples(seg)
		for k := 0; k < n; k++ {
			x, y, z := s.jitter(rng), s.jitter(rng), detector.RestingGravity+s.jitter(rng)
			t := float64(k) / s.script.RateHz
			switch seg.Kind {
			case KindImpact:
				// Half-sine spike across the segment's samples.
				x += seg.PeakMS2 * math.Sin(math.Pi*float64(k+1)/float64(n+1))
			case KindWalk:
				z += seg.AmplitudeMS2 * math.Sin(2*math.Pi*seg.FrequencyHz*t)
			case KindShake:
				x += seg.AmplitudeMS2 * math.Sin(2*math.Pi*seg.FrequencyHz*t)
			case KindPickup:
				z += seg.AmplitudeMS2 * math.Sin(math.Pi*float64(k)/float64(n))
			case KindGlitch:
				switch seg.Axis {
				case "x":
					x = math.NaN()
				case "y":
					y = math.NaN()
				default:
					z = math.NaN()
				}
			}
			out = append(out, detector.Sample{X: x, Y: y, Z: z, TimestampMs: int64(math.Round(float64(idx) * s.step))})
			idx++
		}
	}
	return out
}

func (s *Scenario) jitter(rng *rand.Rand) float64 {
	if s.noise == 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * s.noise
}

// Source emits a scenario's samples. Timestamps are logical; Realtime only
// paces delivery.
type Source struct {
	Scenario *Scenario
	Realtime bool
	Loop     bool

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSource(sc *Scenario, realtime, loop bool) *Source {
	return &Source{Scenario: sc, Realtime: realtime, Loop: loop}
}

func (s *Source) LogicalTime() bool { return true }

func (s *Source) Run(ctx context.Context, emit func(detector.Sample)) error {
	if s == nil || s.Scenario == nil {
		return fmt.Errorf("sim: scenario is nil")
	}
	samples := s.Scenario.Samples()
	if len(samples) == 0 {
		return nil
	}
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	step := time.Duration(s.Scenario.step * float64(time.Millisecond))
	var offset int64
	for {
		for _, sm := range samples {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.Realtime {
				if err := sleep(ctx, step); err != nil {
					return err
				}
			}
			sm.TimestampMs += offset
			emit(sm)
		}
		if !s.Loop {
			return nil
		}
		offset += samples[len(samples)-1].TimestampMs + step.Milliseconds()
	}
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
