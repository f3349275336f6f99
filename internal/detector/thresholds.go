package detector

import (
	"strings"
	"time"
)

// Sensitivity trades false alarms against missed falls.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

const (
	// RestingGravity is the magnitude expected from a motionless device.
	RestingGravity = 9.8
	// StillnessTolerance is the allowed deviation from RestingGravity while
	// confirming stillness. It does not scale with sensitivity.
	StillnessTolerance = 2.0

	throttleNormal   = 100 * time.Millisecond
	throttleLowPower = 200 * time.Millisecond
)

// Thresholds is the detection configuration derived from a Sensitivity.
type Thresholds struct {
	// ImpactMS2 is the magnitude (m/s²) a sample must exceed to count as an impact.
	ImpactMS2 float64
	// StillnessWindow is how long the subject must stay still after an impact.
	StillnessWindow time.Duration
}

// ResolveThresholds maps a sensitivity level to its thresholds.
// Unknown levels resolve to medium.
func ResolveThresholds(level Sensitivity) Thresholds {
	switch level {
	case SensitivityHigh:
		return Thresholds{ImpactMS2: 15, StillnessWindow: 5000 * time.Millisecond}
	case SensitivityLow:
		return Thresholds{ImpactMS2: 25, StillnessWindow: 4000 * time.Millisecond}
	default:
		return Thresholds{ImpactMS2: 20, StillnessWindow: 5000 * time.Millisecond}
	}
}

// ParseSensitivity parses a user-facing level. ok is false when s is not a
// known level, in which case medium is returned.
func ParseSensitivity(s string) (level Sensitivity, ok bool) {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(s))) {
	case SensitivityLow:
		return SensitivityLow, true
	case SensitivityMedium:
		return SensitivityMedium, true
	case SensitivityHigh:
		return SensitivityHigh, true
	}
	return SensitivityMedium, false
}

// Normalize returns level if known, otherwise medium.
func (level Sensitivity) Normalize() Sensitivity {
	l, _ := ParseSensitivity(string(level))
	return l
}

// ThrottleInterval is the minimum spacing between classified samples.
// Low power mode widens it; it never changes detection thresholds.
func ThrottleInterval(lowPower bool) time.Duration {
	if lowPower {
		return throttleLowPower
	}
	return throttleNormal
}
