package detector

import "math"

// Sample is one accelerometer reading in the device frame.
//
// Components are in m/s² and include gravity, so a device at rest reads
// roughly 9.8 regardless of orientation. A missing axis is NaN.
type Sample struct {
	X, Y, Z     float64
	TimestampMs int64
}

// SampleFromAxes builds a Sample from optional axis values, as delivered by
// sources that can report a null component. Nil axes become NaN so the
// detector discards the sample.
func SampleFromAxes(x, y, z *float64, timestampMs int64) Sample {
	return Sample{X: axisOrNaN(x), Y: axisOrNaN(y), Z: axisOrNaN(z), TimestampMs: timestampMs}
}

func axisOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// Valid reports whether every axis is a finite number.
func (s Sample) Valid() bool {
	return finite(s.X) && finite(s.Y) && finite(s.Z)
}

// GForce returns the magnitude of the acceleration vector in m/s².
func (s Sample) GForce() float64 {
	return Magnitude(s.X, s.Y, s.Z)
}

// Magnitude is the Euclidean norm of a 3-axis vector.
func Magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
