// Package alarm delivers detector events to external notification sinks.
package alarm

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fallguard/internal/detector"
)

// Event is the payload handed to every sink.
type Event struct {
	ID          string               `json:"id"`
	DeviceID    string               `json:"device_id"`
	Kind        detector.EventKind   `json:"kind"`
	GForceMS2   float64              `json:"g_force_ms2"`
	ImpactAtMs  int64                `json:"impact_at_ms"`
	AtMs        int64                `json:"at_ms"`
	Sensitivity detector.Sensitivity `json:"sensitivity"`
	EmittedAt   time.Time            `json:"emitted_at"`
}

// FromDetector stamps a detector event with a fresh ID.
func FromDetector(deviceID string, ev detector.Event, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        ev.Kind,
		GForceMS2:   ev.GForce,
		ImpactAtMs:  ev.ImpactAtMs,
		AtMs:        ev.AtMs,
		Sensitivity: ev.Sensitivity,
		EmittedAt:   now.UTC(),
	}
}

func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
