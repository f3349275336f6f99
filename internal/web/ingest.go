package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"fallguard/internal/detector"
	"fallguard/internal/motion"
)

// Ingester accepts injected samples; *motion.PushSource implements it.
type Ingester interface {
	Push(s detector.Sample) error
}

// IngestSample is the wire form of one sample. A null or absent axis is a
// missing component.
type IngestSample struct {
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Z           *float64 `json:"z"`
	TimestampMs *int64   `json:"timestamp_ms"`
}

type IngestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

const maxIngestBatch = 10000

// decodeIngestBody accepts a single sample object or an array of them.
func decodeIngestBody(body []byte) ([]IngestSample, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("invalid json: empty body")
	}
	var batch []IngestSample
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if trimmed[0] == '[' {
		if err := dec.Decode(&batch); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
	} else {
		var one IngestSample
		if err := dec.Decode(&one); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		batch = []IngestSample{one}
	}
	if len(batch) > maxIngestBatch {
		return nil, fmt.Errorf("batch exceeds %d samples", maxIngestBatch)
	}
	for i, s := range batch {
		if s.TimestampMs == nil {
			return nil, fmt.Errorf("sample %d: timestamp_ms is required", i)
		}
	}
	return batch, nil
}

func ingestHandler(in Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if in == nil {
			http.Error(w, "ingest requires source.kind=http", http.StatusConflict)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
			return
		}
		batch, err := decodeIngestBody(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		accepted := 0
		for _, s := range batch {
			err := in.Push(detector.SampleFromAxes(s.X, s.Y, s.Z, *s.TimestampMs))
			switch {
			case err == nil:
				accepted++
				continue
			case errors.Is(err, motion.ErrNotAttached):
				writeJSON(w, http.StatusConflict, IngestResponse{Accepted: accepted, Error: "fall detection is disabled"})
			case errors.Is(err, motion.ErrQueueFull):
				writeJSON(w, http.StatusServiceUnavailable, IngestResponse{Accepted: accepted, Error: "ingest queue full"})
			default:
				writeJSON(w, http.StatusInternalServerError, IngestResponse{Accepted: accepted, Error: err.Error()})
			}
			return
		}
		writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: accepted})
	}
}
