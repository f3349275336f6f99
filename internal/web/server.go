// Package web serves the diagnostic and test-mode HTTP API.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Deps struct {
	Service    string
	DeviceID   string
	SourceKind string

	Status    StatusSource
	Telemetry *TelemetryBroadcaster
	Settings  SettingsStore
	Logs      *LogBuffer
	Alarms    AlarmStatus
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ingest is set only when samples come in over HTTP.
	Ingest Ingester

	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Handler(d Deps) http.Handler {
	if d.Service == "" {
		d.Service = "fallguard"
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	start := time.Now().UTC()

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, buildStatus(d, start, time.Now().UTC()))
	}).Methods(http.MethodGet)

	api.HandleFunc("/telemetry/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = v
		}
		points := d.Telemetry.History(limit)
		if points == nil {
			points = []HistoryPoint{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"points": points})
	}).Methods(http.MethodGet)

	api.HandleFunc("/telemetry/stream", func(w http.ResponseWriter, r *http.Request) {
		serveTelemetryStream(w, r, d.Telemetry, d.Heartbeat)
	}).Methods(http.MethodGet)

	api.HandleFunc("/settings", d.Settings.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/settings", d.Settings.handlePost).Methods(http.MethodPost)

	api.HandleFunc("/ingest", ingestHandler(d.Ingest)).Methods(http.MethodPost)

	if d.Logs != nil {
		api.Handle("/logs", d.Logs.Handler()).Methods(http.MethodGet)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		snap := buildStatus(d, start, time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>%s</title></head><body>", snap.Service)
		_, _ = fmt.Fprintf(w, "<h1>%s</h1>", snap.Service)
		_, _ = fmt.Fprintf(w, "<p>Diagnostics only. See <a href=\"/api/status\">/api/status</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>device_id=%s\nenabled=%t\nphase=%s\nsensitivity=%s\ng_force_ms2=%.2f</pre>",
			snap.DeviceID, snap.Settings.Enabled, snap.Detector.Phase, snap.Detector.Sensitivity, snap.Detector.GForceMS2,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	}).Methods(http.MethodGet)

	return r
}

func serveTelemetryStream(w http.ResponseWriter, r *http.Request, b *TelemetryBroadcaster, heartbeat time.Duration) {
	if b == nil {
		http.Error(w, "telemetry unavailable", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// The server's write timeout would cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	id, ch := b.Subscribe(16)
	defer b.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Data)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
		// Streams end when ctx does, so Shutdown is not held open by SSE.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("web listening", zap.String("addr", listenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
