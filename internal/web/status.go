package web

import (
	"runtime"
	"runtime/debug"
	"time"

	"fallguard/internal/monitor"
)

// StatusSource is what /api/status reports on. *monitor.Monitor satisfies
// it through MonitorStatus.
type StatusSource interface {
	Settings() monitor.Settings
	Status() monitor.Status
	Telemetry() TelemetrySnapshot
}

// AlarmStatus is implemented by *alarm.Dispatcher.
type AlarmStatus interface {
	SinkNames() []string
	Dropped() uint64
}

// MonitorStatus adapts a monitor to StatusSource.
type MonitorStatus struct {
	M *monitor.Monitor
}

func (s MonitorStatus) Settings() monitor.Settings { return s.M.Settings() }
func (s MonitorStatus) Status() monitor.Status     { return s.M.Status() }
func (s MonitorStatus) Telemetry() TelemetrySnapshot {
	return SnapshotFromTelemetry(s.M.Detector().Telemetry())
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
}

type AlarmSnapshot struct {
	Sinks   []string `json:"sinks"`
	Dropped uint64   `json:"dropped"`
}

type StatusSnapshot struct {
	Service   string            `json:"service"`
	DeviceID  string            `json:"device_id"`
	Source    string            `json:"source"`
	NowUTC    string            `json:"now_utc"`
	UptimeSec int64             `json:"uptime_sec"`
	Build     BuildInfo         `json:"build"`
	Settings  monitor.Settings  `json:"settings"`
	Monitor   monitor.Status    `json:"monitor"`
	Detector  TelemetrySnapshot `json:"detector"`
	Events    []EventSnapshot   `json:"recent_events"`
	Alarm     *AlarmSnapshot    `json:"alarm,omitempty"`
}

func buildStatus(d Deps, start, now time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		Service:   d.Service,
		DeviceID:  d.DeviceID,
		Source:    d.SourceKind,
		NowUTC:    now.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(now.Sub(start).Seconds()),
		Build:     readBuildInfo(),
		Events:    d.Telemetry.Events(),
	}
	if snap.Events == nil {
		snap.Events = []EventSnapshot{}
	}
	if d.Status != nil {
		snap.Settings = d.Status.Settings()
		snap.Monitor = d.Status.Status()
		snap.Detector = d.Status.Telemetry()
	}
	if d.Alarms != nil {
		snap.Alarm = &AlarmSnapshot{Sinks: d.Alarms.SinkNames(), Dropped: d.Alarms.Dropped()}
	}
	return snap
}
