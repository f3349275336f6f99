// Package metrics exports detector and alarm metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fallguard/internal/detector"
)

const namespace = "fallguard"

// Metrics holds collectors registered on a private registry, so tests and
// multiple instances never collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	events          *prometheus.CounterVec
	alarmDeliveries *prometheus.CounterVec
	alarmDropped    prometheus.Counter
	ingestDuration  prometheus.Histogram
	sourceRestarts  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Detector events by kind",
			},
			[]string{"kind"},
		),
		alarmDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarm_deliveries_total",
				Help:      "Alarm deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
		alarmDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarm_queue_dropped_total",
				Help:      "Alarm events dropped because the dispatch queue was full",
			},
		),
		ingestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Time spent handing one sample to the detector",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
		),
		sourceRestarts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_starts_total",
				Help:      "Times the sample source was attached",
			},
		),
	}
}

// WatchDetector exports the telemetry returned by snapshot on every scrape.
func (m *Metrics) WatchDetector(snapshot func() detector.Telemetry) {
	if m == nil || snapshot == nil {
		return
	}
	m.reg.MustRegister(&telemetryCollector{snapshot: snapshot})
}

func (m *Metrics) ObserveEvent(kind detector.EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

// ObserveDelivery records one alarm send attempt outcome: "ok" or "error".
func (m *Metrics) ObserveDelivery(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.alarmDeliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) ObserveAlarmDropped() {
	if m == nil {
		return
	}
	m.alarmDropped.Inc()
}

func (m *Metrics) ObserveIngest(d time.Duration) {
	if m == nil {
		return
	}
	m.ingestDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSourceStart() {
	if m == nil {
		return
	}
	m.sourceRestarts.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

var (
	samplesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "samples_total"),
		"Samples seen by the detector by outcome",
		[]string{"outcome"}, nil,
	)
	transitionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "transitions_total"),
		"Detector transitions by kind",
		[]string{"kind"}, nil,
	)
	gforceDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "current_gforce_ms2"),
		"Magnitude of the latest valid sample",
		nil, nil,
	)
	phaseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "phase"),
		"1 for the active detector phase",
		[]string{"phase"}, nil,
	)
	impactThresholdDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "impact_threshold_ms2"),
		"Active impact threshold",
		[]string{"sensitivity"}, nil,
	)
)

type telemetryCollector struct {
	snapshot func() detector.Telemetry
}

func (c *telemetryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- samplesDesc
	ch <- transitionsDesc
	ch <- gforceDesc
	ch <- phaseDesc
	ch <- impactThresholdDesc
}

func (c *telemetryCollector) Collect(ch chan<- prometheus.Metric) {
	t := c.snapshot()
	cnt := t.Counters

	for outcome, v := range map[string]uint64{
		"received":     cnt.Received,
		"malformed":    cnt.Malformed,
		"out_of_order": cnt.OutOfOrder,
		"throttled":    cnt.Throttled,
		"classified":   cnt.Classified,
	} {
		ch <- prometheus.MustNewConstMetric(samplesDesc, prometheus.CounterValue, float64(v), outcome)
	}
	for kind, v := range map[detector.EventKind]uint64{
		detector.EventImpactDetected:  cnt.Impacts,
		detector.EventStillnessBroken: cnt.StillnessBroken,
		detector.EventFallConfirmed:   cnt.FallsConfirmed,
	} {
		ch <- prometheus.MustNewConstMetric(transitionsDesc, prometheus.CounterValue, float64(v), string(kind))
	}

	ch <- prometheus.MustNewConstMetric(gforceDesc, prometheus.GaugeValue, t.CurrentGForce)
	for _, p := range []detector.Phase{detector.PhaseIdle, detector.PhaseMonitoringStillness} {
		v := 0.0
		if t.Phase == p {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(phaseDesc, prometheus.GaugeValue, v, p.String())
	}
	ch <- prometheus.MustNewConstMetric(impactThresholdDesc, prometheus.GaugeValue, t.Thresholds.ImpactMS2, string(t.Sensitivity))
}
