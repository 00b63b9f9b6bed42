// Package telemetry exposes ferry's Prometheus metrics. Until
// InitializeTelemetry enables a registry every metric is a no-op, so callers
// never check whether metrics are on.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "ferry"

var (
	registry    *prometheus.Registry
	nodeIDLabel prometheus.Labels
)

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Add(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterVec struct{ *prometheus.CounterVec }
type gaugeVec struct{ *prometheus.GaugeVec }
type histogramVec struct{ *prometheus.HistogramVec }

func (v counterVec) With(values ...string) Counter     { return v.WithLabelValues(values...) }
func (v gaugeVec) With(values ...string) Gauge         { return v.WithLabelValues(values...) }
func (v histogramVec) With(values ...string) Histogram { return v.WithLabelValues(values...) }

// register adds c to the registry and hands it back
func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: nodeIDLabel}
}

func gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: nodeIDLabel}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets, ConstLabels: nodeIDLabel}
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(gaugeOpts(name, help)))
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	return counterVec{register(prometheus.NewCounterVec(counterOpts(name, help), labels))}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	return gaugeVec{register(prometheus.NewGaugeVec(gaugeOpts(name, help), labels))}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	return histogramVec{register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))}
}

// InitializeTelemetry creates the registry when enabled. Every metric carries
// the node id as a constant label.
func InitializeTelemetry(enabled bool, nodeID uint64) {
	if !enabled {
		registry = nil
		return
	}

	registry = prometheus.NewRegistry()
	nodeIDLabel = prometheus.Labels{"node_id": strconv.FormatUint(nodeID, 10)}

	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled - served on the admin port at /metrics")
}

// GetMetricsHandler returns nil when metrics are disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
