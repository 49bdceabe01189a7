// Package metrics exports channel events and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus records channel events as counters and timed operations as
// histograms.
type Prometheus struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	workers prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg. A nil
// reg uses the default registerer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "workerchan",
				Subsystem: "channel",
				Name:      "events_total",
				Help:      "Channel events by name and function.",
			},
			[]string{"event", "function"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "workerchan",
				Subsystem: "channel",
				Name:      "operation_duration_seconds",
				Help:      "Duration of timed channel operations in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		workers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "workerchan",
				Subsystem: "channel",
				Name:      "ready_workers",
				Help:      "Channels currently ready for invocations.",
			},
		),
	}
	for _, c := range []prometheus.Collector{p.events, p.latency, p.workers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Event counts one occurrence of name, optionally for a function.
func (p *Prometheus) Event(name, function string) {
	p.events.WithLabelValues(name, function).Inc()
}

// Latency starts timing name; the returned func records the elapsed time.
func (p *Prometheus) Latency(name string) func() {
	start := time.Now()
	return func() {
		p.latency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// WorkerReady adjusts the ready-worker gauge.
func (p *Prometheus) WorkerReady(ready bool) {
	if ready {
		p.workers.Inc()
	} else {
		p.workers.Dec()
	}
}
