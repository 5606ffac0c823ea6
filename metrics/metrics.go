// Package metrics exposes a [Gateway]'s counters, queue depth and latency
// distribution as Prometheus metrics, additive to the in-memory
// get_stats/get_latency_samples read-out spec §4.6 requires. Grounded on
// m-lab-tcp-info's metrics package (promauto-registered counters and
// histograms) and runZeroInc-sockstats' per-collector metric grouping, but
// built per-[Registry] instance rather than against the global default
// registry: a process may run more than one [cangw.Gateway], and each needs
// its own metric family instances to avoid a duplicate-registration panic.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hiltest/cangw"
)

// directionTotals is the last cumulative (received, forwarded, dropped)
// triple observed for one direction, so Subscriber can turn
// [cangw.StatsUpdatedEvent]'s running totals into the deltas a
// Prometheus counter needs.
type directionTotals struct {
	received, forwarded, dropped int
}

// Registry owns one gateway's Prometheus metric family instances. The zero
// value is invalid; use [NewRegistry].
type Registry struct {
	reg *prometheus.Registry

	received        *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	latencyMicros   *prometheus.HistogramVec
	settingsChanged prometheus.Counter

	totalsMu sync.Mutex
	totals   map[cangw.Direction]*directionTotals
}

// NewRegistry constructs a fresh, private Prometheus registry and the
// metric families cangw_* exposes (spec's additive "Prometheus metrics"
// read-out surface).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg:    reg,
		totals: map[cangw.Direction]*directionTotals{},
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cangw_frames_received_total",
			Help: "Total frames received per direction.",
		}, []string{"direction"}),
		forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cangw_frames_forwarded_total",
			Help: "Total frames forwarded per direction.",
		}, []string{"direction"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cangw_frames_dropped_total",
			Help: "Total frames dropped per direction.",
		}, []string{"direction"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cangw_queue_depth",
			Help: "Current pending-send queue depth per direction.",
		}, []string{"direction"}),
		latencyMicros: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "cangw_latency_microseconds",
			Help: "End-to-end forwarding latency distribution, in microseconds.",
			Buckets: []float64{
				100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000,
				100000, 250000, 500000, 1000000,
			},
		}, []string{"direction"}),
		settingsChanged: factory.NewCounter(prometheus.CounterOpts{
			Name: "cangw_settings_changed_total",
			Help: "Total UpdateSettings calls observed.",
		}),
	}
}

// ObserveReceived increments the received counter for dir.
func (r *Registry) ObserveReceived(dir cangw.Direction) {
	r.received.WithLabelValues(dir.String()).Inc()
}

// ObserveForwarded increments the forwarded counter and records a latency
// sample for dir.
func (r *Registry) ObserveForwarded(dir cangw.Direction, latencyUs float64) {
	r.forwarded.WithLabelValues(dir.String()).Inc()
	r.latencyMicros.WithLabelValues(dir.String()).Observe(latencyUs)
}

// ObserveDropped increments the dropped counter for dir.
func (r *Registry) ObserveDropped(dir cangw.Direction) {
	r.dropped.WithLabelValues(dir.String()).Inc()
}

// SetQueueDepth reports dir's current queue depth.
func (r *Registry) SetQueueDepth(dir cangw.Direction, depth int) {
	r.queueDepth.WithLabelValues(dir.String()).Set(float64(depth))
}

// ObserveSettingsChanged increments the settings-changed counter.
func (r *Registry) ObserveSettingsChanged() {
	r.settingsChanged.Inc()
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format. Mounting it is optional; a [cangw.Gateway]
// works without ever calling this.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Subscriber returns a [cangw.Handler] that feeds STATS_UPDATED and
// SETTINGS_CHANGED events into this registry, for wiring via
// [cangw.Gateway.Subscribe]. This is the only path that keeps
// cangw_frames_{received,forwarded,dropped}_total current in a running
// process: [Gateway] never imports this package directly (doing so would
// cycle back through cangw, which this package already imports), so the
// event bus is the sole channel these counters mirror the C2 counters
// through.
func (r *Registry) Subscriber() cangw.Handler {
	return func(eventType cangw.EventType, payload any) {
		switch eventType {
		case cangw.EventStatsUpdated:
			if ev, ok := payload.(cangw.StatsUpdatedEvent); ok {
				r.SetQueueDepth(ev.Direction, ev.QueueSize)
				r.applyCounterDeltas(ev)
			}
		case cangw.EventSettingsChanged:
			r.ObserveSettingsChanged()
		}
	}
}

// applyCounterDeltas turns ev's cumulative received/forwarded/dropped
// totals into the incremental .Add() calls a Prometheus counter requires,
// since STATS_UPDATED always carries running totals rather than a
// per-frame delta.
func (r *Registry) applyCounterDeltas(ev cangw.StatsUpdatedEvent) {
	r.totalsMu.Lock()
	prev, ok := r.totals[ev.Direction]
	if !ok {
		prev = &directionTotals{}
		r.totals[ev.Direction] = prev
	}
	deltaReceived := ev.Received - prev.received
	deltaForwarded := ev.Forwarded - prev.forwarded
	deltaDropped := ev.Dropped - prev.dropped
	prev.received = ev.Received
	prev.forwarded = ev.Forwarded
	prev.dropped = ev.Dropped
	r.totalsMu.Unlock()

	label := ev.Direction.String()
	if deltaReceived > 0 {
		r.received.WithLabelValues(label).Add(float64(deltaReceived))
	}
	if deltaForwarded > 0 {
		r.forwarded.WithLabelValues(label).Add(float64(deltaForwarded))
	}
	if deltaDropped > 0 {
		r.dropped.WithLabelValues(label).Add(float64(deltaDropped))
	}
}
