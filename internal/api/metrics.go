package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dirwatch/dirwatch/internal/watcher"
)

// Metric catalogue:
//
//	dirwatch_events_dispatched_total       counter: listener callbacks invoked
//	dirwatch_overflows_total               counter: OS queue overflows
//	dirwatch_unknown_handles_total         counter: batches for untracked handles
//	dirwatch_evictions_total               counter: handles dropped after invalidation
//	dirwatch_watched_directories           gauge:   directories in the registration table
//	dirwatch_engine_running                gauge:   1 while the event loop runs
//	dirwatch_last_event_timestamp_seconds  gauge:   time of the last dispatch, 0 if none
type engineCollector struct {
	engine Engine

	dispatched *prometheus.Desc
	overflows  *prometheus.Desc
	unknown    *prometheus.Desc
	evictions  *prometheus.Desc
	watched    *prometheus.Desc
	running    *prometheus.Desc
	lastEvent  *prometheus.Desc
}

func newEngineCollector(e Engine) *engineCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	return &engineCollector{
		engine:     e,
		dispatched: desc("dirwatch_events_dispatched_total", "Listener callbacks invoked."),
		overflows:  desc("dirwatch_overflows_total", "OS event queue overflows."),
		unknown:    desc("dirwatch_unknown_handles_total", "Event batches skipped for untracked watch handles."),
		evictions:  desc("dirwatch_evictions_total", "Watch handles dropped after becoming invalid."),
		watched:    desc("dirwatch_watched_directories", "Directories currently watched."),
		running:    desc("dirwatch_engine_running", "1 while the event loop is running."),
		lastEvent:  desc("dirwatch_last_event_timestamp_seconds", "Unix time of the most recent dispatch."),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dispatched
	ch <- c.overflows
	ch <- c.unknown
	ch <- c.evictions
	ch <- c.watched
	ch <- c.running
	ch <- c.lastEvent
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.dispatched, s.Dispatched)
	counter(c.overflows, s.Overflows)
	counter(c.unknown, s.UnknownHandles)
	counter(c.evictions, s.Evictions)
	gauge(c.watched, float64(len(c.engine.Snapshot())))

	running := 0.0
	if c.engine.State() == watcher.Running {
		running = 1
	}
	gauge(c.running, running)

	last := 0.0
	if !s.LastEventAt.IsZero() {
		last = float64(s.LastEventAt.UnixNano()) / 1e9
	}
	gauge(c.lastEvent, last)
}

// metricsHandler serves the engine collector and the Go runtime collector
// from a private registry.
func metricsHandler(e Engine) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newEngineCollector(e), collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
