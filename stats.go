//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on _examples/cuemby-warren's pkg/metrics (Prometheus gauge
// registration pattern) for the optional /metrics hook.
//

package agentobserve

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsReporter collects named counters contributed by analyzers and,
// on a tick, emits a synthetic source: "stats" [Event] summarizing
// them. Counters are per-analyzer; there is no hidden global state.
type StatsReporter struct {
	// Interval between stats events. Zero selects the 10 s default.
	Interval time.Duration

	Logger SLogger

	mu       sync.Mutex
	counters map[string]*atomic.Int64

	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
}

const statsReporterDefaultInterval = 10 * time.Second

// NewStatsReporter returns a [*StatsReporter]. Pass a non-nil registry
// to additionally mirror every counter as a Prometheus gauge.
func NewStatsReporter(registry *prometheus.Registry, logger SLogger) *StatsReporter {
	return &StatsReporter{
		Interval: statsReporterDefaultInterval,
		Logger:   logger,
		counters: make(map[string]*atomic.Int64),
		registry: registry,
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Counter returns the named counter, creating it (starting at zero)
// on first use. name is conventionally "<analyzer>.<metric>".
func (r *StatsReporter) Counter(name string) *atomic.Int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &atomic.Int64{}
		r.counters[name] = c
		if r.registry != nil {
			gauge := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agentobserve_" + sanitizeMetricName(name),
				Help: "agentobserve counter " + name,
			})
			r.registry.MustRegister(gauge)
			r.gauges[name] = gauge
		}
	}
	return c
}

func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// snapshot returns the current value of every counter.
func (r *StatsReporter) snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		v := c.Load()
		values[name] = v
		if gauge, ok := r.gauges[name]; ok {
			gauge.Set(float64(v))
		}
	}
	return values
}

func (r *StatsReporter) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return statsReporterDefaultInterval
}

// Run emits one stats event per Interval until ctx is done.
func (r *StatsReporter) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			values := r.snapshot()
			data := make(map[string]any, len(values)+1)
			data["type"] = "stats_snapshot"
			for name, v := range values {
				data[name] = v
			}
			ev := NewEvent(uint64(time.Now().UnixNano()), "stats", 0, "", data)
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
