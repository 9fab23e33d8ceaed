package filecache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by all stores of a process.
// Every series is labelled with the cache name.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	builds        *prometheus.CounterVec
	buildFailures *prometheus.CounterVec
	purges        *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	evictedBytes  *prometheus.CounterVec
	waits         *prometheus.CounterVec
	size          *prometheus.GaugeVec
}

const metricsNamespace = "dapcache"

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, []string{"cache"})
	}

	m := &Metrics{
		hits:          counter("hits_total", "Committed entries served without building."),
		builds:        counter("builds_total", "Entries built and committed."),
		buildFailures: counter("build_failures_total", "Builds that failed and were discarded."),
		purges:        counter("purges_total", "Stale or corrupt entries removed."),
		evictions:     counter("evictions_total", "Entries removed to stay within the size budget."),
		evictedBytes:  counter("evicted_bytes_total", "Bytes removed by eviction."),
		waits:         counter("contention_waits_total", "Waits for a peer builder to commit."),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "size_bytes",
			Help:      "Aggregate size of committed entries at the last scan.",
		}, []string{"cache"}),
	}

	collectors := []prometheus.Collector{
		m.hits, m.builds, m.buildFailures, m.purges,
		m.evictions, m.evictedBytes, m.waits, m.size,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}

	return m, nil
}

// cacheMetrics is the per-cache view of Metrics; its zero value is a no-op.
type cacheMetrics struct {
	m    *Metrics
	name string
}

func (m *Metrics) forCache(name string) cacheMetrics {
	return cacheMetrics{m: m, name: name}
}

func (c cacheMetrics) inc(v *prometheus.CounterVec) {
	if c.m != nil {
		v.WithLabelValues(c.name).Inc()
	}
}

func (c cacheMetrics) hit() {
	if c.m != nil {
		c.inc(c.m.hits)
	}
}

func (c cacheMetrics) built() {
	if c.m != nil {
		c.inc(c.m.builds)
	}
}

func (c cacheMetrics) buildFailed() {
	if c.m != nil {
		c.inc(c.m.buildFailures)
	}
}

func (c cacheMetrics) purged() {
	if c.m != nil {
		c.inc(c.m.purges)
	}
}

func (c cacheMetrics) waited() {
	if c.m != nil {
		c.inc(c.m.waits)
	}
}

func (c cacheMetrics) evicted(bytes int64) {
	if c.m == nil {
		return
	}

	c.inc(c.m.evictions)
	c.m.evictedBytes.WithLabelValues(c.name).Add(float64(bytes))
}

func (c cacheMetrics) setSize(total int64) {
	if c.m != nil {
		c.m.size.WithLabelValues(c.name).Set(float64(total))
	}
}
