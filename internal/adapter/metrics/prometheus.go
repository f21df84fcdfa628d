// Package metrics exports engine measurements in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catrec/internal/port"
)

const namespace = "catrec"

// Prometheus implements port.Metrics on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	searchLatency *prometheus.HistogramVec
	searchHits    prometheus.Histogram

	embedCalls   *prometheus.CounterVec
	embedItems   *prometheus.CounterVec
	embedLatency prometheus.Histogram
	embedCache   *prometheus.CounterVec

	indexRuns     *prometheus.CounterVec
	indexRecords  *prometheus.CounterVec
	indexDuration prometheus.Histogram

	activeVersion prometheus.Gauge
	activeEntries prometheus.Gauge
}

var _ port.Metrics = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	latency := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.searchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "latency_seconds",
		Help:      "Search latency by outcome code",
		Buckets:   latency,
	}, []string{"code"})
	p.searchHits = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "raw_hits",
		Help:      "Nearest-neighbour hits returned per search before aggregation",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	p.embedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "calls_total",
		Help:      "Provider calls by outcome, after retries",
	}, []string{"outcome"})
	p.embedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "items_total",
		Help:      "Texts sent to the provider by outcome",
	}, []string{"outcome"})
	p.embedLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "latency_seconds",
		Help:      "Provider call latency including retries",
		Buckets:   latency,
	})
	p.embedCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "cache_lookups_total",
		Help:      "Embedding cache lookups by result",
	}, []string{"result"})

	p.indexRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "runs_total",
		Help:      "Indexing runs by final state",
	}, []string{"state"})
	p.indexRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "records_total",
		Help:      "Records processed by indexing runs",
	}, []string{"result"})
	p.indexDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "run_duration_seconds",
		Help:      "Indexing run duration",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	p.activeVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "active_version",
		Help:      "Index version currently served",
	})
	p.activeEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "active_entries",
		Help:      "Live entries in the active version",
	})

	p.registry.MustRegister(
		p.searchLatency, p.searchHits,
		p.embedCalls, p.embedItems, p.embedLatency, p.embedCache,
		p.indexRuns, p.indexRecords, p.indexDuration,
		p.activeVersion, p.activeEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) RecordSearch(code string, latency time.Duration, hits int) {
	if code == "" {
		code = "ok"
	}
	p.searchLatency.WithLabelValues(code).Observe(latency.Seconds())
	if code == "ok" {
		p.searchHits.Observe(float64(hits))
	}
}

func (p *Prometheus) RecordEmbedding(outcome string, items int, latency time.Duration) {
	p.embedCalls.WithLabelValues(outcome).Inc()
	p.embedItems.WithLabelValues(outcome).Add(float64(items))
	p.embedLatency.Observe(latency.Seconds())
}

func (p *Prometheus) RecordEmbeddingCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.embedCache.WithLabelValues(result).Inc()
}

func (p *Prometheus) RecordIndexRun(state string, indexed, failed int, duration time.Duration) {
	p.indexRuns.WithLabelValues(state).Inc()
	p.indexRecords.WithLabelValues("indexed").Add(float64(indexed))
	p.indexRecords.WithLabelValues("failed").Add(float64(failed))
	p.indexDuration.Observe(duration.Seconds())
}

func (p *Prometheus) SetActiveVersion(version uint64, count int) {
	p.activeVersion.Set(float64(version))
	p.activeEntries.Set(float64(count))
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
