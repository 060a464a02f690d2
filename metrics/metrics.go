// Package metrics exposes Prometheus collectors for the blob loader.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sources and outcomes used as label values.
const (
	SourceLocal  = "local"
	SourceMirror = "mirror"

	OutcomeOK           = "ok"
	OutcomeNotAvailable = "not_available"
	OutcomeRestoring    = "restoring"
	OutcomeError        = "error"
	OutcomeUnsupported  = "unsupported"
	OutcomeCanceled     = "canceled"
)

// Metrics tracks cache, coordinator and pipeline activity.
//
// All metrics use the blobcache_ prefix. Methods are safe to call on a nil
// receiver, so a loader without metrics pays only a nil check.
type Metrics struct {
	// CacheRequests counts memory cache lookups by result ("hit", "miss").
	CacheRequests *prometheus.CounterVec

	// CacheBytes is the running byte total of the memory cache.
	CacheBytes prometheus.Gauge

	// CacheEvictions counts entries removed by purges.
	CacheEvictions prometheus.Counter

	// PendingGroups is the number of identifiers with a load in flight.
	PendingGroups prometheus.Gauge

	// FetchAttempts counts engine and mirror fetches by source and outcome.
	FetchAttempts *prometheus.CounterVec

	// LoadDuration tracks time from first request to delivery by outcome.
	LoadDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// Panics if registration fails (expected during initialization only).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobcache_cache_requests_total",
				Help: "Memory cache lookups by result",
			},
			[]string{"result"},
		),
		CacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blobcache_cache_bytes",
				Help: "Bytes accounted to entries in the memory cache",
			},
		),
		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blobcache_cache_evictions_total",
				Help: "Entries evicted from the memory cache",
			},
		),
		PendingGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blobcache_pending_groups",
				Help: "Identifiers with a load in flight",
			},
		),
		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobcache_fetch_attempts_total",
				Help: "Engine and mirror fetch attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blobcache_load_duration_seconds",
				Help:    "Time from first request to delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.CacheRequests,
		m.CacheBytes,
		m.CacheEvictions,
		m.PendingGroups,
		m.FetchAttempts,
		m.LoadDuration,
	)
	return m
}

// CacheHit records a memory cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("hit").Inc()
}

// CacheMiss records a memory cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

// SetCacheBytes records the memory cache byte total.
func (m *Metrics) SetCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}

// AddEvictions records n evicted entries.
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// SetPending records the number of pending groups.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingGroups.Set(float64(n))
}

// ObserveFetch records one fetch attempt.
func (m *Metrics) ObserveFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(source, outcome).Inc()
}

// ObserveLoad records a delivered load.
func (m *Metrics) ObserveLoad(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LoadDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
