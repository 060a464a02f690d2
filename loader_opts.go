package blobcache

import (
	"log/slog"
	"time"

	"github.com/meigma/blobcache/cache"
	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/internal/retry"
	"github.com/meigma/blobcache/metrics"
)

// DefaultBackoffUnit is the time unit multiplied by attempts² between retries.
const DefaultBackoffUnit = time.Second

type config struct {
	maxBytes    int64
	minBytes    int64
	retryLimit  int
	backoffUnit time.Duration
	mirror      engine.Mirror
	arrivals    engine.Arrivals
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
}

func defaultConfig() config {
	return config{
		maxBytes:    cache.DefaultMaxBytes,
		minBytes:    cache.DefaultMinBytes,
		retryLimit:  retry.DefaultLimit,
		backoffUnit: DefaultBackoffUnit,
		clock:       time.Now,
	}
}

// Option configures a Loader.
type Option func(*config)

// WithMaxBytes sets the memory cache size that triggers a purge.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithMinBytes sets the memory cache size a purge reduces to.
// It must be strictly less than the maximum.
func WithMinBytes(n int64) Option {
	return func(c *config) {
		c.minBytes = n
	}
}

// WithRetryLimit sets the number of transient engine failures tolerated per
// load before it fails. Defaults to 5.
func WithRetryLimit(n int) Option {
	return func(c *config) {
		c.retryLimit = n
	}
}

// WithBackoffUnit sets the unit of the quadratic backoff. Defaults to one
// second, giving waits of 1s, 4s, 9s and 16s.
func WithBackoffUnit(d time.Duration) Option {
	return func(c *config) {
		c.backoffUnit = d
	}
}

// WithMirror sets the fallback used when the engine does not hold a blob.
// Without a mirror such loads wait for the engine to announce an arrival.
func WithMirror(m engine.Mirror) Option {
	return func(c *config) {
		c.mirror = m
	}
}

// WithArrivals subscribes the loader to the engine's arrival notifications.
func WithArrivals(a engine.Arrivals) Option {
	return func(c *config) {
		c.arrivals = a
	}
}

// WithLogger sets a logger for the loader.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics sets the Prometheus collectors the loader reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithClock overrides the time source used for cache access times and load
// durations.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.clock = now
		}
	}
}
