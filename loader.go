package blobcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/blobcache/cache"
	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/internal/coord"
	"github.com/meigma/blobcache/metrics"
	"github.com/meigma/blobcache/ref"
)

// Token identifies a pending Load callback. The zero token is returned when
// the callback already ran.
type Token = coord.Token

// Result is delivered to Load callbacks.
type Result[V any] = coord.Result[V]

// Decoder validates raw blob bytes and turns them into a value. The returned
// size is the number of bytes the value is accounted for in the memory cache.
// A decoder error is delivered as ErrUnsupportedFormat and never retried.
type Decoder[V any] func(id ref.ID, data []byte) (value V, size int64, err error)

// Loader is the public surface of the blob loading subsystem. It owns no
// bookkeeping itself: values live in the memory cache and pending requests in
// the coordinator.
type Loader[V any] struct {
	engine  engine.Engine
	decode  Decoder[V]
	mirror  engine.Mirror
	cache   *cache.Cache[ref.ID, V]
	coord   *coord.Coordinator[V]
	bridge  *bridge
	unit    time.Duration
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex // guards closed and wg.Add against Close
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Loader over eng. decode turns fetched bytes into values.
func New[V any](eng engine.Engine, decode Decoder[V], opts ...Option) (*Loader[V], error) {
	if eng == nil {
		return nil, errors.New("engine is nil")
	}
	if decode == nil {
		return nil, errors.New("decoder is nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.retryLimit < 1 {
		return nil, errors.New("retry limit must be >= 1")
	}
	if cfg.backoffUnit < 0 {
		return nil, errors.New("backoff unit must be >= 0")
	}

	l := &Loader[V]{
		engine:  eng,
		decode:  decode,
		mirror:  cfg.mirror,
		unit:    cfg.backoffUnit,
		clock:   cfg.clock,
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}

	c, err := cache.New[ref.ID, V](
		cache.WithMaxBytes(cfg.maxBytes),
		cache.WithMinBytes(cfg.minBytes),
		cache.WithClock(cfg.clock),
		cache.WithPurgeHook(l.purged),
	)
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	l.cache = c

	base, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.coord = coord.New[V](base, cfg.retryLimit)
	if cfg.arrivals != nil {
		l.bridge = newBridge(cfg.arrivals, l.coord, l.log())
	}
	return l, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (l *Loader[V]) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// Cached returns the cached value for id without loading it.
func (l *Loader[V]) Cached(id ref.ID) (V, bool) {
	return l.cache.Get(id)
}

// Load delivers the value for id to completion exactly once, unless the
// returned token is cancelled first.
//
// Cache hits complete synchronously and return the zero token; so do requests
// rejected up front. Otherwise completion is called from a loader goroutine
// once the blob has been loaded or has failed for good.
func (l *Loader[V]) Load(id ref.ID, completion func(Result[V])) Token {
	if l.isClosed() {
		completion(Result[V]{ID: id, Err: ErrClosed})
		return uuid.Nil
	}
	if err := id.Validate(); err != nil {
		completion(Result[V]{ID: id, Err: err})
		return uuid.Nil
	}
	if v, ok := l.cache.Get(id); ok {
		l.metrics.CacheHit()
		completion(Result[V]{ID: id, Value: v})
		return uuid.Nil
	}
	l.metrics.CacheMiss()

	token := uuid.New()
	start := l.clock()
	sink := func(r Result[V]) {
		l.metrics.ObserveLoad(outcome(r.Err), l.clock().Sub(start))
		completion(r)
	}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		completion(Result[V]{ID: id, Err: ErrClosed})
		return uuid.Nil
	}
	g, first := l.coord.Request(id, token, sink)
	if first {
		l.wg.Add(1)
	}
	l.mu.RUnlock()

	if first {
		l.log().Debug("starting load", "id", id, "generation", g.Generation())
		go l.run(g)
	}
	l.metrics.SetPending(l.coord.PendingCount())
	return token
}

// Get loads id and waits for the result. If ctx ends first the request is
// cancelled and ctx.Err() returned.
func (l *Loader[V]) Get(ctx context.Context, id ref.ID) (V, error) {
	ch := make(chan Result[V], 1)
	token := l.Load(id, func(r Result[V]) { ch <- r })

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		l.Cancel(token, id)
		select {
		case r := <-ch:
			return r.Value, r.Err
		default:
		}
		var zero V
		return zero, ctx.Err()
	}
}

// Cancel forgets the callback registered under token. Other callers waiting on
// id are unaffected; the fetch itself stops once no caller is left. It reports
// whether a pending callback was removed.
func (l *Loader[V]) Cancel(token Token, id ref.ID) bool {
	if token == uuid.Nil {
		return false
	}
	ok := l.coord.Cancel(token, id)
	if ok {
		l.metrics.SetPending(l.coord.PendingCount())
	}
	return ok
}

// Invalidate aborts every pending load with ErrInvalidated and empties the
// memory cache. No aborted load can repopulate the cache afterwards.
func (l *Loader[V]) Invalidate() {
	aborted := l.coord.AbortAll(ErrInvalidated)
	stats := l.cache.InvalidateAll()
	l.metrics.SetCacheBytes(0)
	l.metrics.SetPending(l.coord.PendingCount())
	l.log().Info("invalidated blob cache",
		"entries", stats.FromCount,
		"bytes", stats.FromBytes,
		"aborted_waiters", aborted,
	)
}

// InvalidateID removes id from the memory cache and aborts its pending load.
func (l *Loader[V]) InvalidateID(id ref.ID) {
	l.coord.Abort(id, ErrInvalidated)
	l.cache.Remove(id)
	l.metrics.SetCacheBytes(l.cache.Bytes())
	l.metrics.SetPending(l.coord.PendingCount())
}

// Store saves data for id in the engine and the memory cache. data must hash
// to id. A pending load for id is woken so it picks the blob up.
func (l *Loader[V]) Store(ctx context.Context, id ref.ID, data []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if !id.Verify(data) {
		return fmt.Errorf("store %s: %w", id, ErrDigestMismatch)
	}
	v, size, err := l.decode(id, data)
	if err != nil {
		return fmt.Errorf("store %s: %w: %w", id, ErrUnsupportedFormat, err)
	}
	if err := l.engine.Store(ctx, id, data); err != nil {
		return fmt.Errorf("store %s: %w", id, err)
	}
	l.cache.Set(id, v, size)
	l.metrics.SetCacheBytes(l.cache.Bytes())
	l.coord.Nudge(id)
	return nil
}

// Pending returns the number of identifiers with a load in flight.
func (l *Loader[V]) Pending() int {
	return l.coord.PendingCount()
}

// PendingFor returns the number of callbacks waiting on id.
func (l *Loader[V]) PendingFor(id ref.ID) int {
	return l.coord.PendingCountFor(id)
}

// Waiters returns the number of callbacks waiting across all identifiers.
func (l *Loader[V]) Waiters() int {
	return l.coord.WaiterCount()
}

// CacheStats returns a snapshot of the memory cache counters.
func (l *Loader[V]) CacheStats() cache.Stats {
	return l.cache.Stats()
}

// Close stops the arrival subscription, aborts pending loads with ErrClosed
// and waits for load goroutines to exit. Close is idempotent.
func (l *Loader[V]) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.bridge != nil {
		l.bridge.close()
	}
	l.coord.AbortAll(ErrClosed)
	l.cancel()
	l.wg.Wait()
	l.metrics.SetPending(0)
	return nil
}

func (l *Loader[V]) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *Loader[V]) purged(stats cache.PurgeStats) {
	l.metrics.AddEvictions(stats.Evicted())
	l.log().Info("purged blob cache",
		"from_count", stats.FromCount,
		"from_bytes", stats.FromBytes,
		"to_count", stats.ToCount,
		"to_bytes", stats.ToBytes,
	)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrUnsupportedFormat):
		return metrics.OutcomeUnsupported
	case errors.Is(err, ErrRestoring):
		return metrics.OutcomeRestoring
	case errors.Is(err, ErrInvalidated), errors.Is(err, ErrClosed):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
