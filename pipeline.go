package blobcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/internal/coord"
	"github.com/meigma/blobcache/metrics"
	"github.com/meigma/blobcache/ref"
)

type mirrorResult struct {
	data []byte
	err  error
}

// run drives the load for g until a result is delivered or the group is
// cancelled. Exactly one run exists per group, so attempts for an identifier
// are strictly sequential.
func (l *Loader[V]) run(g *coord.Group[V]) {
	defer l.wg.Done()
	defer func() { l.metrics.SetPending(l.coord.PendingCount()) }()

	ctx := g.Context()
	id := g.ID()

	// mirrorCh stays nil until the fallback starts; receiving from a nil
	// channel blocks, which keeps it out of the selects below.
	var mirrorCh chan mirrorResult
	mirrorStarted := false

	for {
		data, err := l.engine.Fetch(ctx, id)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil && len(data) > 0:
			l.metrics.ObserveFetch(metrics.SourceLocal, metrics.OutcomeOK)
			l.complete(g, data)
			return

		case errors.Is(err, engine.ErrNotAvailable):
			l.metrics.ObserveFetch(metrics.SourceLocal, metrics.OutcomeNotAvailable)
			l.log().Debug("blob not available locally", "id", id)
			if werr := l.engine.Want(ctx, id); werr != nil {
				l.log().Debug("replication request failed", "id", id, "error", werr)
			}
			if l.mirror != nil && !mirrorStarted {
				mirrorStarted = true
				mirrorCh = l.startMirror(ctx, id)
			}
			if l.mirror == nil {
				l.log().Debug("waiting for arrival", "id", id)
			}

		case errors.Is(err, engine.ErrRestoring):
			l.metrics.ObserveFetch(metrics.SourceLocal, metrics.OutcomeRestoring)
			l.fail(g, fmt.Errorf("load %s: %w", id, ErrRestoring))
			return

		default:
			l.metrics.ObserveFetch(metrics.SourceLocal, metrics.OutcomeError)
			if err == nil {
				err = errors.New("engine returned no data")
			}
			attempts := g.RecordAttempt()
			if !g.ShouldRetry() {
				l.log().Debug("retry limit reached", "id", id, "attempts", attempts, "error", err)
				l.fail(g, fmt.Errorf("load %s after %d attempts: %w: %w", id, attempts, ErrFetchFailed, err))
				return
			}
			delay := g.Delay(l.unit)
			l.log().Debug("retrying blob fetch", "id", id, "attempts", attempts, "delay", delay, "error", err)
			if !l.wait(g, delay, mirrorCh) {
				return
			}
			continue
		}

		// Not available: wait for an arrival nudge or the mirror.
		if !l.wait(g, -1, mirrorCh) {
			return
		}
	}
}

// wait blocks until the group is nudged, delay elapses (a negative delay never
// elapses) or the mirror reports. It returns false when run should exit, either
// because the group was cancelled or because the mirror outcome was delivered.
func (l *Loader[V]) wait(g *coord.Group[V], delay time.Duration, mirrorCh <-chan mirrorResult) bool {
	var timer <-chan time.Time
	if delay >= 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-g.Context().Done():
		return false
	case <-g.Nudges():
		l.log().Debug("load nudged", "id", g.ID())
		return true
	case <-timer:
		return true
	case res := <-mirrorCh:
		l.finishMirror(g, res)
		return false
	}
}

func (l *Loader[V]) startMirror(ctx context.Context, id ref.ID) chan mirrorResult {
	ch := make(chan mirrorResult, 1)
	l.log().Debug("fetching from mirror", "id", id)
	go func() {
		data, err := l.mirror.Fetch(ctx, id)
		ch <- mirrorResult{data: data, err: err}
	}()
	return ch
}

func (l *Loader[V]) finishMirror(g *coord.Group[V], res mirrorResult) {
	ctx := g.Context()
	id := g.ID()
	if ctx.Err() != nil {
		return
	}

	switch {
	case res.err != nil:
		l.metrics.ObserveFetch(metrics.SourceMirror, metrics.OutcomeError)
		l.log().Warn("mirror fetch failed", "id", id, "error", res.err)
		l.fail(g, fmt.Errorf("load %s: %w: %w", id, ErrMirrorFailed, res.err))
		return
	case len(res.data) == 0:
		l.metrics.ObserveFetch(metrics.SourceMirror, metrics.OutcomeError)
		l.fail(g, fmt.Errorf("load %s: %w: empty body", id, ErrMirrorFailed))
		return
	case !id.Verify(res.data):
		l.metrics.ObserveFetch(metrics.SourceMirror, metrics.OutcomeError)
		l.log().Warn("mirror returned mismatched content", "id", id, "bytes", len(res.data))
		l.fail(g, fmt.Errorf("load %s: %w: %w", id, ErrMirrorFailed, ErrDigestMismatch))
		return
	}

	l.metrics.ObserveFetch(metrics.SourceMirror, metrics.OutcomeOK)
	if err := l.engine.Store(ctx, id, res.data); err != nil {
		l.log().Warn("storing mirrored blob failed", "id", id, "error", err)
	}
	l.complete(g, res.data)
}

// complete decodes data, caches the value and delivers it.
func (l *Loader[V]) complete(g *coord.Group[V], data []byte) {
	id := g.ID()
	v, size, err := l.decode(id, data)
	if err != nil {
		l.log().Debug("decoding blob failed", "id", id, "bytes", len(data), "error", err)
		l.fail(g, fmt.Errorf("load %s: %w: %w", id, ErrUnsupportedFormat, err))
		return
	}
	n := l.coord.Commit(g, Result[V]{ID: id, Value: v}, func() {
		l.cache.Set(id, v, size)
	})
	if n == 0 {
		return
	}
	l.metrics.SetCacheBytes(l.cache.Bytes())
	l.log().Debug("blob loaded", "id", id, "bytes", len(data), "waiters", n)
}

func (l *Loader[V]) fail(g *coord.Group[V], err error) {
	n := l.coord.Deliver(g, Result[V]{ID: g.ID(), Err: err})
	l.log().Debug("blob load failed", "id", g.ID(), "waiters", n, "error", err)
}
