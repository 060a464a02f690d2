package blobcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobcache "github.com/meigma/blobcache"
	"github.com/meigma/blobcache/decode"
	fake "github.com/meigma/blobcache/internal/testutil"
)

func TestMirrorFallbackAfterRepeatedMisses(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	mirror := fake.NewMirror()
	id, data := fake.Blob("from the cloud")
	mirror.Put(id, data)
	release := mirror.Hold()
	t.Cleanup(release)

	l := newLoader(t, eng, blobcache.WithMirror(mirror), blobcache.WithArrivals(eng))

	var c collector
	l.Load(id, c.sink)
	require.Eventually(t, func() bool { return mirror.Calls(id) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, eng.Fetches(id))

	// Unrelated arrivals for id wake the load while the mirror is busy; the
	// engine still does not hold the blob.
	for want := 2; want <= 3; want++ {
		eng.Announce(id)
		require.Eventually(t, func() bool { return eng.Fetches(id) == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, 1, mirror.Calls(id), "mirror is tried once per load")
	assert.GreaterOrEqual(t, eng.Wants(id), 1)

	release()
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	r := c.all()[0]
	require.NoError(t, r.Err)
	assert.Equal(t, data, r.Value)

	cached, ok := l.Cached(id)
	require.True(t, ok)
	assert.Equal(t, data, cached)

	stored, ok := eng.Stored(id)
	require.True(t, ok, "mirrored bytes are handed to the engine")
	assert.Equal(t, data, stored)
}

func TestMirrorFailure(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	mirror := fake.NewMirror()
	id, _ := fake.Blob("missing everywhere")
	mirrorErr := errors.New("503 service unavailable")
	mirror.Fail(id, mirrorErr)
	l := newLoader(t, eng, blobcache.WithMirror(mirror))

	_, err := l.Get(context.Background(), id)
	require.ErrorIs(t, err, blobcache.ErrMirrorFailed)
	require.ErrorIs(t, err, mirrorErr)
	assert.Equal(t, 1, mirror.Calls(id))
	assert.Equal(t, 0, l.Pending())
}

func TestMirrorContentMismatch(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	mirror := fake.NewMirror()
	id, _ := fake.Blob("expected")
	mirror.Put(id, []byte("something else"))
	l := newLoader(t, eng, blobcache.WithMirror(mirror))

	_, err := l.Get(context.Background(), id)
	require.ErrorIs(t, err, blobcache.ErrMirrorFailed)
	require.ErrorIs(t, err, blobcache.ErrDigestMismatch)
	_, ok := eng.Stored(id)
	assert.False(t, ok, "mismatched content must not reach the engine")
}

func TestMirrorStoreFailureStillDelivers(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	eng.FailStores(errors.New("read-only"))
	mirror := fake.NewMirror()
	id, data := fake.Blob("delivered anyway")
	mirror.Put(id, data)
	l := newLoader(t, eng, blobcache.WithMirror(mirror))

	got, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, eng.Stores(id))
}

func TestLocalHitWinsOverMirror(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	mirror := fake.NewMirror()
	id, data := fake.Blob("replicated first")
	mirror.Put(id, data)
	release := mirror.Hold()
	t.Cleanup(release)
	l := newLoader(t, eng, blobcache.WithMirror(mirror), blobcache.WithArrivals(eng))

	var c collector
	l.Load(id, c.sink)
	require.Eventually(t, func() bool { return mirror.Calls(id) == 1 }, time.Second, time.Millisecond)

	eng.Arrive(id, data)
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.all()[0].Err)
	assert.Equal(t, 0, eng.Stores(id), "the mirror result is never used")
}

func TestNotAvailableWithoutMirrorWaitsForArrival(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	id, data := fake.Blob("eventually replicated")
	l := newLoader(t, eng, blobcache.WithArrivals(eng))

	var c collector
	l.Load(id, c.sink)
	require.Eventually(t, func() bool { return eng.Wants(id) == 1 }, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, c.len())
	assert.Equal(t, 1, eng.Fetches(id), "not available is not retried on a timer")

	eng.Arrive(id, data)
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.all()[0].Err)
	assert.Equal(t, data, c.all()[0].Value)
}

func TestNotAvailableDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	id, data := fake.Blob("patient")
	l := newLoader(t, eng, blobcache.WithArrivals(eng), blobcache.WithRetryLimit(1))

	var c collector
	l.Load(id, c.sink)
	for want := 1; want <= 4; want++ {
		require.Eventually(t, func() bool { return eng.Fetches(id) == want }, time.Second, time.Millisecond)
		if want < 4 {
			eng.Announce(id)
		}
	}
	assert.Equal(t, 0, c.len())

	eng.Arrive(id, data)
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.all()[0].Err)
}

func TestNudgeShortensBackoff(t *testing.T) {
	t.Parallel()

	eng := fake.NewEngine()
	id, data := fake.Blob("nudged")
	eng.Put(id, data)
	eng.Script(id, errors.New("transient"))

	l, err := blobcache.New(eng, decode.Bytes,
		blobcache.WithBackoffUnit(time.Hour),
		blobcache.WithArrivals(eng),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	var c collector
	l.Load(id, c.sink)
	require.Eventually(t, func() bool { return eng.Fetches(id) == 1 }, time.Second, time.Millisecond)

	eng.Announce(id)
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.all()[0].Err)
}

func TestRetryBackoffIsQuadratic(t *testing.T) {
	t.Parallel()

	const unit = 20 * time.Millisecond
	const slack = 250 * time.Millisecond

	eng := fake.NewEngine()
	id, _ := fake.Blob("backoff")
	transient := errors.New("transient")
	eng.Script(id, transient, transient, transient, transient, transient)

	l := newLoader(t, eng, blobcache.WithBackoffUnit(unit))

	_, err := l.Get(context.Background(), id)
	require.ErrorIs(t, err, blobcache.ErrFetchFailed)

	times := eng.FetchTimes(id)
	require.Len(t, times, 5)
	for i := 1; i < len(times); i++ {
		want := time.Duration(i*i) * unit
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, want, "wait before attempt %d", i+1)
		assert.Less(t, gap, want+slack, "wait before attempt %d", i+1)
	}
}
