package coord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobcache/ref"
)

var testID = ref.FromContent([]byte("coord"))

type recorder struct {
	mu      sync.Mutex
	results []Result[string]
}

func (r *recorder) sink() Sink[string] {
	return func(res Result[string]) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.results = append(r.results, res)
	}
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func TestRequestFirstRequester(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a, b recorder

	g1, first := c.Request(testID, uuid.New(), a.sink())
	require.True(t, first)
	g2, first := c.Request(testID, uuid.New(), b.sink())
	require.False(t, first)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, c.PendingCount())
	assert.Equal(t, 2, c.PendingCountFor(testID))
	assert.Equal(t, 2, c.WaiterCount())
}

func TestConcurrentRequestsHaveOneFirst(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var firsts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, first := c.Request(testID, uuid.New(), func(Result[string]) {}); first {
				firsts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
	assert.Equal(t, 50, c.PendingCountFor(testID))
}

func TestResolveFansOutOnce(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a, b recorder
	g, _ := c.Request(testID, uuid.New(), a.sink())
	c.Request(testID, uuid.New(), b.sink())

	n := c.Resolve(testID, Result[string]{ID: testID, Value: "v"})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
	assert.Equal(t, "v", a.results[0].Value)
	assert.Equal(t, 0, c.PendingCount())
	assert.ErrorIs(t, g.Context().Err(), context.Canceled)

	// A second resolve is a no-op.
	assert.Equal(t, 0, c.Resolve(testID, Result[string]{ID: testID, Value: "again"}))
	assert.Equal(t, 1, a.len())
}

func TestCancelIsolation(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a, b recorder
	tokenA := uuid.New()
	g, _ := c.Request(testID, tokenA, a.sink())
	c.Request(testID, uuid.New(), b.sink())

	require.True(t, c.Cancel(tokenA, testID))
	assert.NoError(t, g.Context().Err(), "group must survive while a waiter remains")

	c.Resolve(testID, Result[string]{ID: testID, Value: "v"})
	assert.Equal(t, 0, a.len())
	assert.Equal(t, 1, b.len())
}

func TestCancelLastWaiterDestroysGroup(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a recorder
	token := uuid.New()
	g, _ := c.Request(testID, token, a.sink())
	g.RecordAttempt()

	require.True(t, c.Cancel(token, testID))
	assert.ErrorIs(t, g.Context().Err(), context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, 0, g.Attempts())
	assert.False(t, g.Live())

	// Cancelling again, or after delivery, is a no-op.
	assert.False(t, c.Cancel(token, testID))
	assert.Equal(t, 0, a.len())
}

func TestDeliverIgnoresStaleGroup(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a, b recorder
	tokenA := uuid.New()
	old, _ := c.Request(testID, tokenA, a.sink())
	c.Cancel(tokenA, testID)

	current, first := c.Request(testID, uuid.New(), b.sink())
	require.True(t, first)
	assert.NotEqual(t, old.Generation(), current.Generation())

	assert.Equal(t, 0, c.Deliver(old, Result[string]{ID: testID, Value: "stale"}))
	assert.Equal(t, 0, b.len())

	assert.Equal(t, 1, c.Deliver(current, Result[string]{ID: testID, Value: "fresh"}))
	assert.Equal(t, "fresh", b.results[0].Value)
}

func TestCommitSkippedAfterAbort(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a recorder
	g, _ := c.Request(testID, uuid.New(), a.sink())
	c.AbortAll(errors.New("invalidated"))

	committed := false
	n := c.Commit(g, Result[string]{ID: testID, Value: "late"}, func() { committed = true })
	assert.Equal(t, 0, n)
	assert.False(t, committed, "side effect must not run for an aborted group")
	assert.Equal(t, 1, a.len())

	var b recorder
	g, _ = c.Request(testID, uuid.New(), b.sink())
	n = c.Commit(g, Result[string]{ID: testID, Value: "fresh"}, func() {
		committed = true
		assert.Equal(t, 0, b.len(), "commit runs before waiters are notified")
	})
	assert.Equal(t, 1, n)
	assert.True(t, committed)
	assert.Equal(t, "fresh", b.results[0].Value)
}

func TestAbortAll(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	var a, b recorder
	other := ref.FromContent([]byte("other"))
	c.Request(testID, uuid.New(), a.sink())
	c.Request(other, uuid.New(), b.sink())

	errBoom := errors.New("boom")
	assert.Equal(t, 2, c.AbortAll(errBoom))
	assert.ErrorIs(t, a.results[0].Err, errBoom)
	assert.Equal(t, other, b.results[0].ID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestNudge(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 5)
	assert.False(t, c.Nudge(testID))

	g, _ := c.Request(testID, uuid.New(), func(Result[string]) {})
	assert.True(t, c.Nudge(testID))
	assert.True(t, c.Nudge(testID), "nudges coalesce without blocking")

	select {
	case <-g.Nudges():
	case <-time.After(time.Second):
		t.Fatal("expected nudge")
	}
	select {
	case <-g.Nudges():
		t.Fatal("nudges should coalesce")
	default:
	}
}

func TestGroupRetryState(t *testing.T) {
	t.Parallel()

	c := New[string](context.Background(), 2)
	g, _ := c.Request(testID, uuid.New(), func(Result[string]) {})

	assert.True(t, g.ShouldRetry())
	assert.Equal(t, 1, g.RecordAttempt())
	assert.Equal(t, time.Millisecond, g.Delay(time.Millisecond))
	assert.Equal(t, 2, g.RecordAttempt())
	assert.False(t, g.ShouldRetry())
	assert.Equal(t, 2, c.RetryLimit())
}

func TestBaseContextCancelsGroups(t *testing.T) {
	t.Parallel()

	base, cancel := context.WithCancel(context.Background())
	c := New[string](base, 5)
	g, _ := c.Request(testID, uuid.New(), func(Result[string]) {})
	cancel()
	assert.ErrorIs(t, g.Context().Err(), context.Canceled)
}
