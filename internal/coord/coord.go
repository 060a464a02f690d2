// Package coord deduplicates concurrent blob requests and fans results out to
// every waiter.
//
// A Group exists for each identifier with at least one outstanding waiter. The
// caller that creates a group is told so and is responsible for starting the
// load; every later caller only registers a sink. All bookkeeping happens under
// a single mutex and sinks are invoked after their group has been removed, so a
// waiter is delivered at most once.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/blobcache/internal/retry"
	"github.com/meigma/blobcache/ref"
)

// Token identifies a single waiter.
type Token = uuid.UUID

// Result is the outcome of a load delivered to a waiter.
type Result[V any] struct {
	ID    ref.ID
	Value V
	Err   error
}

// Sink receives a result. It is called at most once.
type Sink[V any] func(Result[V])

// Group is the set of waiters for one identifier together with the state of
// the load serving them.
type Group[V any] struct {
	id      ref.ID
	gen     uint64
	waiters map[Token]Sink[V]
	ctx     context.Context
	cancel  context.CancelFunc
	nudge   chan struct{}
	owner   *Coordinator[V]
}

// ID returns the identifier the group is loading.
func (g *Group[V]) ID() ref.ID {
	return g.id
}

// Generation distinguishes successive groups for the same identifier.
func (g *Group[V]) Generation() uint64 {
	return g.gen
}

// Context is cancelled when the group is destroyed, either because every
// waiter cancelled or because a result was delivered.
func (g *Group[V]) Context() context.Context {
	return g.ctx
}

// Nudges receives a value when the load should re-run immediately.
func (g *Group[V]) Nudges() <-chan struct{} {
	return g.nudge
}

// Live reports whether g is still the pending group for its identifier.
func (g *Group[V]) Live() bool {
	c := g.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[g.id] == g
}

// RecordAttempt counts a failed attempt and returns the new count. It is a
// no-op once the group has been destroyed.
func (g *Group[V]) RecordAttempt() int {
	c := g.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups[g.id] != g {
		return c.retry.Attempts(g.id)
	}
	return c.retry.RecordAttempt(g.id)
}

// ShouldRetry reports whether the group has attempts left.
func (g *Group[V]) ShouldRetry() bool {
	return g.owner.retry.ShouldRetry(g.id)
}

// Attempts returns the number of failed attempts recorded for the group.
func (g *Group[V]) Attempts() int {
	return g.owner.retry.Attempts(g.id)
}

// Delay returns the backoff before the next attempt.
func (g *Group[V]) Delay(unit time.Duration) time.Duration {
	return g.owner.retry.Delay(g.id, unit)
}

// Coordinator owns every pending group.
type Coordinator[V any] struct {
	mu     sync.Mutex
	base   context.Context
	groups map[ref.ID]*Group[V]
	retry  *retry.Policy[ref.ID]
	gen    uint64
}

// New creates a Coordinator. Group contexts derive from base; limit is the
// retry ceiling per identifier.
func New[V any](base context.Context, limit int) *Coordinator[V] {
	if base == nil {
		base = context.Background()
	}
	return &Coordinator[V]{
		base:   base,
		groups: make(map[ref.ID]*Group[V]),
		retry:  retry.New[ref.ID](limit),
	}
}

// RetryLimit returns the attempt ceiling applied to each group.
func (c *Coordinator[V]) RetryLimit() int {
	return c.retry.Limit()
}

// Request registers sink under token for id. The boolean result reports
// whether this call created the group, in which case the caller must start
// the load exactly once.
func (c *Coordinator[V]) Request(id ref.ID, token Token, sink Sink[V]) (*Group[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups[id]; ok {
		g.waiters[token] = sink
		return g, false
	}

	c.gen++
	ctx, cancel := context.WithCancel(c.base)
	g := &Group[V]{
		id:      id,
		gen:     c.gen,
		waiters: map[Token]Sink[V]{token: sink},
		ctx:     ctx,
		cancel:  cancel,
		nudge:   make(chan struct{}, 1),
		owner:   c,
	}
	c.groups[id] = g
	return g, true
}

// Cancel removes the waiter registered under token for id. When it was the
// last waiter the group is destroyed and its in-flight work cancelled.
// Cancelling an unknown or already delivered token is a no-op.
func (c *Coordinator[V]) Cancel(token Token, id ref.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		return false
	}
	if _, ok := g.waiters[token]; !ok {
		return false
	}
	delete(g.waiters, token)
	if len(g.waiters) == 0 {
		c.destroyLocked(g)
	}
	return true
}

// Resolve delivers result to every waiter for id and destroys the group.
// It returns the number of waiters delivered; zero when no group exists.
func (c *Coordinator[V]) Resolve(id ref.ID, result Result[V]) int {
	c.mu.Lock()
	g, ok := c.groups[id]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	sinks := c.destroyLocked(g)
	c.mu.Unlock()

	return fanOut(sinks, result)
}

// Deliver is Resolve restricted to g: if g is no longer the pending group for
// its identifier the result is dropped.
func (c *Coordinator[V]) Deliver(g *Group[V], result Result[V]) int {
	return c.Commit(g, result, nil)
}

// Commit is Deliver with a side effect. commit runs under the coordinator
// lock only while g is still current, so an Abort or AbortAll that returned
// before Commit was called is guaranteed to have suppressed it. commit must
// not call back into the coordinator.
func (c *Coordinator[V]) Commit(g *Group[V], result Result[V], commit func()) int {
	c.mu.Lock()
	if c.groups[g.id] != g {
		c.mu.Unlock()
		return 0
	}
	if commit != nil {
		commit()
	}
	sinks := c.destroyLocked(g)
	c.mu.Unlock()

	return fanOut(sinks, result)
}

// Abort resolves the group for id with err.
func (c *Coordinator[V]) Abort(id ref.ID, err error) int {
	return c.Resolve(id, Result[V]{ID: id, Err: err})
}

// AbortAll resolves every pending group with err.
func (c *Coordinator[V]) AbortAll(err error) int {
	c.mu.Lock()
	type pending struct {
		id    ref.ID
		sinks []Sink[V]
	}
	all := make([]pending, 0, len(c.groups))
	for _, g := range c.groups {
		all = append(all, pending{id: g.id, sinks: c.destroyLocked(g)})
	}
	c.mu.Unlock()

	n := 0
	for _, p := range all {
		n += fanOut(p.sinks, Result[V]{ID: p.id, Err: err})
	}
	return n
}

// Nudge wakes the load for id so it re-runs without waiting for its backoff.
// It reports whether a group exists.
func (c *Coordinator[V]) Nudge(id ref.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		return false
	}
	select {
	case g.nudge <- struct{}{}:
	default:
	}
	return true
}

// PendingCount returns the number of identifiers with a pending group.
func (c *Coordinator[V]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// PendingCountFor returns the number of waiters registered for id.
func (c *Coordinator[V]) PendingCountFor(id ref.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[id]; ok {
		return len(g.waiters)
	}
	return 0
}

// WaiterCount returns the number of waiters across all groups. A value larger
// than PendingCount means several callers share a load.
func (c *Coordinator[V]) WaiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, g := range c.groups {
		n += len(g.waiters)
	}
	return n
}

func (c *Coordinator[V]) destroyLocked(g *Group[V]) []Sink[V] {
	delete(c.groups, g.id)
	c.retry.Reset(g.id)
	g.cancel()

	sinks := make([]Sink[V], 0, len(g.waiters))
	for _, s := range g.waiters {
		sinks = append(sinks, s)
	}
	g.waiters = nil
	return sinks
}

func fanOut[V any](sinks []Sink[V], result Result[V]) int {
	for _, s := range sinks {
		if s != nil {
			s(result)
		}
	}
	return len(sinks)
}
