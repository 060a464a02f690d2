package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/events"
	"github.com/meigma/blobcache/ref"
)

// Engine is a scriptable in-memory engine.Engine that also satisfies
// engine.Arrivals.
//
// Fetch first consumes errors queued with Script for the identifier; a nil
// entry falls through to the stored blobs. Without a queued error Fetch
// returns the stored bytes, or engine.ErrNotAvailable.
type Engine struct {
	mu        sync.Mutex
	blobs     map[ref.ID][]byte
	script    map[ref.ID][]error
	fetches   counter
	fetchedAt map[ref.ID][]time.Time
	wants     counter
	stores    counter
	restoring bool
	storeErr  error

	hold     gate
	arrivals events.Bus
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Arrivals = (*Engine)(nil)
)

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		blobs:     make(map[ref.ID][]byte),
		script:    make(map[ref.ID][]error),
		fetches:   make(counter),
		fetchedAt: make(map[ref.ID][]time.Time),
		wants:     make(counter),
		stores:    make(counter),
	}
}

// Put stores data without announcing it.
func (e *Engine) Put(id ref.ID, data []byte) {
	e.mu.Lock()
	e.blobs[id] = slices.Clone(data)
	e.mu.Unlock()
}

// Arrive stores data and announces it to subscribers.
func (e *Engine) Arrive(id ref.ID, data []byte) {
	e.Put(id, data)
	e.arrivals.Publish(id)
}

// Announce publishes id without storing anything.
func (e *Engine) Announce(id ref.ID) {
	e.arrivals.Publish(id)
}

// Script queues errors returned by the next fetches of id.
func (e *Engine) Script(id ref.ID, errs ...error) {
	e.mu.Lock()
	e.script[id] = append(e.script[id], errs...)
	e.mu.Unlock()
}

// SetRestoring makes every fetch fail with engine.ErrRestoring.
func (e *Engine) SetRestoring(restoring bool) {
	e.mu.Lock()
	e.restoring = restoring
	e.mu.Unlock()
}

// FailStores makes Store return err.
func (e *Engine) FailStores(err error) {
	e.mu.Lock()
	e.storeErr = err
	e.mu.Unlock()
}

// Hold blocks fetches until the returned function is called.
func (e *Engine) Hold() (release func()) {
	return e.hold.close()
}

// Fetch implements engine.Engine.
func (e *Engine) Fetch(ctx context.Context, id ref.ID) ([]byte, error) {
	e.mu.Lock()
	e.fetches[id]++
	e.fetchedAt[id] = append(e.fetchedAt[id], time.Now())
	e.mu.Unlock()

	if err := e.hold.wait(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if queued := e.script[id]; len(queued) > 0 {
		err := queued[0]
		e.script[id] = queued[1:]
		if err != nil {
			return nil, err
		}
	}
	if e.restoring {
		return nil, engine.ErrRestoring
	}
	data, ok := e.blobs[id]
	if !ok {
		return nil, engine.ErrNotAvailable
	}
	return slices.Clone(data), nil
}

// Want implements engine.Engine.
func (e *Engine) Want(_ context.Context, id ref.ID) error {
	e.mu.Lock()
	e.wants[id]++
	e.mu.Unlock()
	return nil
}

// Store implements engine.Engine.
func (e *Engine) Store(_ context.Context, id ref.ID, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stores[id]++
	if e.storeErr != nil {
		return e.storeErr
	}
	e.blobs[id] = slices.Clone(data)
	return nil
}

// Subscribe implements engine.Arrivals.
func (e *Engine) Subscribe(fn func(ref.ID)) func() {
	return e.arrivals.Subscribe(fn)
}

// Subscribers returns the number of arrival subscriptions.
func (e *Engine) Subscribers() int {
	return e.arrivals.Len()
}

// Stored returns the bytes held for id.
func (e *Engine) Stored(id ref.ID) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.blobs[id]
	return data, ok
}

// Fetches returns how often id was fetched.
func (e *Engine) Fetches(id ref.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetches.get(id)
}

// FetchTimes returns when each fetch of id started.
func (e *Engine) FetchTimes(id ref.ID) []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.fetchedAt[id])
}

// Wants returns how often id was wanted.
func (e *Engine) Wants(id ref.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wants.get(id)
}

// Stores returns how often id was stored.
func (e *Engine) Stores(id ref.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stores.get(id)
}
