package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/ref"
)

// ErrMirrorMiss is returned by Mirror for identifiers it does not hold.
var ErrMirrorMiss = errors.New("mirror miss")

// Mirror is an in-memory engine.Mirror.
type Mirror struct {
	mu    sync.Mutex
	blobs map[ref.ID][]byte
	errs  map[ref.ID]error
	calls counter
	hold  gate
}

var _ engine.Mirror = (*Mirror)(nil)

// NewMirror returns an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{
		blobs: make(map[ref.ID][]byte),
		errs:  make(map[ref.ID]error),
		calls: make(counter),
	}
}

// Put makes the mirror serve data for id. data need not match id.
func (m *Mirror) Put(id ref.ID, data []byte) {
	m.mu.Lock()
	m.blobs[id] = slices.Clone(data)
	m.mu.Unlock()
}

// Fail makes fetches of id return err.
func (m *Mirror) Fail(id ref.ID, err error) {
	m.mu.Lock()
	m.errs[id] = err
	m.mu.Unlock()
}

// Hold blocks fetches until the returned function is called.
func (m *Mirror) Hold() (release func()) {
	return m.hold.close()
}

// Fetch implements engine.Mirror.
func (m *Mirror) Fetch(ctx context.Context, id ref.ID) ([]byte, error) {
	m.mu.Lock()
	m.calls[id]++
	m.mu.Unlock()

	if err := m.hold.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	data, ok := m.blobs[id]
	if !ok {
		return nil, ErrMirrorMiss
	}
	return slices.Clone(data), nil
}

// Calls returns how often id was fetched.
func (m *Mirror) Calls(id ref.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls.get(id)
}
