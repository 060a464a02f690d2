// Package testutil provides in-memory engines and mirrors for tests.
package testutil

import (
	"context"
	"sync"

	"github.com/meigma/blobcache/ref"
)

// Blob returns content together with its identifier.
func Blob(content string) (ref.ID, []byte) {
	data := []byte(content)
	return ref.FromContent(data), data
}

// gate blocks callers until it is opened.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *gate) close() func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.ch = ch
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type counter map[ref.ID]int

func (c counter) get(id ref.ID) int {
	return c[id]
}
