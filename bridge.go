package blobcache

import (
	"log/slog"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/internal/coord"
	"github.com/meigma/blobcache/ref"
)

// bridge turns engine arrival notifications into nudges for pending loads.
// Arrivals for identifiers nobody is waiting on are ignored.
type bridge struct {
	unsubscribe func()
}

func newBridge[V any](src engine.Arrivals, c *coord.Coordinator[V], logger *slog.Logger) *bridge {
	unsub := src.Subscribe(func(id ref.ID) {
		if c.Nudge(id) {
			logger.Debug("blob arrived for pending load", "id", id)
		}
	})
	return &bridge{unsubscribe: unsub}
}

func (b *bridge) close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}
