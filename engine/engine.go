// Package engine defines the contracts the loader consumes from the
// peer-to-peer storage engine and from cloud mirrors.
package engine

import (
	"context"
	"errors"

	"github.com/meigma/blobcache/ref"
)

var (
	// ErrNotAvailable is returned by Engine.Fetch when the blob is not stored
	// locally yet. It is an expected condition for content that has not been
	// replicated and is never counted as a failed attempt.
	ErrNotAvailable = errors.New("blob not available locally")

	// ErrRestoring is returned by Engine.Fetch while the engine is
	// resynchronising its store and must not be disturbed.
	ErrRestoring = errors.New("engine is restoring")
)

// Engine is the local storage and replication engine.
//
// Fetch returns the stored bytes for id, ErrNotAvailable if the engine does
// not hold the blob, ErrRestoring if it is mid-resync, or any other error for
// a transient failure. Want asks the engine to replicate id from the network;
// it is a hint and its error is informational. Store saves bytes obtained
// elsewhere so that later Fetch calls hit locally.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	Fetch(ctx context.Context, id ref.ID) ([]byte, error)
	Want(ctx context.Context, id ref.ID) error
	Store(ctx context.Context, id ref.ID, data []byte) error
}

// Arrivals is a stream of identifiers the engine obtained asynchronously.
type Arrivals interface {
	// Subscribe registers fn to be called for every arrival. The returned
	// function removes the registration.
	Subscribe(fn func(ref.ID)) (unsubscribe func())
}

// Mirror fetches blobs from a secondary, non peer-to-peer source.
type Mirror interface {
	Fetch(ctx context.Context, id ref.ID) ([]byte, error)
}

// MirrorFunc adapts a function to the Mirror interface.
type MirrorFunc func(ctx context.Context, id ref.ID) ([]byte, error)

// Fetch calls f.
func (f MirrorFunc) Fetch(ctx context.Context, id ref.ID) ([]byte, error) {
	return f(ctx, id)
}
