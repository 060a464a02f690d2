package blobcache

import (
	"errors"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/ref"
)

// Errors re-exported from ref and engine.
var (
	// ErrInvalidIdentifier is returned when an identifier is not a well formed
	// blob reference. No I/O is attempted for such identifiers.
	ErrInvalidIdentifier = ref.ErrInvalid

	// ErrDigestMismatch is returned when content does not hash to its identifier.
	ErrDigestMismatch = ref.ErrDigestMismatch

	// ErrNotAvailable is reported by the engine when a blob is not stored
	// locally. It triggers the mirror fallback and is never counted as a
	// failed attempt.
	ErrNotAvailable = engine.ErrNotAvailable

	// ErrRestoring is delivered when the engine is resynchronising. It is
	// terminal for the current request.
	ErrRestoring = engine.ErrRestoring
)

// Load errors delivered to waiters.
var (
	// ErrFetchFailed is delivered after the retry limit of transient engine
	// failures is exhausted.
	ErrFetchFailed = errors.New("blob fetch failed")

	// ErrUnsupportedFormat is delivered when the decoder rejects the bytes.
	// It is never retried.
	ErrUnsupportedFormat = errors.New("unsupported blob format")

	// ErrMirrorFailed is delivered when the mirror fallback did not produce
	// the blob. No further retries follow.
	ErrMirrorFailed = errors.New("mirror fetch failed")

	// ErrInvalidated is delivered to waiters whose load was aborted by
	// Invalidate or InvalidateID.
	ErrInvalidated = errors.New("blob load invalidated")

	// ErrClosed is delivered once the loader has been closed.
	ErrClosed = errors.New("loader closed")
)
