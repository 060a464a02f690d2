// Package blobcache loads content-addressed blobs for a peer-to-peer client.
//
// A [Loader] turns a blob identifier into a decoded value. It first consults a
// byte-budgeted in-memory cache. On a miss it asks the local replication
// [engine.Engine] for the bytes, retrying transient failures with quadratic
// backoff, and falls back to an optional [engine.Mirror] when the engine does
// not hold the blob yet. Concurrent requests for the same identifier share a
// single load and every caller receives the same result exactly once.
//
// # Quick Start
//
//	repo, err := disk.New("/var/lib/ssb")
//	if err != nil {
//	    return err
//	}
//	mirror, err := blobhttp.NewMirror("https://blobs.example.com")
//	if err != nil {
//	    return err
//	}
//	loader, err := blobcache.New(repo, decode.Bytes,
//	    blobcache.WithMirror(mirror),
//	    blobcache.WithArrivals(repo),
//	)
//	if err != nil {
//	    return err
//	}
//	defer loader.Close()
//
//	data, err := loader.Get(ctx, id)
//
// # Callbacks and cancellation
//
// [Loader.Load] is the callback form used by views that come and go. It
// returns a token that forgets the callback without affecting other callers
// waiting on the same blob:
//
//	token := loader.Load(id, func(r blobcache.Result[[]byte]) {
//	    if r.Err != nil {
//	        showPlaceholder()
//	        return
//	    }
//	    show(r.Value)
//	})
//	...
//	loader.Cancel(token, id)
//
// The underlying fetch is only abandoned once every waiter for the identifier
// has cancelled.
//
// # Arrivals
//
// When the engine obtains a missing blob on its own it publishes the
// identifier through [engine.Arrivals]. A pending load for that identifier
// re-runs immediately instead of waiting out its backoff.
package blobcache
