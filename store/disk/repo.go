// Package disk provides a filesystem-backed engine.Engine.
//
// Blobs are stored content-addressed under
//
//	<dir>/blobs/sha256/<hex[:2]>/<hex[2:]>
//
// Writes go through a temporary file and a rename so readers never observe a
// partial blob. Every newly written blob is announced to arrival subscribers,
// which makes a Repo usable both as the engine and as the arrival stream of a
// blobcache.Loader.
package disk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/events"
	"github.com/meigma/blobcache/ref"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Repo is a content-addressed blob repository on the local filesystem.
type Repo struct {
	root     string
	dirPerm  os.FileMode
	filePerm os.FileMode
	level    zstd.EncoderLevel
	compress bool
	logger   *slog.Logger
	now      func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	writes    singleflight.Group
	arrivals  events.Bus
	restoring atomic.Bool

	mu    sync.Mutex
	wants map[ref.ID]struct{}
}

var (
	_ engine.Engine   = (*Repo)(nil)
	_ engine.Arrivals = (*Repo)(nil)
)

// Option configures a Repo.
type Option func(*Repo)

// WithDirPerm sets the permissions used for repository directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(r *Repo) {
		r.dirPerm = mode
	}
}

// WithCompression stores new blobs as zstd frames at the given level.
// Reads transparently handle both compressed and plain files.
func WithCompression(level zstd.EncoderLevel) Option {
	return func(r *Repo) {
		r.compress = true
		r.level = level
	}
}

// WithLogger sets the logger for repository events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repo) {
		r.logger = logger
	}
}

// WithClock overrides the time source used to refresh access times.
func WithClock(now func() time.Time) Option {
	return func(r *Repo) {
		r.now = now
	}
}

// New opens (creating if needed) a repository rooted at dir.
func New(dir string, opts ...Option) (*Repo, error) {
	if dir == "" {
		return nil, errors.New("repository dir is empty")
	}
	r := &Repo{
		root:     filepath.Join(dir, "blobs", "sha256"),
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
		level:    zstd.SpeedDefault,
		now:      time.Now,
		wants:    make(map[ref.ID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(r.root, r.dirPerm); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	r.dec = dec
	if r.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(r.level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		r.enc = enc
	}
	return r, nil
}

// Dir returns the directory holding the sharded blobs.
func (r *Repo) Dir() string {
	return r.root
}

// Fetch returns the stored bytes for id.
//
// A missing blob yields engine.ErrNotAvailable. While the repository is
// marked as restoring every fetch yields engine.ErrRestoring. A stored file
// whose content does not match id is removed and reported as not available.
func (r *Repo) Fetch(ctx context.Context, id ref.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.restoring.Load() {
		return nil, engine.ErrRestoring
	}
	path, err := r.path(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path is derived from the blob hash
	if errors.Is(err, os.ErrNotExist) {
		return nil, engine.ErrNotAvailable
	}
	if err != nil {
		return nil, err
	}

	data, err := r.decode(id, raw)
	if err != nil {
		r.logger.Warn("removing corrupt blob", "id", id, "path", path, "error", err)
		_ = os.Remove(path)
		return nil, engine.ErrNotAvailable
	}

	now := r.now()
	_ = os.Chtimes(path, now, now)
	return data, nil
}

// Has reports whether id is stored.
func (r *Repo) Has(id ref.ID) bool {
	path, err := r.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Want records that id should be obtained. The want is dropped once the blob
// is stored.
func (r *Repo) Want(ctx context.Context, id ref.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return err
	}
	if r.Has(id) {
		return nil
	}
	r.mu.Lock()
	r.wants[id] = struct{}{}
	r.mu.Unlock()
	r.logger.Debug("blob wanted", "id", id)
	return nil
}

// Wants returns the outstanding wants in a stable order.
func (r *Repo) Wants() []ref.ID {
	r.mu.Lock()
	out := make([]ref.ID, 0, len(r.wants))
	for id := range r.wants {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Store saves data under id and announces the arrival when the blob is new.
// Concurrent stores of the same id share one write.
func (r *Repo) Store(ctx context.Context, id ref.ID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !id.Verify(data) {
		if err := id.Validate(); err != nil {
			return err
		}
		return fmt.Errorf("store %s: %w", id, ref.ErrDigestMismatch)
	}

	_, err, _ := r.writes.Do(string(id), func() (any, error) {
		created, err := r.write(id, data)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		delete(r.wants, id)
		r.mu.Unlock()
		if created {
			r.logger.Debug("blob stored", "id", id, "bytes", len(data))
			r.arrivals.Publish(id)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", id, err)
	}
	return nil
}

// Subscribe registers fn to be called for every newly stored blob.
func (r *Repo) Subscribe(fn func(ref.ID)) func() {
	return r.arrivals.Subscribe(fn)
}

// Remove deletes id from the repository. Removing a missing blob is not an
// error.
func (r *Repo) Remove(id ref.ID) error {
	path, err := r.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SetRestoring toggles restoring mode. While set, Fetch returns
// engine.ErrRestoring.
func (r *Repo) SetRestoring(restoring bool) {
	r.restoring.Store(restoring)
	r.logger.Info("repository restoring mode changed", "restoring", restoring)
}

// Size returns the number of bytes stored on disk.
func (r *Repo) Size() (int64, error) {
	return dirSize(r.root)
}

// Prune removes the least recently used blobs until the repository holds at
// most targetBytes. It returns the number of bytes freed and remaining.
func (r *Repo) Prune(targetBytes int64) (freed, remaining int64, err error) {
	freed, remaining, err = pruneDir(r.root, targetBytes)
	if err == nil && freed > 0 {
		r.logger.Info("repository pruned", "freed", freed, "remaining", remaining)
	}
	return freed, remaining, err
}

// Close releases compression resources.
func (r *Repo) Close() error {
	if r.enc != nil {
		if err := r.enc.Close(); err != nil {
			return err
		}
	}
	r.dec.Close()
	return nil
}

func (r *Repo) write(id ref.ID, data []byte) (bool, error) {
	path, err := r.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, r.dirPerm); err != nil {
		return false, err
	}

	content := data
	if r.enc != nil {
		content = r.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return false, err
	}
	if err := tmp.Chmod(r.filePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return false, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// decode returns the blob held in raw. Plain files verify as stored; only
// files that fail verification and look like a zstd frame are decompressed,
// so blobs whose content is itself zstd survive in uncompressed repositories.
func (r *Repo) decode(id ref.ID, raw []byte) ([]byte, error) {
	if id.Verify(raw) {
		return raw, nil
	}
	if !bytes.HasPrefix(raw, zstdMagic) {
		return nil, ref.ErrDigestMismatch
	}
	data, err := r.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if !id.Verify(data) {
		return nil, ref.ErrDigestMismatch
	}
	return data, nil
}

func (r *Repo) path(id ref.ID) (string, error) {
	dir, name, err := id.ShardPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(r.root, dir, name), nil
}
