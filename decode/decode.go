// Package decode provides decoders that validate blob bytes before they are
// cached.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// Register the formats peers publish.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/meigma/blobcache/ref"
)

var (
	// ErrEmpty is returned for zero-length content.
	ErrEmpty = errors.New("blob is empty")

	// ErrDigestMismatch is returned when content does not hash to its identifier.
	ErrDigestMismatch = ref.ErrDigestMismatch
)

// Bytes accepts content that hashes to id and caches it as-is.
func Bytes(id ref.ID, data []byte) ([]byte, int64, error) {
	if len(data) == 0 {
		return nil, 0, ErrEmpty
	}
	if !id.Verify(data) {
		return nil, 0, ErrDigestMismatch
	}
	return data, int64(len(data)), nil
}

// Raw accepts any non-empty content without verifying it.
func Raw(_ ref.ID, data []byte) ([]byte, int64, error) {
	if len(data) == 0 {
		return nil, 0, ErrEmpty
	}
	return data, int64(len(data)), nil
}

// DefaultImageMaxBytes caps the decoded bitmap size accepted by Image.
const DefaultImageMaxBytes int64 = 100 << 20

// ErrImageTooLarge is returned when an image header declares a bitmap larger
// than the decoder limit. The pixels are never allocated.
var ErrImageTooLarge = errors.New("image exceeds decode limit")

// Image decodes GIF, JPEG or PNG content of at most DefaultImageMaxBytes
// decoded. The cache size is the decoded bitmap size (four bytes per pixel),
// not the encoded length.
func Image(_ ref.ID, data []byte) (image.Image, int64, error) {
	return decodeImage(data, DefaultImageMaxBytes)
}

// ImageLimit returns an image decoder that rejects bitmaps larger than
// maxBytes before decoding pixel data.
func ImageLimit(maxBytes int64) func(ref.ID, []byte) (image.Image, int64, error) {
	return func(_ ref.ID, data []byte) (image.Image, int64, error) {
		return decodeImage(data, maxBytes)
	}
}

func decodeImage(data []byte, maxBytes int64) (image.Image, int64, error) {
	if len(data) == 0 {
		return nil, 0, ErrEmpty
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("decode image header: %w", err)
	}
	size := int64(cfg.Width) * int64(cfg.Height) * 4
	if size <= 0 {
		return nil, 0, fmt.Errorf("decode %s image: empty bounds", format)
	}
	if size > maxBytes {
		return nil, 0, fmt.Errorf("decode %s image %dx%d: %w", format, cfg.Width, cfg.Height, ErrImageTooLarge)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return img, int64(b.Dx()) * int64(b.Dy()) * 4, nil
}
