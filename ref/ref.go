// Package ref parses and encodes blob identifiers.
//
// A blob identifier has the form "&<base64>.sha256" where the base64 payload
// is the standard encoding of the SHA-256 hash of the blob content. The
// identifier is the key for every cache, engine and mirror lookup, so it is
// validated once here and treated as opaque everywhere else.
package ref

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

const (
	// Sigil is the leading character of every blob identifier.
	Sigil = "&"

	// Suffix names the hash algorithm of the identifier.
	Suffix = ".sha256"

	hashSize = 32
)

var (
	// ErrInvalid is returned when an identifier is not a well formed blob reference.
	ErrInvalid = errors.New("invalid blob identifier")

	// ErrDigestMismatch is returned when content does not hash to its identifier.
	ErrDigestMismatch = errors.New("blob content does not match identifier")
)

// ID is a content-addressed blob identifier.
type ID string

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	id := ID(strings.TrimSpace(s))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromContent returns the identifier of data.
func FromContent(data []byte) ID {
	d := digest.FromBytes(data)
	raw, _ := hex.DecodeString(d.Encoded()) //nolint:errcheck // digest encodings are always valid hex
	return ID(Sigil + base64.StdEncoding.EncodeToString(raw) + Suffix)
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Validate reports whether id is a well formed blob identifier.
func (id ID) Validate() error {
	_, err := id.Bytes()
	return err
}

// Bytes returns the decoded hash carried by the identifier.
func (id ID) Bytes() ([]byte, error) {
	s := string(id)
	if !strings.HasPrefix(s, Sigil) || !strings.HasSuffix(s, Suffix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(s, Sigil), Suffix)
	if payload == "" || !strings.HasSuffix(payload, "=") {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalid, s, err)
	}
	if len(raw) != hashSize {
		return nil, fmt.Errorf("%w: %q: hash is %d bytes, want %d", ErrInvalid, s, len(raw), hashSize)
	}
	return raw, nil
}

// Hex returns the lowercase hex encoding of the identifier hash, or an empty
// string if the identifier is invalid.
func (id ID) Hex() string {
	raw, err := id.Bytes()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

// ShardPath splits the hex encoding into a two character directory and the
// remaining file name.
func (id ID) ShardPath() (dir, name string, err error) {
	h := id.Hex()
	if h == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalid, string(id))
	}
	return h[:2], h[2:], nil
}

// Digest returns the identifier as an OCI digest ("sha256:<hex>").
func (id ID) Digest() (digest.Digest, error) {
	h := id.Hex()
	if h == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalid, string(id))
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, h)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return d, nil
}

// Verify reports whether data hashes to the identifier.
func (id ID) Verify(data []byte) bool {
	d, err := id.Digest()
	if err != nil {
		return false
	}
	v := d.Verifier()
	if _, err := v.Write(data); err != nil {
		return false
	}
	return v.Verified()
}
