// Package http provides a blob mirror backed by plain HTTP GET requests.
//
// Blobs are addressed by the hex encoding of their hash, split into a two
// character directory and the remaining file name:
//
//	<base>/<hex[:2]>/<hex[2:]>
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/ref"
)

// DefaultMaxBytes caps the accepted body size.
const DefaultMaxBytes int64 = 8 << 20

// drainLimit bounds how much of an abandoned body is read so the
// connection can be reused. Larger remainders close the connection instead.
const drainLimit = 64 << 10

var (
	// ErrNotFound is returned when the mirror does not hold the blob.
	ErrNotFound = errors.New("blob not found on mirror")

	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("blob exceeds mirror size limit")

	// ErrEmptyBody is returned when the mirror answers 200 without content.
	ErrEmptyBody = errors.New("mirror returned empty body")
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mirror request failed: %s", e.Status)
}

// Mirror fetches blobs from an HTTP server.
// It satisfies engine.Mirror.
type Mirror struct {
	base     *url.URL
	client   *nethttp.Client
	headers  nethttp.Header
	maxBytes int64
}

var _ engine.Mirror = (*Mirror)(nil)

// Option configures a Mirror.
type Option func(*Mirror)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(m *Mirror) {
		m.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(m *Mirror) {
		if headers == nil {
			return
		}
		m.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(m *Mirror) {
		if m.headers == nil {
			m.headers = make(nethttp.Header)
		}
		m.headers.Set(key, value)
	}
}

// WithMaxBytes caps the accepted body size. Values <= 0 disable the cap.
func WithMaxBytes(n int64) Option {
	return func(m *Mirror) {
		m.maxBytes = n
	}
}

// NewMirror creates a Mirror rooted at baseURL.
func NewMirror(baseURL string, opts ...Option) (*Mirror, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse mirror url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mirror url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mirror url %q: missing host", baseURL)
	}
	m := &Mirror{
		base:     u,
		client:   nethttp.DefaultClient,
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = nethttp.DefaultClient
	}
	return m, nil
}

// URL returns the location of id on the mirror.
func (m *Mirror) URL(id ref.ID) (string, error) {
	dir, name, err := id.ShardPath()
	if err != nil {
		return "", err
	}
	return m.base.JoinPath(dir, name).String(), nil
}

// Fetch downloads id. The request is abandoned when ctx is cancelled.
func (m *Mirror) Fetch(ctx context.Context, id ref.ID) ([]byte, error) {
	target, err := m.URL(id)
	if err != nil {
		return nil, err
	}
	req, err := m.newRequest(ctx, target)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		// ok
	case nethttp.StatusNotFound, nethttp.StatusGone:
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	default:
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if m.maxBytes > 0 && resp.ContentLength > m.maxBytes {
		return nil, fmt.Errorf("%s: %d bytes: %w", id, resp.ContentLength, ErrTooLarge)
	}
	var body io.Reader = resp.Body
	if m.maxBytes > 0 {
		body = io.LimitReader(resp.Body, m.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read mirror body: %w", err)
	}
	if m.maxBytes > 0 && int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("%s: %w", id, ErrTooLarge)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrEmptyBody)
	}
	return data, nil
}

func (m *Mirror) newRequest(ctx context.Context, target string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range m.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/octet-stream")
	}
	return req, nil
}
