package main

import (
	"bytes"
	"context"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobcache/ref"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIDCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload")
	data := []byte("payload")
	require.NoError(t, os.WriteFile(file, data, 0o600))

	out, err := run(t, "id", "--dir", filepath.Join(dir, "repo"), "--store", file)
	require.NoError(t, err)

	id := ref.FromContent(data)
	assert.Equal(t, fmt.Sprintf("%s\t%s\n", id, file), out)

	h := id.Hex()
	_, err = os.Stat(filepath.Join(dir, "repo", "blobs", "sha256", h[:2], h[2:]))
	require.NoError(t, err)
}

func TestGetCommandFromMirror(t *testing.T) {
	data := []byte("mirrored")
	id := ref.FromContent(data)
	h := id.Hex()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/"+h[:2]+"/"+h[2:] {
			nethttp.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	out, err := run(t, "get", "--dir", filepath.Join(dir, "repo"), "--mirror", server.URL, "--out", outDir, string(id))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s\t%d\n", id, len(data)), out)

	written, err := os.ReadFile(filepath.Join(outDir, h))
	require.NoError(t, err)
	assert.Equal(t, data, written)

	// The blob is now local, so a second get works without the mirror.
	server.Close()
	out, err = run(t, "get", "--dir", filepath.Join(dir, "repo"), string(id))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, string(id)))
}

func TestGetCommandMirrorMiss(t *testing.T) {
	server := httptest.NewServer(nethttp.NotFoundHandler())
	t.Cleanup(server.Close)

	_, err := run(t, "get", "--dir", t.TempDir(), "--mirror", server.URL, string(ref.FromContent([]byte("absent"))))
	require.Error(t, err)
}

func TestGetCommandRejectsBadID(t *testing.T) {
	_, err := run(t, "get", "--dir", t.TempDir(), "bogus")
	require.ErrorIs(t, err, ref.ErrInvalid)
}

func TestPruneCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload")
	require.NoError(t, os.WriteFile(file, []byte("0123456789"), 0o600))
	repo := filepath.Join(dir, "repo")

	_, err := run(t, "id", "--dir", repo, "--store", file)
	require.NoError(t, err)

	out, err := run(t, "prune", "--dir", repo, "--target", "0")
	require.NoError(t, err)
	assert.Equal(t, "freed 10 bytes, 0 bytes remaining\n", out)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "blobfetch dev")
}
