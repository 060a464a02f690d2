package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobcache/ref"
)

type fakeClient struct {
	objects map[string][]byte
	err     error
	bucket  string
	key     string
}

func (f *fakeClient) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[f.key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestMirrorFetch(t *testing.T) {
	t.Parallel()

	data := []byte("blob")
	id := ref.FromContent(data)
	h := id.Hex()
	key := "mirror/" + h[:2] + "/" + h[2:]
	client := &fakeClient{objects: map[string][]byte{key: data}}

	m, err := New(client, Config{Bucket: "blobs", Prefix: "mirror"})
	require.NoError(t, err)

	got, err := m.Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "blobs", client.bucket)
	assert.Equal(t, key, client.key)
}

func TestMirrorNotFound(t *testing.T) {
	t.Parallel()

	m, err := New(&fakeClient{}, Config{Bucket: "blobs"})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), ref.FromContent([]byte("x")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMirrorAPIError(t *testing.T) {
	t.Parallel()

	client := &fakeClient{err: &smithy.GenericAPIError{Code: "SlowDown", Message: "throttled"}}
	m, err := New(client, Config{Bucket: "blobs"})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), ref.FromContent([]byte("x")))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "SlowDown", apiErr.ErrorCode())
}

func TestMirrorLimits(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte("z"), 32)
	bigID := ref.FromContent(big)
	empty := ref.FromContent([]byte("empty"))

	objects := map[string][]byte{}
	for id, data := range map[ref.ID][]byte{bigID: big, empty: {}} {
		h := id.Hex()
		objects[h[:2]+"/"+h[2:]] = data
	}

	m, err := New(&fakeClient{objects: objects}, Config{Bucket: "blobs"}, WithMaxBytes(16))
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), bigID)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = m.Fetch(context.Background(), empty)
	require.ErrorIs(t, err, ErrEmptyBody)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeClient{}, Config{})
	require.Error(t, err)

	m, err := New(&fakeClient{}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = m.Key("bogus")
	require.ErrorIs(t, err, ref.ErrInvalid)
}
