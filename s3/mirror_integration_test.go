//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/blobcache/ref"
	blobs3 "github.com/meigma/blobcache/s3"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

func startMinIO(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd: []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestMirrorMinIO(t *testing.T) {
	endpoint := startMinIO(t)
	ctx := context.Background()

	cfg := blobs3.Config{
		Bucket:          "blobs",
		Prefix:          "sha256",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
	}
	client, err := blobs3.NewClient(ctx, cfg)
	require.NoError(t, err)

	_, err = client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})
	require.NoError(t, err)

	m, err := blobs3.New(client, cfg)
	require.NoError(t, err)

	data := []byte("mirrored through minio")
	id := ref.FromContent(data)
	key, err := m.Key(id)
	require.NoError(t, err)

	_, err = client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	require.NoError(t, err)

	got, err := m.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = m.Fetch(ctx, ref.FromContent([]byte("absent")))
	require.ErrorIs(t, err, blobs3.ErrNotFound)
}
