// Package s3 provides a blob mirror backed by an S3 compatible bucket.
//
// Objects are keyed like the HTTP mirror layout:
//
//	<prefix><hex[:2]>/<hex[2:]>
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/meigma/blobcache/engine"
	"github.com/meigma/blobcache/ref"
)

// DefaultMaxBytes caps the accepted object size.
const DefaultMaxBytes int64 = 8 << 20

var (
	// ErrNotFound is returned when the bucket does not hold the blob.
	ErrNotFound = errors.New("blob not found in bucket")

	// ErrTooLarge is returned when the object exceeds the configured limit.
	ErrTooLarge = errors.New("blob exceeds mirror size limit")

	// ErrEmptyBody is returned for zero length objects.
	ErrEmptyBody = errors.New("mirror returned empty object")
)

// Client is the subset of the S3 API used by Mirror.
type Client interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Config describes the bucket holding mirrored blobs.
type Config struct {
	Bucket string
	Prefix string

	// Region, Endpoint and static credentials are only used by NewClient.
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Mirror fetches blobs from an S3 bucket. It satisfies engine.Mirror.
type Mirror struct {
	client   Client
	bucket   string
	prefix   string
	maxBytes int64
}

var _ engine.Mirror = (*Mirror)(nil)

// Option configures a Mirror.
type Option func(*Mirror)

// WithMaxBytes caps the accepted object size. Values <= 0 disable the cap.
func WithMaxBytes(n int64) Option {
	return func(m *Mirror) {
		m.maxBytes = n
	}
}

// New creates a Mirror reading from cfg.Bucket through client.
func New(client Client, cfg Config, opts ...Option) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("s3 client is nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	m := &Mirror{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewClient builds an S3 client from cfg. A custom endpoint switches to path
// style addressing for MinIO and LocalStack.
func NewClient(ctx context.Context, cfg Config) (*awss3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Endpoint == "" {
		return awss3.NewFromConfig(awsCfg), nil
	}
	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	}), nil
}

// Key returns the object key for id.
func (m *Mirror) Key(id ref.ID) (string, error) {
	dir, name, err := id.ShardPath()
	if err != nil {
		return "", err
	}
	return m.prefix + dir + "/" + name, nil
}

// Fetch downloads id from the bucket.
func (m *Mirror) Fetch(ctx context.Context, id ref.ID) ([]byte, error) {
	key, err := m.Key(id)
	if err != nil {
		return nil, err
	}
	out, err := m.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	if m.maxBytes > 0 && aws.ToInt64(out.ContentLength) > m.maxBytes {
		return nil, fmt.Errorf("%s: %w", id, ErrTooLarge)
	}
	var body io.Reader = out.Body
	if m.maxBytes > 0 {
		body = io.LimitReader(out.Body, m.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if m.maxBytes > 0 && int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("%s: %w", id, ErrTooLarge)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrEmptyBody)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
