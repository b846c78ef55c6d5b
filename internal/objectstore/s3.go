package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Client writes objects into a single S3-compatible bucket.
type S3Client struct {
	bucket  string
	timeout time.Duration
	s3      *minio.Client
}

var _ Client = (*S3Client)(nil)

// NewS3Client creates a client for bucket. Without static keys the
// credentials come from the AWS_* or MINIO_* environment, then IAM.
func NewS3Client(bucket string, opts S3Options, timeout time.Duration) (*S3Client, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 destination has no bucket")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	var creds *credentials.Credentials
	if opts.AccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:     creds,
		Secure:    !opts.Insecure,
		Region:    opts.Region,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", endpoint, err)
	}
	return &S3Client{bucket: bucket, timeout: timeout, s3: mc}, nil
}

// Bucket returns the bucket objects are written to.
func (c *S3Client) Bucket() string { return c.bucket }

// Put uploads r as bucket/key. A negative size streams a multipart upload.
func (c *S3Client) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err := c.s3.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}
